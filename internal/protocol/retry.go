package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/bigkaa/cartlink/internal/transport"
)

// Retry выполняет fn до RetryAttempts раз с линейной паузой attempt*RetryStep.
// После последней неудачи возвращает UnresponsiveError, а не исходную ошибку.
// Потеря порта и отмена контекста не повторяются.
func (c *Client) Retry(ctx context.Context, op string, fn func() error) error {
	attempts := c.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		last = err

		if transport.IsDisconnect(err) || ctx.Err() != nil {
			return err
		}
		if attempt == attempts {
			break
		}

		retriesTotal.WithLabelValues(op).Inc()
		wait := time.Duration(attempt) * c.cfg.RetryStep
		c.logger.Debug("Повтор команды",
			slog.String("command", op),
			slog.Int("attempt", attempt),
			slog.String("wait", wait.String()),
			slog.String("error", err.Error()),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}

	return &UnresponsiveError{Op: op, Attempts: attempts, Last: last}
}
