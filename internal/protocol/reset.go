package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bigkaa/cartlink/internal/transport"
)

// ReconnectFunc переоткрывает соединение с устройством.
type ReconnectFunc func(ctx context.Context) error

// Reset перезагружает компьютер с картриджем и ждёт баннер загрузки.
//
// После токена входящий поток опрашивается раз в ResetPollInterval,
// не более ResetPolls раз; текст накапливается, успех — как только в нём
// появится BootBanner. Если порт закрылся (перезагрузка может сбросить
// USB-соединение), вызывается reconnect до ResetReconnects раз, и
// успешное переподключение считается успешным сбросом.
func (c *Client) Reset(ctx context.Context, p transport.Port, reconnect ReconnectFunc) (err error) {
	start := time.Now()
	defer func() { observe(TokenReset.String(), start, err) }()

	p.Discard()
	if err = SendToken(p, TokenReset); err != nil {
		if transport.IsDisconnect(err) {
			return c.reconnectAfterReset(ctx, reconnect, err)
		}
		return fmt.Errorf("reset: %w", err)
	}

	var seen strings.Builder
	for poll := 1; poll <= c.cfg.ResetPolls; poll++ {
		if err = c.sleep(ctx, c.cfg.ResetPollInterval); err != nil {
			return err
		}

		chunk := make([]byte, p.BytesAvailable())
		n, readErr := p.Read(chunk)
		if readErr != nil {
			if transport.IsDisconnect(readErr) {
				return c.reconnectAfterReset(ctx, reconnect, readErr)
			}
			return fmt.Errorf("reset: %w", readErr)
		}
		seen.Write(chunk[:n])

		if strings.Contains(seen.String(), c.cfg.BootBanner) {
			c.logger.Info("Устройство перезагружено", slog.Int("polls", poll))
			return nil
		}
	}

	c.logger.Warn("Баннер загрузки не получен",
		slog.Int("polls", c.cfg.ResetPolls),
		slog.String("received", printable([]byte(seen.String()))),
	)
	return ErrResetTimeout
}

func (c *Client) reconnectAfterReset(ctx context.Context, reconnect ReconnectFunc, cause error) error {
	if reconnect == nil {
		return fmt.Errorf("reset: порт закрыт, переподключение недоступно: %w", cause)
	}

	c.logger.Info("Порт закрылся во время сброса, переподключение")

	var last error
	for attempt := 1; attempt <= c.cfg.ResetReconnects; attempt++ {
		if last = reconnect(ctx); last == nil {
			return nil
		}
		c.logger.Warn("Переподключение после сброса не удалось",
			slog.Int("attempt", attempt),
			slog.String("error", last.Error()),
		)
		if attempt < c.cfg.ResetReconnects {
			if err := c.sleep(ctx, c.cfg.ResetPollInterval); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("reset: переподключение не удалось после %d попыток: %w", c.cfg.ResetReconnects, last)
}
