package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/cartlink/internal/transport"
)

// Prometheus метрики протокола
var (
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cl_protocol_commands_total",
			Help: "Количество команд, отправленных устройству",
		},
		[]string{"command", "outcome"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cl_protocol_command_duration_seconds",
			Help:    "Длительность команд в секундах",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		},
		[]string{"command"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cl_protocol_retries_total",
			Help: "Повторные попытки команд",
		},
		[]string{"command"},
	)

	checksumMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cl_protocol_checksum_mismatch_total",
		Help: "Несовпадения контрольной суммы при получении файлов",
	})
)

// Config — таймауты и политика повторов протокола.
type Config struct {
	// AckTimeout — ожидание двухбайтового ack
	AckTimeout time.Duration
	// TextWindow — окно сбора текста ошибки после неуспешного ack
	TextWindow time.Duration
	// ListTimeout — ожидание листинга одного каталога
	ListTimeout time.Duration
	// TransferAckTimeout — ожидание финального ack после передачи данных
	TransferAckTimeout time.Duration
	// RetryAttempts и RetryStep — линейный backoff: attempt * step
	RetryAttempts int
	RetryStep     time.Duration
	// ResetPolls и ResetPollInterval — опрос баннера после сброса
	ResetPolls        int
	ResetPollInterval time.Duration
	// ResetReconnects — попытки переподключения, если сброс закрыл порт
	ResetReconnects int
	// BootBanner — подстрока, которую прошивка печатает при загрузке
	BootBanner string
}

// DefaultConfig возвращает параметры, принятые для прошивки картриджа.
func DefaultConfig() Config {
	return Config{
		AckTimeout:         500 * time.Millisecond,
		TextWindow:         100 * time.Millisecond,
		ListTimeout:        10 * time.Second,
		TransferAckTimeout: 5 * time.Second,
		RetryAttempts:      3,
		RetryStep:          100 * time.Millisecond,
		ResetPolls:         10,
		ResetPollInterval:  time.Second,
		ResetReconnects:    3,
		BootBanner:         "TeensyROM",
	}
}

// SleepFunc — пауза с учётом отмены. Подменяется в тестах.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Client выполняет команды на переданном порту. Сам порт не захватывает:
// вызывающий обязан держать guard автомата соединения.
type Client struct {
	cfg    Config
	sleep  SleepFunc
	logger *slog.Logger
}

// NewClient создаёт клиента протокола.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		sleep:  sleepCtx,
		logger: logger.With(slog.String("component", "protocol")),
	}
}

// WithSleep возвращает копию клиента с другой функцией паузы.
func (c *Client) WithSleep(sleep SleepFunc) *Client {
	cp := *c
	cp.sleep = sleep
	return &cp
}

// Config возвращает параметры клиента.
func (c *Client) Config() Config { return c.cfg }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// observe фиксирует метрики команды.
func observe(command string, start time.Time, err error) {
	commandsTotal.WithLabelValues(command, Classify(err).String()).Inc()
	commandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
}

// GetAck ждёт двухбайтовый ответ. Ack — успех; Fail или иное значение —
// ProtocolError с прочитанными байтами и текстом, пришедшим следом.
func (c *Client) GetAck(ctx context.Context, p transport.Port, op string) error {
	return c.getAck(ctx, p, op, c.cfg.AckTimeout)
}

func (c *Client) getAck(ctx context.Context, p transport.Port, op string, timeout time.Duration) error {
	raw, err := transport.ReadExactly(ctx, p, 2, timeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			// Пришёл один байт или ничего: отдаём его в диагностику.
			rest := transport.ReadAll(p)
			if len(rest) > 0 {
				return &ProtocolError{Op: op, Raw: rest}
			}
		}
		return fmt.Errorf("%s: ожидание ack: %w", op, err)
	}

	if Token(decodeLittleEndian(raw)) == TokenAck {
		return nil
	}

	text, _ := transport.ReadText(ctx, p, c.cfg.TextWindow)
	return &ProtocolError{Op: op, Raw: append(raw, text...)}
}

// fireAndAck отправляет токен, параметры и ждёт ack.
func (c *Client) fireAndAck(ctx context.Context, p transport.Port, token Token, params ...[]byte) (err error) {
	start := time.Now()
	defer func() { observe(token.String(), start, err) }()

	p.Discard()
	if err = SendToken(p, token); err != nil {
		return fmt.Errorf("%s: %w", token, err)
	}
	for _, param := range params {
		if err = writeAll(p, param); err != nil {
			return fmt.Errorf("%s: %w", token, err)
		}
	}
	return c.GetAck(ctx, p, token.String())
}

// Ping проверяет, что устройство отвечает.
func (c *Client) Ping(ctx context.Context, p transport.Port) error {
	return c.fireAndAck(ctx, p, TokenPing)
}

// TogglePlayback ставит на паузу или возобновляет воспроизведение музыки.
func (c *Client) TogglePlayback(ctx context.Context, p transport.Port) error {
	return c.fireAndAck(ctx, p, TokenTogglePlayback)
}

// PlaySubtune переключает подпесню SID-файла (индекс с 1).
func (c *Client) PlaySubtune(ctx context.Context, p transport.Port, index int) error {
	if index < 1 || index > 255 {
		return fmt.Errorf("play_subtune: индекс %d вне диапазона 1..255", index)
	}
	return c.fireAndAck(ctx, p, TokenPlaySubtune, []byte{byte(index)})
}

// Voice — битовая маска голосов SID.
type Voice byte

const (
	Voice1 Voice = 1 << iota
	Voice2
	Voice3
)

// MuteVoices заглушает голоса, чьи биты выставлены в mask.
// Команда чувствительна ко времени и повторяется по политике Retry.
func (c *Client) MuteVoices(ctx context.Context, p transport.Port, mask Voice) error {
	return c.Retry(ctx, TokenMuteVoices.String(), func() error {
		return c.fireAndAck(ctx, p, TokenMuteVoices, []byte{byte(mask & (Voice1 | Voice2 | Voice3))})
	})
}

// SpeedCurve — шкала изменения скорости воспроизведения.
type SpeedCurve byte

const (
	SpeedLinear      SpeedCurve = 0
	SpeedLogarithmic SpeedCurve = 1
)

// SetMusicSpeed меняет скорость воспроизведения на amount (-68..128 %).
func (c *Client) SetMusicSpeed(ctx context.Context, p transport.Port, curve SpeedCurve, amount int) error {
	if amount < -68 || amount > 128 {
		return fmt.Errorf("set_music_speed: значение %d вне диапазона -68..128", amount)
	}
	return c.Retry(ctx, TokenSetMusicSpeed.String(), func() error {
		return c.fireAndAck(ctx, p, TokenSetMusicSpeed, []byte{byte(curve), byte(int8(amount))})
	})
}

// LaunchFile запускает файл на носителе.
func (c *Client) LaunchFile(ctx context.Context, p transport.Port, unit byte, path string) (err error) {
	start := time.Now()
	defer func() { observe(TokenLaunchFile.String(), start, err) }()

	p.Discard()
	if err = SendToken(p, TokenLaunchFile); err != nil {
		return err
	}
	if err = c.GetAck(ctx, p, "launch_file"); err != nil {
		return err
	}
	if err = SendIntBytes(p, uint32(unit), 1); err != nil {
		return err
	}
	if err = SendString(p, path); err != nil {
		return err
	}
	return c.GetAck(ctx, p, "launch_file")
}

// DeleteFile удаляет файл с носителя.
func (c *Client) DeleteFile(ctx context.Context, p transport.Port, unit byte, path string) (err error) {
	start := time.Now()
	defer func() { observe(TokenDeleteFile.String(), start, err) }()

	p.Discard()
	if err = SendToken(p, TokenDeleteFile); err != nil {
		return err
	}
	if err = c.GetAck(ctx, p, "delete_file"); err != nil {
		return err
	}
	if err = SendIntBytes(p, uint32(unit), 1); err != nil {
		return err
	}
	if err = SendString(p, path); err != nil {
		return err
	}
	return c.GetAck(ctx, p, "delete_file")
}

// SendRaw отправляет произвольную строку и возвращает текст ответа,
// собранный за окно TextWindow.
func (c *Client) SendRaw(ctx context.Context, p transport.Port, text string) (string, error) {
	p.Discard()
	if err := writeAll(p, []byte(text)); err != nil {
		return "", fmt.Errorf("send_raw: %w", err)
	}
	return transport.ReadText(ctx, p, c.cfg.TextWindow)
}
