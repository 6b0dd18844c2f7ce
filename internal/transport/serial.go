package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Параметры линии картриджа: 115200 8N1.
const (
	baudRate        = 115200
	readTimeout     = 50 * time.Millisecond
	readChunkSize   = 4096
	defaultOpenWait = 100 * time.Millisecond
)

// SerialPort — реализация Port поверх go.bug.st/serial.
// Единственная горутина-читатель переносит байты из ОС в Buffer.
type SerialPort struct {
	name   string
	port   serial.Port
	buf    *Buffer
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// OpenSerial открывает порт и запускает фоновое чтение.
func OpenSerial(name string, logger *slog.Logger) (*SerialPort, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("открытие порта %s: %w", name, classifySerialError(err))
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("настройка таймаута порта %s: %w", name, err)
	}
	_ = p.ResetInputBuffer()
	_ = p.ResetOutputBuffer()

	sp := &SerialPort{
		name:   name,
		port:   p,
		buf:    NewBuffer(),
		logger: logger.With(slog.String("component", "serial"), slog.String("port", name)),
		done:   make(chan struct{}),
	}
	go sp.readLoop()

	return sp, nil
}

// readLoop переносит байты из порта в буфер до закрытия или ошибки.
// Таймаут чтения драйвера возвращает (0, nil), это нормальный холостой ход.
func (s *SerialPort) readLoop() {
	chunk := make([]byte, readChunkSize)
	for {
		select {
		case <-s.done:
			s.buf.CloseWithError(ErrPortClosed)
			return
		default:
		}

		n, err := s.port.Read(chunk)
		if n > 0 {
			s.buf.Append(chunk[:n])
		}
		if err != nil {
			mapped := classifySerialError(err)
			s.logger.Debug("Чтение из порта прекращено", slog.String("error", err.Error()))
			s.buf.CloseWithError(mapped)
			return
		}
	}
}

// Name возвращает имя порта.
func (s *SerialPort) Name() string { return s.name }

// Write отправляет байты в порт.
func (s *SerialPort) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.buf.Err(); err != nil {
		return 0, err
	}
	n, err := s.port.Write(p)
	if err != nil {
		return n, classifySerialError(err)
	}
	return n, nil
}

// Read забирает принятые байты без блокировки.
func (s *SerialPort) Read(p []byte) (int, error) { return s.buf.Read(p) }

// BytesAvailable возвращает количество непрочитанных байт.
func (s *SerialPort) BytesAvailable() int { return s.buf.Len() }

// WaitForBytes ждёт n байт не дольше timeout.
func (s *SerialPort) WaitForBytes(ctx context.Context, n int, timeout time.Duration) error {
	return s.buf.Wait(ctx, n, timeout)
}

// Discard отбрасывает буферизованные байты, включая буфер драйвера.
func (s *SerialPort) Discard() {
	_ = s.port.ResetInputBuffer()
	s.buf.Reset()
}

// Close закрывает порт и останавливает читателя.
func (s *SerialPort) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.port.Close()
		s.buf.CloseWithError(ErrPortClosed)
	})
	return err
}

// classifySerialError сводит ошибки драйвера к ErrPortClosed/ErrPortNotFound,
// чтобы верхние слои различали «устройство пропало» и прочие сбои.
func classifySerialError(err error) error {
	if err == nil {
		return nil
	}

	var code serial.PortErrorCode
	var matched bool
	var pe *serial.PortError
	if errors.As(err, &pe) {
		code, matched = pe.Code(), true
	}

	if !matched {
		return err
	}

	switch code {
	case serial.PortNotFound:
		return fmt.Errorf("%w: %v", ErrPortNotFound, err)
	case serial.PortClosed, serial.InvalidSerialPort:
		return fmt.Errorf("%w: %v", ErrPortClosed, err)
	default:
		return err
	}
}

// IsDisconnect сообщает, означает ли ошибка потерю связи с устройством.
func IsDisconnect(err error) bool {
	return errors.Is(err, ErrPortClosed) || errors.Is(err, ErrPortNotFound)
}

// SerialOpener открывает настоящие последовательные порты.
type SerialOpener struct {
	logger *slog.Logger
	// settle — пауза после открытия, пока прошивка выходит из сброса по DTR.
	settle time.Duration
}

// NewSerialOpener создаёт Opener для портов ОС.
func NewSerialOpener(logger *slog.Logger) *SerialOpener {
	return &SerialOpener{logger: logger, settle: defaultOpenWait}
}

// Open открывает порт по имени.
func (o *SerialOpener) Open(name string) (Port, error) {
	p, err := OpenSerial(name, o.logger)
	if err != nil {
		return nil, err
	}
	time.Sleep(o.settle)
	return p, nil
}

// List возвращает имена портов, видимых ОС.
func (o *SerialOpener) List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("перечисление портов: %w", err)
	}
	return ports, nil
}
