// Пакет transport — байтовый транспорт к картриджу поверх последовательного порта.
//
// Порт полудуплексный: один писатель и один читатель. Входящие байты
// накапливаются во внутреннем буфере фоновым читателем, поэтому
// протокольный слой может узнать количество доступных байт и ждать
// N байт с ограниченным таймаутом. Неограниченных блокирующих чтений нет.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

// pollInterval — шаг опроса буфера при ожидании данных.
const pollInterval = 10 * time.Millisecond

var (
	// ErrPortClosed — порт закрыт или устройство извлечено.
	ErrPortClosed = errors.New("порт закрыт")
	// ErrTimeout — данные не пришли за отведённое время.
	ErrTimeout = errors.New("таймаут ожидания данных")
	// ErrPortNotFound — порт с таким именем не существует.
	ErrPortNotFound = errors.New("порт не найден")
)

// Port — открытый байтовый канал к одному устройству.
type Port interface {
	// Name возвращает системное имя порта (COM3, /dev/ttyACM0).
	Name() string
	// Write отправляет байты устройству.
	Write(p []byte) (int, error)
	// Read забирает до len(p) уже принятых байт, не блокируясь.
	Read(p []byte) (int, error)
	// BytesAvailable возвращает количество принятых и ещё не прочитанных байт.
	BytesAvailable() int
	// WaitForBytes ждёт, пока в буфере окажется не меньше n байт.
	WaitForBytes(ctx context.Context, n int, timeout time.Duration) error
	// Discard отбрасывает всё непрочитанное.
	Discard()
	// Close закрывает порт. Повторный вызов безопасен.
	Close() error
}

// Opener открывает порты и перечисляет доступные.
type Opener interface {
	Open(name string) (Port, error)
	List() ([]string, error)
}

// ReadExactly ждёт и читает ровно n байт.
func ReadExactly(ctx context.Context, p Port, n int, timeout time.Duration) ([]byte, error) {
	if err := p.WaitForBytes(ctx, n, timeout); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	read, err := p.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:read], nil
}

// ReadAll забирает всё, что есть в буфере на данный момент.
func ReadAll(p Port) []byte {
	n := p.BytesAvailable()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	read, _ := p.Read(buf)
	return buf[:read]
}

// ReadText собирает текст, приходящий от устройства в течение окна window.
// Используется там, где ответ — произвольная строка без длины
// (рукопожатие, баннер после сброса, текст ошибки).
func ReadText(ctx context.Context, p Port, window time.Duration) (string, error) {
	var sb strings.Builder
	deadline := time.Now().Add(window)

	for {
		sb.Write(ReadAll(p))
		if !time.Now().Before(deadline) {
			return sb.String(), nil
		}
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
