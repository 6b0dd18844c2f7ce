package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/bigkaa/cartlink/internal/transport"
)

// Checksum — беззнаковая 16-битная сумма всех байт (по модулю 0x10000).
func Checksum(data []byte) uint16 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return uint16(sum & 0xFFFF)
}

// SendIntBytes пишет n младших байт value, старший первым.
func SendIntBytes(p transport.Port, value uint32, n int) error {
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[n-1-i] = byte(value >> (8 * i))
	}
	return writeAll(p, buf)
}

// ReadIntBytes читает n байт и собирает их младшим байтом вперёд.
func ReadIntBytes(ctx context.Context, p transport.Port, n int, timeout time.Duration) (uint32, error) {
	raw, err := transport.ReadExactly(ctx, p, n, timeout)
	if err != nil {
		return 0, err
	}
	return decodeLittleEndian(raw), nil
}

// SendToken пишет токен команды.
func SendToken(p transport.Port, t Token) error {
	return writeAll(p, t.Bytes())
}

// SendString пишет строку с завершающим нулём.
func SendString(p transport.Port, s string) error {
	buf := make([]byte, 0, len(s)+1)
	buf = append(buf, s...)
	buf = append(buf, 0)
	return writeAll(p, buf)
}

func decodeLittleEndian(raw []byte) uint32 {
	var v uint32
	for i := len(raw) - 1; i >= 0; i-- {
		v = v<<8 | uint32(raw[i])
	}
	return v
}

func writeAll(p transport.Port, buf []byte) error {
	for len(buf) > 0 {
		n, err := p.Write(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("запись в порт: записано 0 байт")
		}
		buf = buf[n:]
	}
	return nil
}
