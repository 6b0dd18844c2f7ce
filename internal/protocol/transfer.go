package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bigkaa/cartlink/internal/transport"
)

// maxFileSize — ограничение прошивки на размер передаваемого файла.
const maxFileSize = 16 * 1024 * 1024

// transferTimeout — ожидание полезной нагрузки: базовые 5 секунд плюс
// запас на скорость линии (~11 КБ/с на 115200 бод).
func transferTimeout(size int) time.Duration {
	return 5*time.Second + time.Duration(size)*time.Second/10000
}

// SendFile передаёт файл на носитель unit по пути path.
// Если файл уже существует, возвращает ошибку, для которой
// errors.Is(err, ErrFileExists) истинно.
func (c *Client) SendFile(ctx context.Context, p transport.Port, unit byte, path string, data []byte) (err error) {
	start := time.Now()
	defer func() { observe(TokenSendFile.String(), start, err) }()

	if len(data) > maxFileSize {
		return fmt.Errorf("send_file: размер %d превышает %d байт", len(data), maxFileSize)
	}

	p.Discard()
	if err = SendToken(p, TokenSendFile); err != nil {
		return fmt.Errorf("send_file: %w", err)
	}
	if err = c.GetAck(ctx, p, "send_file"); err != nil {
		return err
	}

	// Заголовок: длина (4), контрольная сумма (2), носитель (1), путь\0
	if err = SendIntBytes(p, uint32(len(data)), 4); err != nil {
		return err
	}
	if err = SendIntBytes(p, uint32(Checksum(data)), 2); err != nil {
		return err
	}
	if err = SendIntBytes(p, uint32(unit), 1); err != nil {
		return err
	}
	if err = SendString(p, path); err != nil {
		return err
	}

	if err = c.GetAck(ctx, p, "send_file"); err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) && strings.Contains(strings.ToLower(string(pe.Raw)), "file already exists") {
			return fmt.Errorf("send_file %s: %w", path, ErrFileExists)
		}
		return err
	}

	for off := 0; off < len(data); off += ChunkSize {
		if err = ctx.Err(); err != nil {
			return fmt.Errorf("send_file: передача прервана на %d байте: %w", off, err)
		}
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err = writeAll(p, data[off:end]); err != nil {
			return fmt.Errorf("send_file: запись блока %d: %w", off/ChunkSize, err)
		}
	}

	if err = c.getAck(ctx, p, "send_file", c.cfg.TransferAckTimeout); err != nil {
		return err
	}

	c.logger.Debug("Файл передан",
		slog.String("path", path),
		slog.Int("size", len(data)),
	)
	return nil
}

// GetFileStatus — итог получения файла.
type GetFileStatus string

const (
	GetFileOK               GetFileStatus = "ok"
	GetFileChecksumMismatch GetFileStatus = "checksum_mismatch"
)

// GetFileResult — содержимое файла и результат сверки контрольной суммы.
// Несовпадение суммы — ожидаемый исход на нестабильной линии, а не ошибка.
type GetFileResult struct {
	Status   GetFileStatus
	Data     []byte
	Expected uint16
	Actual   uint16
}

// OK сообщает, что контрольная сумма сошлась.
func (r *GetFileResult) OK() bool { return r.Status == GetFileOK }

// GetFile получает файл с носителя. Ошибки прошивки возвращаются как
// *FileError; несовпадение суммы — как результат со статусом
// GetFileChecksumMismatch и nil-ошибкой.
func (c *Client) GetFile(ctx context.Context, p transport.Port, unit byte, path string) (res *GetFileResult, err error) {
	start := time.Now()
	defer func() { observe(TokenGetFile.String(), start, err) }()

	p.Discard()
	if err = SendToken(p, TokenGetFile); err != nil {
		return nil, fmt.Errorf("get_file: %w", err)
	}
	if err = c.GetAck(ctx, p, "get_file"); err != nil {
		return nil, err
	}
	if err = SendIntBytes(p, uint32(unit), 1); err != nil {
		return nil, err
	}
	if err = SendString(p, path); err != nil {
		return nil, err
	}

	if err = c.GetAck(ctx, p, "get_file"); err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			text := printable(pe.Raw)
			return nil, &FileError{Code: ParseFileError(text), Message: text}
		}
		return nil, err
	}

	length, err := ReadIntBytes(ctx, p, 4, c.cfg.AckTimeout)
	if err != nil {
		return nil, fmt.Errorf("get_file: чтение длины: %w", err)
	}
	if length > maxFileSize {
		return nil, &ProtocolError{Op: "get_file", Raw: []byte(fmt.Sprintf("length=%d", length))}
	}
	declared, err := ReadIntBytes(ctx, p, 4, c.cfg.AckTimeout)
	if err != nil {
		return nil, fmt.Errorf("get_file: чтение контрольной суммы: %w", err)
	}

	data, err := transport.ReadExactly(ctx, p, int(length), transferTimeout(int(length)))
	if err != nil {
		return nil, fmt.Errorf("get_file: чтение %d байт: %w", length, err)
	}

	if err = c.getAck(ctx, p, "get_file", c.cfg.TransferAckTimeout); err != nil {
		return nil, err
	}

	res = &GetFileResult{
		Status:   GetFileOK,
		Data:     data,
		Expected: uint16(declared & 0xFFFF),
		Actual:   Checksum(data),
	}
	if res.Expected != res.Actual {
		res.Status = GetFileChecksumMismatch
		checksumMismatchTotal.Inc()
		c.logger.Warn("Контрольная сумма файла не совпала",
			slog.String("path", path),
			slog.Int("expected", int(res.Expected)),
			slog.Int("actual", int(res.Actual)),
		)
	}
	return res, nil
}
