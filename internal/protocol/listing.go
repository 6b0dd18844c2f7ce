package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bigkaa/cartlink/internal/domain/model"
	"github.com/bigkaa/cartlink/internal/transport"
)

// DirectoryContent — содержимое одного каталога в порядке, заданном устройством.
type DirectoryContent struct {
	Path        string
	Directories []model.DirectoryEntry
	Files       []model.FileEntry
}

// listingRecord — запись [Dir]{json}[/Dir] или [File]{json}[/File].
var listingRecord = regexp.MustCompile(`(?s)\[(Dir|File)\](.*?)\[/(?:Dir|File)\]`)

// wireEntry — JSON внутри записи листинга.
type wireEntry struct {
	Name string `json:"Name"`
	Path string `json:"Path"`
	Size int64  `json:"Size"`
}

// ListDirectory запрашивает содержимое одного каталога.
// Ошибки прошивки возвращаются как *DirectoryError.
func (c *Client) ListDirectory(ctx context.Context, p transport.Port, unit byte, path string) (dc *DirectoryContent, err error) {
	start := time.Now()
	defer func() { observe(TokenListDirectory.String(), start, err) }()

	path = model.CleanPath(path)

	p.Discard()
	if err = SendToken(p, TokenListDirectory); err != nil {
		return nil, fmt.Errorf("list_directory: %w", err)
	}
	if err = c.GetAck(ctx, p, "list_directory"); err != nil {
		return nil, err
	}
	if err = SendIntBytes(p, uint32(unit), 1); err != nil {
		return nil, err
	}
	if err = SendIntBytes(p, listSkip, 2); err != nil {
		return nil, err
	}
	if err = SendIntBytes(p, listTake, 2); err != nil {
		return nil, err
	}
	if err = SendString(p, path); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.ListTimeout)

	startToken, err := ReadIntBytes(ctx, p, 2, c.cfg.ListTimeout)
	if err != nil {
		return nil, fmt.Errorf("list_directory %s: ожидание начала листинга: %w", path, err)
	}
	if Token(startToken) != TokenStartDirectoryList {
		text, _ := transport.ReadText(ctx, p, c.cfg.TextWindow)
		raw := append(Token(startToken).LittleEndianBytes(), text...)
		return nil, &DirectoryError{Code: ParseDirectoryError(string(raw)), Message: printable(raw)}
	}

	body, failed, err := readUntilTerminator(ctx, p, deadline)
	if err != nil {
		return nil, fmt.Errorf("list_directory %s: %w", path, err)
	}
	if failed {
		return nil, &DirectoryError{Code: ParseDirectoryError(string(body)), Message: printable(body)}
	}

	return parseListing(path, body)
}

// readUntilTerminator копит тело листинга, пока последние два байта не
// совпадут с токеном конца листинга или отказа. Ожидание ограничено deadline.
func readUntilTerminator(ctx context.Context, p transport.Port, deadline time.Time) ([]byte, bool, error) {
	var body []byte
	end := TokenEndDirectoryList.Bytes()
	fail := TokenFail.Bytes()

	for {
		chunk := make([]byte, p.BytesAvailable())
		n, err := p.Read(chunk)
		if err != nil {
			return nil, false, err
		}
		body = append(body, chunk[:n]...)

		if len(body) >= 2 {
			tail := body[len(body)-2:]
			switch {
			case bytes.Equal(tail, end):
				return body[:len(body)-2], false, nil
			case bytes.Equal(tail, fail):
				return body[:len(body)-2], true, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, fmt.Errorf("%w: листинг не завершён, получено %d байт", transport.ErrTimeout, len(body))
		}
		wait := 10 * time.Millisecond
		if wait > remaining {
			wait = remaining
		}
		if err := p.WaitForBytes(ctx, 1, wait); err != nil && !errors.Is(err, transport.ErrTimeout) {
			return nil, false, err
		}
	}
}

// parseListing разбирает записи листинга в порядке следования.
func parseListing(path string, body []byte) (*DirectoryContent, error) {
	dc := &DirectoryContent{
		Path:        path,
		Directories: []model.DirectoryEntry{},
		Files:       []model.FileEntry{},
	}

	for _, m := range listingRecord.FindAllSubmatch(body, -1) {
		var e wireEntry
		if err := json.Unmarshal(m[2], &e); err != nil {
			return nil, &ProtocolError{Op: "list_directory", Raw: m[0]}
		}
		entryPath := model.CleanPath(strings.ReplaceAll(e.Path, "//", "/"))
		if e.Name == "" {
			e.Name = model.BaseName(entryPath)
		}

		if string(m[1]) == "Dir" {
			dc.Directories = append(dc.Directories, model.DirectoryEntry{Name: e.Name, Path: entryPath})
		} else {
			dc.Files = append(dc.Files, model.FileEntry{Name: e.Name, Path: entryPath, Size: e.Size})
		}
	}
	return dc, nil
}

// ListDirectoryRecursive обходит поддерево, начиная с path, по одному
// запросу на каталог. Каждый уровень ограничен ListTimeout, обход
// целиком — контекстом. Результат упорядочен обходом в глубину.
func (c *Client) ListDirectoryRecursive(ctx context.Context, p transport.Port, unit byte, path string) ([]*DirectoryContent, error) {
	var result []*DirectoryContent

	var walk func(dir string) error
	walk = func(dir string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		dc, err := c.ListDirectory(ctx, p, unit, dir)
		if err != nil {
			return err
		}
		result = append(result, dc)
		for _, sub := range dc.Directories {
			if err := walk(sub.Path); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(model.CleanPath(path)); err != nil {
		return nil, err
	}
	return result, nil
}
