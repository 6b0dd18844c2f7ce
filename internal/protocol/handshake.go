package protocol

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/cartlink/internal/transport"
)

// Минимальные версии прошивки.
var (
	minFullVersion    = [3]int{0, 6, 6}
	minMinimalVersion = [3]int{0, 0, 2}
)

var versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+`)

// ErrNotDevice — на порту нет картриджа.
var ErrNotDevice = errors.New("на порту нет совместимого устройства")

// VersionInfo — результат опроса версии.
type VersionInfo struct {
	// Raw — текст ответа
	Raw string
	// IsDevice — ответ похож на картридж
	IsDevice bool
	// Busy — устройство ответило, но занято
	Busy bool
	// Version — версия прошивки (пустая, если не распознана)
	Version string
	// Minimal — прошивка в урезанном режиме
	Minimal bool
	// Compatible — версия не ниже минимально поддерживаемой
	Compatible bool
}

// ProbeVersion отправляет однобайтовый запрос версии и собирает текст
// ответа в течение window.
func (c *Client) ProbeVersion(ctx context.Context, p transport.Port, window time.Duration) (*VersionInfo, error) {
	p.Discard()
	if err := writeAll(p, []byte{VersionCheck}); err != nil {
		return nil, fmt.Errorf("запрос версии: %w", err)
	}
	text, err := transport.ReadText(ctx, p, window)
	if err != nil {
		return nil, err
	}
	return ParseVersion(text), nil
}

// ParseVersion разбирает текст ответа на запрос версии.
func ParseVersion(text string) *VersionInfo {
	lower := strings.ToLower(text)
	info := &VersionInfo{
		Raw:      strings.TrimSpace(text),
		IsDevice: strings.Contains(lower, "teensyrom") || strings.Contains(lower, "busy"),
		Busy:     strings.Contains(lower, "busy"),
		Minimal:  strings.Contains(lower, "minimal"),
	}
	if !info.IsDevice {
		return info
	}

	info.Version = versionPattern.FindString(text)
	v, ok := parseTriple(info.Version)
	if !ok {
		return info
	}
	minimum := minFullVersion
	if info.Minimal {
		minimum = minMinimalVersion
	}
	info.Compatible = compareTriple(v, minimum) >= 0
	return info
}

// Handshake — ping, затем проверка версии. Возвращает ErrNotDevice,
// если ответ не похож на картридж или версия несовместима.
func (c *Client) Handshake(ctx context.Context, p transport.Port, window time.Duration) (*VersionInfo, error) {
	if err := c.Ping(ctx, p); err != nil && !errors.Is(err, ErrBusy) {
		return nil, fmt.Errorf("%w: ping: %v", ErrNotDevice, err)
	}
	info, err := c.ProbeVersion(ctx, p, window)
	if err != nil {
		return nil, err
	}
	if !info.IsDevice {
		return info, fmt.Errorf("%w: ответ %q", ErrNotDevice, info.Raw)
	}
	if !info.Compatible && !info.Busy {
		return info, fmt.Errorf("%w: версия прошивки %q не поддерживается", ErrNotDevice, info.Version)
	}
	return info, nil
}

func parseTriple(s string) ([3]int, bool) {
	var v [3]int
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return v, false
	}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return v, false
		}
		v[i] = n
	}
	return v, true
}

func compareTriple(a, b [3]int) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
