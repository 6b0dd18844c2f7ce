package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/cartlink/internal/transport"
)

// testLogger возвращает логгер для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptPort — порт, ответы которого задаёт тест.
type scriptPort struct {
	buf     *transport.Buffer
	written []byte
	onWrite func(p *scriptPort, b []byte)
}

func newScriptPort() *scriptPort { return &scriptPort{buf: transport.NewBuffer()} }

func (p *scriptPort) Name() string { return "SCRIPT" }
func (p *scriptPort) Write(b []byte) (int, error) {
	if err := p.buf.Err(); err != nil {
		return 0, err
	}
	p.written = append(p.written, b...)
	if p.onWrite != nil {
		p.onWrite(p, b)
	}
	return len(b), nil
}
func (p *scriptPort) Read(b []byte) (int, error) { return p.buf.Read(b) }
func (p *scriptPort) BytesAvailable() int        { return p.buf.Len() }
func (p *scriptPort) Discard()                   { p.buf.Reset() }
func (p *scriptPort) Close() error               { p.buf.CloseWithError(transport.ErrPortClosed); return nil }
func (p *scriptPort) WaitForBytes(ctx context.Context, n int, d time.Duration) error {
	return p.buf.Wait(ctx, n, d)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.AckTimeout = 50 * time.Millisecond
	cfg.TextWindow = 20 * time.Millisecond
	cfg.ListTimeout = 200 * time.Millisecond
	cfg.TransferAckTimeout = 100 * time.Millisecond
	return cfg
}

// countingSleep не спит, а запоминает запрошенные паузы.
type countingSleep struct {
	waits []time.Duration
	hook  func(call int)
}

func (s *countingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	if s.hook != nil {
		s.hook(len(s.waits))
	}
	return ctx.Err()
}

func TestChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{"пусто", nil, 0},
		{"один байт", []byte{0x7F}, 0x7F},
		{"сумма", []byte{1, 2, 3, 250}, 256},
		{"переполнение 16 бит", bytesOf(0xFF, 300), uint16((0xFF * 300) & 0xFFFF)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Checksum(tt.data); got != tt.want {
				t.Errorf("Checksum = %d, ожидалось %d", got, tt.want)
			}
		})
	}
}

// TestChecksum_DetectsSingleByteCorruption проверяет, что порча любого
// одного байта меняет сумму.
func TestChecksum_DetectsSingleByteCorruption(t *testing.T) {
	data := []byte("PRG payload for checksum")
	orig := Checksum(data)
	for i := range data {
		corrupted := append([]byte(nil), data...)
		corrupted[i] ^= 0x01
		if Checksum(corrupted) == orig {
			t.Errorf("порча байта %d не обнаружена", i)
		}
	}
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestByteOrder(t *testing.T) {
	p := newScriptPort()
	if err := SendIntBytes(p, 0x01020304, 4); err != nil {
		t.Fatalf("SendIntBytes: %v", err)
	}
	if got := fmt.Sprintf("% X", p.written); got != "01 02 03 04" {
		t.Errorf("host пишет старшим байтом вперёд, получено %s", got)
	}

	p.buf.Append([]byte{0x04, 0x03, 0x02, 0x01})
	v, err := ReadIntBytes(context.Background(), p, 4, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadIntBytes: %v", err)
	}
	if v != 0x01020304 {
		t.Errorf("устройство шлёт младшим байтом вперёд, получено 0x%08X", v)
	}

	if got := TokenAck.Bytes(); got[0] != 0x64 || got[1] != 0xCC {
		t.Errorf("TokenAck.Bytes = % X", got)
	}
}

func TestParseDirectoryError(t *testing.T) {
	tests := []struct {
		text string
		want DirectoryErrorCode
	}{
		{"Error 1: bad storage", StorageParamError},
		{"Error 2", SkipParamError},
		{"Error 3", TakeParamError},
		{"foo Error 4 bar", PathParamError},
		{"Error 5: directory not found /x", DirectoryNotFound},
		{"Error 6", NotADirectory},
		{"something else", UnknownError},
		{"", UnknownError},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := ParseDirectoryError(tt.text); got != tt.want {
				t.Errorf("ParseDirectoryError(%q) = %s, ожидалось %s", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseFileError(t *testing.T) {
	if got := ParseFileError("Error 3: storage unavailable"); got != FileStorageUnavailable {
		t.Errorf("ожидался storage_unavailable, получено %s", got)
	}
	if got := ParseFileError("Error 4: file not found /a.prg"); got != FileNotFound {
		t.Errorf("ожидался file_not_found, получено %s", got)
	}
	if got := ParseFileError("???"); got != FileUnknownError {
		t.Errorf("ожидался unknown_error, получено %s", got)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		text       string
		isDevice   bool
		compatible bool
		minimal    bool
	}{
		{"TeensyROM v0.6.7 ready", true, true, false},
		{"TeensyROM v0.6.6", true, true, false},
		{"TeensyROM v0.6.5", true, false, false},
		{"TeensyROM minimal v0.0.2", true, true, true},
		{"TeensyROM minimal v0.0.1", true, false, true},
		{"Arduino bootloader", false, false, false},
		{"", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			info := ParseVersion(tt.text)
			if info.IsDevice != tt.isDevice || info.Compatible != tt.compatible || info.Minimal != tt.minimal {
				t.Errorf("ParseVersion(%q) = %+v", tt.text, info)
			}
		})
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	s := &countingSleep{}
	c := NewClient(fastConfig(), testLogger()).WithSleep(s.sleep)

	calls := 0
	err := c.Retry(context.Background(), "mute_voices", func() error {
		calls++
		if calls < 3 {
			return &ProtocolError{Op: "mute_voices", Raw: []byte{0x7F, 0x9B}}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ожидался успех, получено: %v", err)
	}
	if calls != 3 {
		t.Errorf("ожидалось 3 вызова, получено %d", calls)
	}
	if len(s.waits) != 2 {
		t.Fatalf("ожидалось 2 паузы, получено %d", len(s.waits))
	}
	step := fastConfig().RetryStep
	if s.waits[0] != step || s.waits[1] != 2*step {
		t.Errorf("ожидался линейный backoff, получено %v", s.waits)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	s := &countingSleep{}
	c := NewClient(fastConfig(), testLogger()).WithSleep(s.sleep)

	calls := 0
	err := c.Retry(context.Background(), "set_music_speed", func() error {
		calls++
		return &ProtocolError{Op: "set_music_speed", Raw: []byte("garbage")}
	})
	if !errors.Is(err, ErrUnresponsive) {
		t.Fatalf("ожидался ErrUnresponsive, получено: %v", err)
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		t.Error("исходная ошибка протокола не должна пробрасываться наружу")
	}
	if calls != 3 {
		t.Errorf("ожидалось 3 попытки, получено %d", calls)
	}
	if Classify(err) != OutcomeBusy {
		t.Errorf("исчерпанные попытки должны классифицироваться как busy, получено %s", Classify(err))
	}
}

func TestRetry_DisconnectNotRetried(t *testing.T) {
	s := &countingSleep{}
	c := NewClient(fastConfig(), testLogger()).WithSleep(s.sleep)

	calls := 0
	err := c.Retry(context.Background(), "mute_voices", func() error {
		calls++
		return transport.ErrPortClosed
	})
	if !errors.Is(err, transport.ErrPortClosed) {
		t.Fatalf("ожидался ErrPortClosed, получено: %v", err)
	}
	if calls != 1 {
		t.Errorf("потеря порта не повторяется, вызовов: %d", calls)
	}
}

func TestGetAck_FailWithText(t *testing.T) {
	p := newScriptPort()
	p.buf.Append(TokenFail.LittleEndianBytes())
	p.buf.Append([]byte("device busy"))

	c := NewClient(fastConfig(), testLogger())
	err := c.GetAck(context.Background(), p, "ping")

	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("ожидался ProtocolError, получено: %v", err)
	}
	if !strings.Contains(string(pe.Raw), "busy") {
		t.Errorf("текст ошибки не сохранён: %q", pe.Raw)
	}
	if !errors.Is(err, ErrBusy) {
		t.Error("ответ с busy должен сопоставляться с ErrBusy")
	}
}

func TestGetAck_Timeout(t *testing.T) {
	p := newScriptPort()
	c := NewClient(fastConfig(), testLogger())

	err := c.GetAck(context.Background(), p, "ping")
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("ожидался таймаут, получено: %v", err)
	}
	if Classify(err) != OutcomeConnectionLost {
		t.Errorf("таймаут ack классифицируется как потеря связи, получено %s", Classify(err))
	}
}

func TestReset_BannerOnFifthPoll(t *testing.T) {
	p := newScriptPort()
	s := &countingSleep{hook: func(call int) {
		if call == 5 {
			p.buf.Append([]byte("booting...\r\nTeensyROM v0.6.7\r\n"))
		}
	}}
	c := NewClient(fastConfig(), testLogger()).WithSleep(s.sleep)

	if err := c.Reset(context.Background(), p, nil); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(s.waits) != 5 {
		t.Errorf("ожидалось 5 опросов, получено %d", len(s.waits))
	}
	if fmt.Sprintf("% X", p.written) != "64 EE" {
		t.Errorf("ожидался токен сброса, записано % X", p.written)
	}
}

func TestReset_Timeout(t *testing.T) {
	p := newScriptPort()
	s := &countingSleep{hook: func(int) { p.buf.Append([]byte(".")) }}
	c := NewClient(fastConfig(), testLogger()).WithSleep(s.sleep)

	err := c.Reset(context.Background(), p, nil)
	if !errors.Is(err, ErrResetTimeout) {
		t.Fatalf("ожидался ErrResetTimeout, получено: %v", err)
	}
	if len(s.waits) != 10 {
		t.Errorf("ожидалось 10 опросов, получено %d", len(s.waits))
	}
}

func TestReset_PortClosedReconnects(t *testing.T) {
	p := newScriptPort()
	s := &countingSleep{hook: func(call int) {
		if call == 2 {
			_ = p.Close()
		}
	}}
	c := NewClient(fastConfig(), testLogger()).WithSleep(s.sleep)

	reconnects := 0
	err := c.Reset(context.Background(), p, func(context.Context) error {
		reconnects++
		if reconnects < 2 {
			return transport.ErrPortNotFound
		}
		return nil
	})
	if err != nil {
		t.Fatalf("переподключение должно считаться успешным сбросом: %v", err)
	}
	if reconnects != 2 {
		t.Errorf("ожидалось 2 попытки переподключения, получено %d", reconnects)
	}
}

func TestReset_ReconnectExhausted(t *testing.T) {
	p := newScriptPort()
	_ = p.Close()
	c := NewClient(fastConfig(), testLogger()).WithSleep((&countingSleep{}).sleep)

	reconnects := 0
	err := c.Reset(context.Background(), p, func(context.Context) error {
		reconnects++
		return transport.ErrPortNotFound
	})
	if err == nil {
		t.Fatal("ожидалась ошибка")
	}
	if reconnects != 3 {
		t.Errorf("ожидалось 3 попытки, получено %d", reconnects)
	}
}

func TestListing_TerminatorAndOrder(t *testing.T) {
	p := newScriptPort()
	p.onWrite = func(p *scriptPort, b []byte) {
		// ack на токен; на путь с завершающим нулём — листинг
		if len(b) == 2 && Token(uint16(b[0])<<8|uint16(b[1])) == TokenListDirectory {
			p.buf.Append(TokenAck.LittleEndianBytes())
			return
		}
		if len(b) > 1 && b[0] == '/' && b[len(b)-1] == 0 {
			p.buf.Append(TokenStartDirectoryList.LittleEndianBytes())
			p.buf.Append([]byte(`[Dir]{"Name":"zeta","Path":"/games//zeta"}[/Dir]`))
			p.buf.Append([]byte(`[Dir]{"Name":"alpha","Path":"/games/alpha"}[/Dir]`))
			p.buf.Append([]byte(`[File]{"Name":"b.prg","Path":"/games/b.prg","Size":12}[/File]`))
			p.buf.Append(TokenEndDirectoryList.Bytes())
		}
	}
	c := NewClient(fastConfig(), testLogger())

	dc, err := c.ListDirectory(context.Background(), p, 1, "/games")
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if len(dc.Directories) != 2 || dc.Directories[0].Name != "zeta" || dc.Directories[1].Name != "alpha" {
		t.Errorf("порядок каталогов устройства нарушен: %+v", dc.Directories)
	}
	if dc.Directories[0].Path != "/games/zeta" {
		t.Errorf("двойной слэш не нормализован: %s", dc.Directories[0].Path)
	}
	if len(dc.Files) != 1 || dc.Files[0].Size != 12 {
		t.Errorf("неверные файлы: %+v", dc.Files)
	}
}

func TestListing_TimeoutWithoutTerminator(t *testing.T) {
	p := newScriptPort()
	p.onWrite = func(p *scriptPort, b []byte) {
		if len(b) == 2 && Token(uint16(b[0])<<8|uint16(b[1])) == TokenListDirectory {
			p.buf.Append(TokenAck.LittleEndianBytes())
			return
		}
		if len(b) > 1 && b[0] == '/' && b[len(b)-1] == 0 {
			p.buf.Append(TokenStartDirectoryList.LittleEndianBytes())
			p.buf.Append([]byte(`[Dir]{"Name":"a","Path":"/a"}[/Dir]`))
		}
	}
	c := NewClient(fastConfig(), testLogger())

	_, err := c.ListDirectory(context.Background(), p, 1, "/")
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("ожидался таймаут, получено: %v", err)
	}
}
