// Пакет simdevice — картридж в памяти, говорящий на протоколе устройства.
//
// Device реализует transport.Port: байты, записанные хостом, разбираются
// синхронно, ответы попадают во входной буфер хоста. Файловая система —
// два носителя (SD, USB) с сохранением порядка добавления.
// Используется в тестах и в режиме CL_SIMULATOR.
package simdevice

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/cartlink/internal/domain/model"
	"github.com/bigkaa/cartlink/internal/protocol"
	"github.com/bigkaa/cartlink/internal/transport"
)

// Faults — управляемые сбои симулятора.
type Faults struct {
	// FailAcks — столько следующих ack заменить на Fail
	FailAcks int
	// BusyAcks — столько следующих ack заменить на Fail + "busy"
	BusyAcks int
	// Silent — устройство не отвечает вовсе
	Silent bool
	// CorruptNextFile — испортить один байт следующего отдаваемого файла
	CorruptNextFile bool
	// CloseOnReset — сброс закрывает порт
	CloseOnReset bool
	// NoBanner — после сброса баннер не печатается
	NoBanner bool
}

// volume — содержимое одного носителя.
type volume struct {
	available bool
	subdirs   map[string][]string // каталог → подкаталоги в порядке добавления
	files     map[string][]string // каталог → файлы в порядке добавления
	data      map[string][]byte   // путь файла → содержимое
}

func newVolume() *volume {
	v := &volume{
		available: true,
		subdirs:   map[string][]string{"/": {}},
		files:     map[string][]string{"/": {}},
		data:      map[string][]byte{},
	}
	return v
}

func (v *volume) ensureDir(dir string) {
	dir = model.CleanPath(dir)
	if _, ok := v.subdirs[dir]; ok {
		return
	}
	parent := model.ParentPath(dir)
	v.ensureDir(parent)
	v.subdirs[parent] = append(v.subdirs[parent], dir)
	v.subdirs[dir] = []string{}
	v.files[dir] = []string{}
}

func (v *volume) putFile(path string, data []byte) {
	path = model.CleanPath(path)
	dir := model.ParentPath(path)
	v.ensureDir(dir)
	if _, ok := v.data[path]; !ok {
		v.files[dir] = append(v.files[dir], path)
	}
	v.data[path] = append([]byte(nil), data...)
}

func (v *volume) removeFile(path string) bool {
	path = model.CleanPath(path)
	if _, ok := v.data[path]; !ok {
		return false
	}
	delete(v.data, path)
	dir := model.ParentPath(path)
	list := v.files[dir]
	for i, p := range list {
		if p == path {
			v.files[dir] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return true
}

// Device — симулятор картриджа.
type Device struct {
	mu sync.Mutex

	name    string
	banner  string
	out     *transport.Buffer
	in      []byte
	phase   phase
	cmd     protocol.Token
	params  int
	pending *sendState

	closed    bool
	unplugged bool
	opens     int

	faults    Faults
	volumes   map[model.StorageType]*volume
	listCalls map[string]int
	received  []protocol.Token
}

// Option настраивает симулятор.
type Option func(*Device)

// WithVersion задаёт строку, которую устройство печатает на запрос версии.
func WithVersion(banner string) Option {
	return func(d *Device) { d.banner = banner }
}

// WithFaults задаёт начальные сбои.
func WithFaults(f Faults) Option {
	return func(d *Device) { d.faults = f }
}

// New создаёт симулятор с пустыми носителями.
func New(name string, opts ...Option) *Device {
	d := &Device{
		name:      name,
		banner:    "TeensyROM v0.6.7 ready",
		out:       transport.NewBuffer(),
		volumes:   map[model.StorageType]*volume{model.StorageSD: newVolume(), model.StorageUSB: newVolume()},
		listCalls: map[string]int{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// --- Управление содержимым и сбоями ---

// AddDir создаёт каталог (и родителей).
func (d *Device) AddDir(unit model.StorageType, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volumes[unit].ensureDir(path)
}

// AddFile кладёт файл на носитель в обход протокола.
func (d *Device) AddFile(unit model.StorageType, path string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volumes[unit].putFile(path, data)
}

// RemoveFile удаляет файл в обход протокола.
func (d *Device) RemoveFile(unit model.StorageType, path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volumes[unit].removeFile(path)
}

// File возвращает содержимое файла.
func (d *Device) File(unit model.StorageType, path string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.volumes[unit].data[model.CleanPath(path)]
	return append([]byte(nil), data...), ok
}

// SetUnitAvailable включает или выключает носитель.
func (d *Device) SetUnitAvailable(unit model.StorageType, available bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volumes[unit].available = available
}

// SetFaults заменяет набор сбоев.
func (d *Device) SetFaults(f Faults) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = f
}

// ListCalls возвращает число запросов листинга каталога path.
func (d *Device) ListCalls(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listCalls[model.CleanPath(path)]
}

// Received возвращает принятые токены команд в порядке поступления.
func (d *Device) Received() []protocol.Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Token(nil), d.received...)
}

// Opens возвращает, сколько раз порт открывался.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Unplug имитирует извлечение устройства: порт закрывается, открыть его
// снова нельзя до Plug.
func (d *Device) Unplug() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unplugged = true
	d.closed = true
	d.out.CloseWithError(transport.ErrPortClosed)
}

// Plug возвращает устройство.
func (d *Device) Plug() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unplugged = false
}

// Factory возвращает фабрику для transport.MultiOpener.
func (d *Device) Factory() transport.VirtualFactory {
	return func() (transport.Port, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.unplugged {
			return nil, fmt.Errorf("%w: %s", transport.ErrPortNotFound, d.name)
		}
		d.closed = false
		d.out = transport.NewBuffer()
		d.in = nil
		d.phase = phaseIdle
		d.opens++
		return d, nil
	}
}

// Opener возвращает Opener с единственным портом — этим устройством.
func (d *Device) Opener() transport.Opener {
	m := transport.NewMultiOpener(nil)
	m.Register(d.name, d.Factory())
	return m
}

// --- transport.Port ---

// Name возвращает имя порта.
func (d *Device) Name() string { return d.name }

// Write принимает байты от хоста и обрабатывает готовые команды.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, transport.ErrPortClosed
	}
	d.in = append(d.in, p...)
	d.process()
	return len(p), nil
}

// Read отдаёт ответы устройства.
func (d *Device) Read(p []byte) (int, error) { return d.buffer().Read(p) }

// BytesAvailable возвращает размер неотданного ответа.
func (d *Device) BytesAvailable() int { return d.buffer().Len() }

// WaitForBytes ждёт n байт ответа.
func (d *Device) WaitForBytes(ctx context.Context, n int, timeout time.Duration) error {
	return d.buffer().Wait(ctx, n, timeout)
}

// Discard отбрасывает неотданный ответ.
func (d *Device) Discard() { d.buffer().Reset() }

// Close закрывает порт.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.out.CloseWithError(transport.ErrPortClosed)
	return nil
}

func (d *Device) buffer() *transport.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.out
}

// --- Ответы ---

func (d *Device) emit(b []byte) {
	if d.faults.Silent {
		return
	}
	d.out.Append(b)
}

func (d *Device) ack() {
	switch {
	case d.faults.FailAcks > 0:
		d.faults.FailAcks--
		d.emit(protocol.TokenFail.LittleEndianBytes())
	case d.faults.BusyAcks > 0:
		d.faults.BusyAcks--
		d.emit(protocol.TokenFail.LittleEndianBytes())
		d.emit([]byte("device busy"))
	default:
		d.emit(protocol.TokenAck.LittleEndianBytes())
	}
}

func (d *Device) fail(text string) {
	d.emit(protocol.TokenFail.LittleEndianBytes())
	d.emit([]byte(text))
}

func uint32LE(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// listing формирует тело листинга каталога: сначала каталоги, затем файлы.
func (v *volume) listing(dir string) []byte {
	var sb strings.Builder
	for _, sub := range v.subdirs[dir] {
		b, _ := json.Marshal(map[string]any{"Name": model.BaseName(sub), "Path": sub})
		sb.WriteString("[Dir]")
		sb.Write(b)
		sb.WriteString("[/Dir]")
	}
	for _, f := range v.files[dir] {
		b, _ := json.Marshal(map[string]any{"Name": model.BaseName(f), "Path": f, "Size": len(v.data[f])})
		sb.WriteString("[File]")
		sb.Write(b)
		sb.WriteString("[/File]")
	}
	return []byte(sb.String())
}

// Paths возвращает все пути файлов носителя, отсортированные.
func (d *Device) Paths(unit model.StorageType) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var paths []string
	for p := range d.volumes[unit].data {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
