package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/cartlink/internal/config"
	"github.com/bigkaa/cartlink/internal/domain/connstate"
	"github.com/bigkaa/cartlink/internal/domain/model"
	"github.com/bigkaa/cartlink/internal/protocol"
	"github.com/bigkaa/cartlink/internal/simdevice"
	"github.com/bigkaa/cartlink/internal/storage/cache"
	"github.com/bigkaa/cartlink/internal/transport"
)

// testLogger создаёт логгер для тестов (вывод отключён).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClient() *protocol.Client {
	cfg := protocol.DefaultConfig()
	cfg.AckTimeout = 100 * time.Millisecond
	cfg.TextWindow = 20 * time.Millisecond
	cfg.ListTimeout = 500 * time.Millisecond
	cfg.TransferAckTimeout = 200 * time.Millisecond
	return protocol.NewClient(cfg, testLogger()).WithSleep(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	})
}

func testOptions() Options {
	return Options{
		ProbeWindow:       50 * time.Millisecond,
		ProbeTimeout:      2 * time.Second,
		HealthInterval:    time.Hour,
		PingTimeout:       500 * time.Millisecond,
		FailureThreshold:  2,
		ReconnectAttempts: 5,
		ReconnectBackoff:  20 * time.Millisecond,
	}
}

// newTestManager создаёт Manager над набором симуляторов.
func newTestManager(t *testing.T, opts Options, devs ...*simdevice.Device) *Manager {
	t.Helper()
	opener := transport.NewMultiOpener(nil)
	for _, d := range devs {
		opener.Register(d.Name(), d.Factory())
	}
	m := NewManager(opener, testClient(), opts, testLogger())
	t.Cleanup(m.Stop)
	return m
}

// waitEvent ждёт событие, удовлетворяющее match.
func waitEvent(t *testing.T, events <-chan DeviceEvent, match func(DeviceEvent) bool) DeviceEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("канал событий закрыт")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("событие не получено за 3с")
		}
	}
}

func isState(s connstate.State) func(DeviceEvent) bool {
	return func(ev DeviceEvent) bool { return ev.Kind == EventStateChanged && ev.State == s }
}

func isRemoved(ev DeviceEvent) bool { return ev.Kind == EventRemoved }

// connectOne находит и подключает единственный симулятор.
func connectOne(t *testing.T, m *Manager) model.Device {
	t.Helper()
	_, connected, err := m.FindDevices(context.Background(), true, 0)
	if err != nil {
		t.Fatalf("FindDevices: %v", err)
	}
	if len(connected) != 1 {
		t.Fatalf("подключено %d устройств, ожидалось 1", len(connected))
	}
	return connected[0]
}

// TestFindDevices_AutoConnect проверяет поиск, назначение идентификатора
// и подключение.
func TestFindDevices_AutoConnect(t *testing.T) {
	sim := simdevice.New("SIM0")
	m := newTestManager(t, testOptions(), sim)

	dev := connectOne(t, m)
	if !ValidDeviceID(dev.DeviceID) {
		t.Errorf("некорректный идентификатор %q", dev.DeviceID)
	}
	if dev.PortName != "SIM0" || dev.Version != "0.6.7" || !dev.IsCompatible {
		t.Errorf("неожиданное устройство: %+v", dev)
	}
	if dev.State != string(connstate.StateConnected) {
		t.Errorf("State: %q", dev.State)
	}
	if !dev.SD.Available || !dev.USB.Available {
		t.Error("оба носителя должны быть доступны")
	}

	tag, ok := sim.File(model.StorageSD, TagPath)
	if !ok || !strings.Contains(string(tag), dev.DeviceID) {
		t.Errorf("метка не записана на SD: %q", tag)
	}

	// Повторный поиск не трогает порт подключённого устройства.
	opens := sim.Opens()
	available, connected, err := m.FindDevices(context.Background(), true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(available) != 0 || len(connected) != 1 {
		t.Errorf("повторный поиск: найдено %d, подключено %d", len(available), len(connected))
	}
	if sim.Opens() != opens {
		t.Error("порт подключённого устройства открыт повторно")
	}
}

// TestFindDevices_ExistingTag проверяет чтение сохранённого идентификатора
// и недоступный носитель.
func TestFindDevices_ExistingTag(t *testing.T) {
	sim := simdevice.New("SIM0")
	sim.AddFile(model.StorageSD, TagPath, []byte(`{"DeviceId":"Ab12Cd34"}`))
	sim.SetUnitAvailable(model.StorageUSB, false)
	m := newTestManager(t, testOptions(), sim)

	dev := connectOne(t, m)
	if dev.DeviceID != "Ab12Cd34" {
		t.Errorf("DeviceID: %q, ожидалось Ab12Cd34", dev.DeviceID)
	}
	if dev.USB.Available {
		t.Error("USB должен быть недоступен")
	}
}

// TestFindDevices_SkipsForeignPorts проверяет, что порты без картриджа
// и с несовместимой прошивкой пропускаются.
func TestFindDevices_SkipsForeignPorts(t *testing.T) {
	modem := simdevice.New("MODEM", simdevice.WithVersion("OK"), simdevice.WithFaults(simdevice.Faults{Silent: true}))
	old := simdevice.New("OLD", simdevice.WithVersion("TeensyROM v0.5.0 ready"))
	good := simdevice.New("SIM0")
	m := newTestManager(t, testOptions(), modem, old, good)

	available, connected, err := m.FindDevices(context.Background(), true, 0)
	if err != nil {
		t.Fatalf("FindDevices: %v", err)
	}
	if len(available) != 0 {
		t.Errorf("найдено лишнее: %+v", available)
	}
	if len(connected) != 1 || connected[0].PortName != "SIM0" {
		t.Errorf("подключены: %+v", connected)
	}
}

// TestFindDevices_Allowlist проверяет ограничение списка портов.
func TestFindDevices_Allowlist(t *testing.T) {
	a := simdevice.New("SIM0")
	b := simdevice.New("SIM1")
	opts := testOptions()
	opts.PortAllowlist = []string{"SIM1"}
	m := newTestManager(t, opts, a, b)

	dev := connectOne(t, m)
	if dev.PortName != "SIM1" {
		t.Errorf("подключён %s, ожидался SIM1", dev.PortName)
	}
	if a.Opens() != 0 {
		t.Error("порт вне списка не должен открываться")
	}
}

// TestFindDevices_CallerTimeout проверяет, что предел вызывающего
// ограничивает опрос каждого порта.
func TestFindDevices_CallerTimeout(t *testing.T) {
	sim := simdevice.New("SIM0")
	m := newTestManager(t, testOptions(), sim)

	// Предел короче окна ответа на запрос версии: рукопожатие не успевает.
	available, connected, err := m.FindDevices(context.Background(), true, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(available) != 0 || len(connected) != 0 {
		t.Errorf("при коротком пределе найдено %d, подключено %d", len(available), len(connected))
	}
	if sim.Opens() != 1 {
		t.Errorf("порт открыт %d раз, ожидался 1", sim.Opens())
	}

	// Нулевой предел — Options.ProbeTimeout.
	dev := connectOne(t, m)
	if dev.PortName != "SIM0" {
		t.Errorf("подключён %s", dev.PortName)
	}
}

// TestConnectAndClosePort проверяет явное подключение и закрытие порта.
func TestConnectAndClosePort(t *testing.T) {
	sim := simdevice.New("SIM0")
	m := newTestManager(t, testOptions(), sim)
	events, unsubscribe := m.Events().Subscribe(32)
	defer unsubscribe()

	available, connected, err := m.FindDevices(context.Background(), false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(available) != 1 || len(connected) != 0 {
		t.Fatalf("найдено %d, подключено %d", len(available), len(connected))
	}
	id := available[0].DeviceID

	if _, ok := m.Connect(context.Background(), "Zz99Yy88"); ok {
		t.Error("подключение неизвестного устройства должно вернуть false")
	}

	dev, ok := m.Connect(context.Background(), id)
	if !ok || dev.DeviceID != id {
		t.Fatalf("Connect(%s) не удался", id)
	}
	waitEvent(t, events, isState(connstate.StateConnected))

	if err := m.ClosePort(id); err != nil {
		t.Fatalf("ClosePort: %v", err)
	}
	ev := waitEvent(t, events, isRemoved)
	if ev.DeviceID != id {
		t.Errorf("Removed для %s, ожидалось %s", ev.DeviceID, id)
	}
	if len(m.ConnectedDevices()) != 0 {
		t.Error("устройство осталось подключённым")
	}
	if _, err := m.Session(id); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ожидалась ErrNotConnected, получено %v", err)
	}
	if err := m.ClosePort(id); !errors.Is(err, ErrNotConnected) {
		t.Errorf("повторный ClosePort: %v", err)
	}

	// Закрытое устройство можно подключить снова.
	if _, ok := m.Connect(context.Background(), id); !ok {
		t.Error("повторное подключение не удалось")
	}
}

// TestHealth_FailuresLeadToRemoval проверяет порог неудачных проверок,
// безуспешное переподключение и удаление устройства.
func TestHealth_FailuresLeadToRemoval(t *testing.T) {
	sim := simdevice.New("SIM0")
	opts := testOptions()
	opts.ReconnectAttempts = 2
	opts.ReconnectBackoff = time.Millisecond
	m := newTestManager(t, opts, sim)
	dev := connectOne(t, m)

	events, unsubscribe := m.Events().Subscribe(32)
	defer unsubscribe()

	sim.SetFaults(simdevice.Faults{Silent: true})
	m.RunOnce(context.Background())
	if got := m.ConnectedDevices()[0].State; got != string(connstate.StateConnected) {
		t.Fatalf("после одной неудачи состояние %q, ожидалось connected", got)
	}

	m.RunOnce(context.Background())
	lost := waitEvent(t, events, isState(connstate.StateConnectionLost))
	if lost.DeviceID != dev.DeviceID {
		t.Errorf("событие для %s", lost.DeviceID)
	}

	removed := waitEvent(t, events, isRemoved)
	if removed.DeviceID != dev.DeviceID {
		t.Errorf("Removed для %s", removed.DeviceID)
	}
	if len(m.ConnectedDevices()) != 0 {
		t.Error("устройство должно быть удалено из реестра")
	}
}

// TestHealth_ReconnectAfterUnplug проверяет возврат устройства после
// кратковременного извлечения.
func TestHealth_ReconnectAfterUnplug(t *testing.T) {
	sim := simdevice.New("SIM0")
	m := newTestManager(t, testOptions(), sim)
	dev := connectOne(t, m)

	events, unsubscribe := m.Events().Subscribe(32)
	defer unsubscribe()

	sim.Unplug()
	m.RunOnce(context.Background())
	waitEvent(t, events, isState(connstate.StateConnectionLost))

	sim.Plug()
	back := waitEvent(t, events, isState(connstate.StateConnected))
	if back.DeviceID != dev.DeviceID || back.From != connstate.StateConnectionLost {
		t.Errorf("неожиданное событие: %+v", back)
	}

	s, err := m.Session(dev.DeviceID)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping после переподключения: %v", err)
	}
}

// TestHealth_SkipsBusyDevice проверяет, что занятое устройство
// не пингуется.
func TestHealth_SkipsBusyDevice(t *testing.T) {
	sim := simdevice.New("SIM0")
	m := newTestManager(t, testOptions(), sim)
	dev := connectOne(t, m)

	m.mu.RLock()
	e := m.connected[dev.DeviceID]
	m.mu.RUnlock()

	g, err := e.machine.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	before := len(sim.Received())
	m.RunOnce(context.Background())
	if len(sim.Received()) != before {
		t.Error("проверка здоровья не должна ждать занятое устройство")
	}
	g.Release()

	m.RunOnce(context.Background())
	got := sim.Received()
	if len(got) != before+1 || got[len(got)-1] != protocol.TokenPing {
		t.Errorf("ожидался один ping, получено %v", got[before:])
	}
}

// TestStartStop проверяет запуск и остановку фоновой проверки.
func TestStartStop(t *testing.T) {
	m := newTestManager(t, testOptions())
	if m.Running() {
		t.Error("до Start проверка не должна работать")
	}
	m.Start(context.Background())
	if !m.Running() {
		t.Error("после Start проверка должна работать")
	}
	m.Stop()
	if m.Running() {
		t.Error("после Stop проверка не должна работать")
	}
}

// TestSession_ResetReconnects проверяет сброс, закрывающий порт.
func TestSession_ResetReconnects(t *testing.T) {
	sim := simdevice.New("SIM0", simdevice.WithFaults(simdevice.Faults{CloseOnReset: true}))
	m := newTestManager(t, testOptions(), sim)
	dev := connectOne(t, m)

	events, unsubscribe := m.Events().Subscribe(32)
	defer unsubscribe()

	s, err := m.Session(dev.DeviceID)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	waitEvent(t, events, isState(connstate.StateConnectionLost))
	waitEvent(t, events, isState(connstate.StateConnected))

	if s.State() != connstate.StateConnected {
		t.Errorf("состояние после сброса %q", s.State())
	}
	if sim.Opens() != 2 {
		t.Errorf("порт открыт %d раз, ожидалось 2", sim.Opens())
	}
}

// TestSession_SendFileOverwrite проверяет перезапись существующего файла.
func TestSession_SendFileOverwrite(t *testing.T) {
	sim := simdevice.New("SIM0")
	sim.AddFile(model.StorageSD, "/games/zork.prg", []byte("old"))
	m := newTestManager(t, testOptions(), sim)
	dev := connectOne(t, m)

	s, err := m.Session(dev.DeviceID)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	err = s.SendFile(ctx, model.StorageSD, "/games/zork.prg", []byte("new"), false)
	if !errors.Is(err, protocol.ErrFileExists) {
		t.Fatalf("без overwrite ожидалась ErrFileExists, получено %v", err)
	}
	if s.State() != connstate.StateConnected {
		t.Error("ошибка команды не должна рвать соединение")
	}

	if err := s.SendFile(ctx, model.StorageSD, "/games/zork.prg", []byte("new"), true); err != nil {
		t.Fatalf("SendFile с overwrite: %v", err)
	}
	res, err := s.GetFile(ctx, model.StorageSD, "/games/zork.prg")
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Data) != "new" || !res.OK() {
		t.Errorf("получено %q", res.Data)
	}
}

// TestSession_TimeoutMarksConnectionLost проверяет, что таймаут ответа
// на команду переводит устройство в connection_lost и запускает
// фоновое переподключение.
func TestSession_TimeoutMarksConnectionLost(t *testing.T) {
	sim := simdevice.New("SIM0")
	m := newTestManager(t, testOptions(), sim)
	dev := connectOne(t, m)

	events, unsubscribe := m.Events().Subscribe(32)
	defer unsubscribe()

	s, err := m.Session(dev.DeviceID)
	if err != nil {
		t.Fatal(err)
	}

	sim.SetFaults(simdevice.Faults{Silent: true})
	err = s.Ping(context.Background())
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("ожидался таймаут, получено %v", err)
	}
	if got := protocol.Classify(err); got != protocol.OutcomeConnectionLost {
		t.Errorf("Classify = %v", got)
	}
	if s.State() != connstate.StateConnectionLost {
		t.Errorf("состояние после таймаута %q, ожидалось connection_lost", s.State())
	}
	lost := waitEvent(t, events, isState(connstate.StateConnectionLost))
	if lost.DeviceID != dev.DeviceID {
		t.Errorf("событие для %s", lost.DeviceID)
	}

	sim.SetFaults(simdevice.Faults{})
	waitEvent(t, events, isState(connstate.StateConnected))
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping после переподключения: %v", err)
	}
}

// TestSession_CancelMidTransfer проверяет отмену посреди передачи файла:
// устройство считается потерянным и возвращается фоновым переподключением.
func TestSession_CancelMidTransfer(t *testing.T) {
	sim := simdevice.New("SIM0")
	m := newTestManager(t, testOptions(), sim)
	dev := connectOne(t, m)

	events, unsubscribe := m.Events().Subscribe(32)
	defer unsubscribe()

	s, err := m.Session(dev.DeviceID)
	if err != nil {
		t.Fatal(err)
	}

	// Без ответов хост застревает в ожидании ack; отмена приходит
	// раньше, чем истекает AckTimeout.
	sim.SetFaults(simdevice.Faults{Silent: true})
	ctx, cancel := context.WithCancel(context.Background())
	stop := time.AfterFunc(30*time.Millisecond, cancel)
	defer stop.Stop()

	err = s.SendFile(ctx, model.StorageSD, "/games/Elite.prg", []byte("elite"), false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидалась отмена, получено %v", err)
	}
	if s.State() != connstate.StateConnectionLost {
		t.Errorf("состояние после отмены %q, ожидалось connection_lost", s.State())
	}
	waitEvent(t, events, isState(connstate.StateConnectionLost))

	sim.SetFaults(simdevice.Faults{})
	back := waitEvent(t, events, isState(connstate.StateConnected))
	if back.From != connstate.StateConnectionLost {
		t.Errorf("переход в connected из %q", back.From)
	}

	if err := s.SendFile(context.Background(), model.StorageSD, "/games/Elite.prg", []byte("elite"), false); err != nil {
		t.Fatalf("SendFile после переподключения: %v", err)
	}
	if data, ok := sim.File(model.StorageSD, "/games/Elite.prg"); !ok || string(data) != "elite" {
		t.Errorf("файл на устройстве: %q, %v", data, ok)
	}
}

// TestEndToEnd_CacheAll — подключение к симулятору с SD={/, games/},
// полная индексация и чтение /games в исходном порядке.
func TestEndToEnd_CacheAll(t *testing.T) {
	sim := simdevice.New("SIM0")
	sim.AddDir(model.StorageSD, "/games")
	sim.AddFile(model.StorageSD, "/games/Zork.prg", []byte("zork"))
	sim.AddFile(model.StorageSD, "/games/Elite.prg", []byte("elite!"))
	sim.AddFile(model.StorageSD, "/games/Archon.crt", []byte("a"))

	m := newTestManager(t, testOptions(), sim)
	dev := connectOne(t, m)

	s, err := m.Session(dev.DeviceID)
	if err != nil {
		t.Fatal(err)
	}
	c := cache.New(s, cache.Options{
		DeviceID: dev.DeviceID,
		Unit:     model.StorageSD,
		Settings: config.DefaultStorageSettings(),
	}, testLogger())

	ctx := context.Background()
	if !c.CacheAll(ctx) {
		t.Fatal("CacheAll вернул false")
	}

	node, err := c.GetDirectory(ctx, "/games")
	if err != nil {
		t.Fatalf("GetDirectory: %v", err)
	}
	want := []model.FileEntry{
		{Name: "Zork.prg", Path: "/games/Zork.prg", Size: 4},
		{Name: "Elite.prg", Path: "/games/Elite.prg", Size: 6},
		{Name: "Archon.crt", Path: "/games/Archon.crt", Size: 1},
	}
	if len(node.Files) != len(want) {
		t.Fatalf("файлов %d, ожидалось %d: %+v", len(node.Files), len(want), node.Files)
	}
	for i := range want {
		if node.Files[i] != want[i] {
			t.Errorf("[%d]: %+v, ожидалось %+v", i, node.Files[i], want[i])
		}
	}
	if sim.ListCalls("/games") != 1 {
		t.Errorf("листингов /games: %d, ожидался 1", sim.ListCalls("/games"))
	}
}
