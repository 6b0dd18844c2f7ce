// Пакет device — поиск, подключение и сопровождение картриджей.
//
// Manager держит реестр подключённых устройств: у каждого свой автомат
// соединения, свой поток событий и общий клиент протокола. Проверка
// здоровья периодически пингует устройства, а после потери связи
// фоновое переподключение либо возвращает устройство, либо удаляет его
// из реестра.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/cartlink/internal/domain/connstate"
	"github.com/bigkaa/cartlink/internal/domain/model"
	"github.com/bigkaa/cartlink/internal/protocol"
	"github.com/bigkaa/cartlink/internal/transport"
)

var (
	// ErrNotConnected — устройство не подключено.
	ErrNotConnected = errors.New("устройство не подключено")
	// ErrNotFound — устройство не обнаружено при поиске.
	ErrNotFound = errors.New("устройство не найдено")
)

var (
	connectedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cl_devices_connected",
		Help: "Количество устройств в реестре подключённых",
	})

	healthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cl_device_health_failures_total",
		Help: "Неудачные проверки здоровья устройств",
	})

	reconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cl_device_reconnects_total",
		Help: "Попытки фонового переподключения по результату",
	}, []string{"result"})
)

// Options — параметры Manager.
type Options struct {
	// ProbeWindow — окно ответа на запрос версии
	ProbeWindow time.Duration
	// ProbeTimeout — предел на опрос одного порта целиком
	ProbeTimeout time.Duration
	// HealthInterval — период проверки здоровья
	HealthInterval time.Duration
	// PingTimeout — предел на один пинг проверки здоровья
	PingTimeout time.Duration
	// FailureThreshold — неудачных проверок подряд до connection_lost
	FailureThreshold int
	// ReconnectAttempts и ReconnectBackoff — фоновое переподключение,
	// пауза перед попыткой n равна n*ReconnectBackoff
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	// PortAllowlist — опрашивать только эти порты (пусто — все)
	PortAllowlist []string
}

// DefaultOptions возвращает параметры по умолчанию.
func DefaultOptions() Options {
	return Options{
		ProbeWindow:       200 * time.Millisecond,
		ProbeTimeout:      5 * time.Second,
		HealthInterval:    5 * time.Second,
		PingTimeout:       time.Second,
		FailureThreshold:  3,
		ReconnectAttempts: 3,
		ReconnectBackoff:  time.Second,
	}
}

// entry — подключённое устройство.
type entry struct {
	device   model.Device
	machine  *connstate.Machine
	failures int

	// stopEvents завершает пересылку событий автомата; eventsDone
	// закрывается, когда пересылка завершена.
	stopEvents func()
	eventsDone chan struct{}
	removing   bool
}

// Manager — реестр устройств и проверка их здоровья.
type Manager struct {
	opener transport.Opener
	client *protocol.Client
	tagger *Tagger
	broker *Broker
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	connected map[string]*entry
	available map[string]model.Device

	// Управление фоновыми задачами
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	bgCtx   context.Context
	wg      sync.WaitGroup
}

// NewManager создаёт Manager.
func NewManager(opener transport.Opener, client *protocol.Client, opts Options, logger *slog.Logger) *Manager {
	logger = logger.With(slog.String("component", "device_manager"))
	return &Manager{
		opener:    opener,
		client:    client,
		tagger:    NewTagger(client, logger),
		broker:    NewBroker(),
		opts:      opts,
		logger:    logger,
		connected: make(map[string]*entry),
		available: make(map[string]model.Device),
		bgCtx:     context.Background(),
	}
}

// Events возвращает брокер событий device_state_changes.
func (m *Manager) Events() *Broker { return m.broker }

// handshake возвращает HandshakeFunc, сохраняющую результат опроса версии.
func (m *Manager) handshake(info **protocol.VersionInfo) connstate.HandshakeFunc {
	return func(ctx context.Context, p transport.Port) error {
		v, err := m.client.Handshake(ctx, p, m.opts.ProbeWindow)
		if info != nil {
			*info = v
		}
		return err
	}
}

// open проводит автомат по пути start → connectable → connected.
// При неудаче порт закрыт, автомат отброшен.
func (m *Manager) open(ctx context.Context, portName string) (*connstate.Machine, *protocol.VersionInfo, error) {
	machine := connstate.New(m.logger)
	if err := machine.SelectPort(portName); err != nil {
		return nil, nil, err
	}
	if err := machine.OpenPort(m.opener); err != nil {
		return nil, nil, err
	}

	var info *protocol.VersionInfo
	if err := machine.Connect(ctx, m.handshake(&info)); err != nil {
		machine.Abandon()
		return nil, info, err
	}
	return machine, info, nil
}

// identify читает или назначает идентификатор устройства под guard.
func (m *Manager) identify(ctx context.Context, machine *connstate.Machine, info *protocol.VersionInfo) (model.Device, error) {
	g, err := machine.Acquire(ctx)
	if err != nil {
		return model.Device{}, err
	}
	id, err := m.tagger.Identify(ctx, g.Port())
	if err != nil {
		g.Fail(err)
		return model.Device{}, err
	}
	g.Release()

	dev := model.Device{
		DeviceID: id.DeviceID,
		PortName: machine.PortName(),
		Name:     "TeensyROM " + id.DeviceID,
		SD:       id.SD,
		USB:      id.USB,
	}
	if info != nil {
		dev.Version = info.Version
		dev.IsCompatible = info.Compatible
		dev.MinimalMode = info.Minimal
	}
	return dev, nil
}

// Connect подключает ранее найденное устройство. Любая неудача
// возвращает nil, false; причина пишется в лог.
func (m *Manager) Connect(ctx context.Context, deviceID string) (*model.Device, bool) {
	m.mu.RLock()
	if e, ok := m.connected[deviceID]; ok {
		dev := m.snapshot(e)
		m.mu.RUnlock()
		return &dev, true
	}
	found, ok := m.available[deviceID]
	m.mu.RUnlock()
	if !ok {
		m.logger.Warn("Подключение: устройство не найдено", slog.String("device_id", deviceID))
		return nil, false
	}

	machine, info, err := m.open(ctx, found.PortName)
	if err != nil {
		m.logger.Warn("Подключение не удалось",
			slog.String("device_id", deviceID),
			slog.String("port", found.PortName),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	dev, err := m.identify(ctx, machine, info)
	if err != nil || dev.DeviceID != deviceID {
		machine.Abandon()
		m.logger.Warn("Подключение: на порту другое устройство",
			slog.String("device_id", deviceID),
			slog.String("port", found.PortName),
			slog.String("found", dev.DeviceID),
		)
		return nil, false
	}

	registered, err := m.register(dev, machine)
	if err != nil {
		machine.Abandon()
		m.logger.Warn("Подключение не удалось",
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return &registered, true
}

// register добавляет устройство в реестр и запускает пересылку событий.
func (m *Manager) register(dev model.Device, machine *connstate.Machine) (model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.connected[dev.DeviceID]; exists {
		return model.Device{}, fmt.Errorf("устройство %s уже подключено", dev.DeviceID)
	}

	events, stop := machine.Subscribe()
	e := &entry{
		device:     dev,
		machine:    machine,
		stopEvents: stop,
		eventsDone: make(chan struct{}),
	}
	m.connected[dev.DeviceID] = e
	delete(m.available, dev.DeviceID)
	connectedDevices.Set(float64(len(m.connected)))

	go m.forward(dev.DeviceID, dev.PortName, events, e.eventsDone)

	m.logger.Info("Устройство подключено",
		slog.String("device_id", dev.DeviceID),
		slog.String("port", dev.PortName),
		slog.String("version", dev.Version),
	)
	m.broker.Publish(DeviceEvent{
		DeviceID: dev.DeviceID,
		PortName: dev.PortName,
		Kind:     EventStateChanged,
		State:    connstate.StateConnected,
		Reason:   "устройство подключено",
	})
	return m.snapshot(e), nil
}

// forward переиздаёт события автомата в брокер в порядке переходов.
// Переход в connection_lost запускает фоновое переподключение.
func (m *Manager) forward(deviceID, portName string, events <-chan connstate.StateChange, done chan struct{}) {
	defer close(done)
	for ev := range events {
		// busy ↔ connected на каждой команде — шум для подписчиков
		if ev.To == connstate.StateBusy || ev.From == connstate.StateBusy && ev.To == connstate.StateConnected {
			continue
		}
		m.broker.Publish(DeviceEvent{
			DeviceID: deviceID,
			PortName: portName,
			Kind:     EventStateChanged,
			From:     ev.From,
			State:    ev.To,
			Reason:   ev.Reason,
			Time:     ev.Timestamp,
		})
		if ev.To == connstate.StateConnectionLost {
			m.scheduleReconnect(deviceID)
		}
	}
}

// ClosePort закрывает порт устройства и удаляет его из реестра
// подключённых. Устройство остаётся в списке найденных.
func (m *Manager) ClosePort(deviceID string) error {
	m.mu.Lock()
	e, ok := m.connected[deviceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}
	delete(m.connected, deviceID)
	m.available[deviceID] = e.device
	connectedDevices.Set(float64(len(m.connected)))
	e.removing = true
	m.mu.Unlock()

	if err := e.machine.ClosePort(); err != nil {
		// connection_lost: закрытие порта как операция недоступно
		e.machine.Abandon()
	}
	e.stopEvents()
	<-e.eventsDone

	m.logger.Info("Порт устройства закрыт", slog.String("device_id", deviceID))
	m.broker.Publish(DeviceEvent{
		DeviceID: deviceID,
		PortName: e.device.PortName,
		Kind:     EventRemoved,
		State:    connstate.StateConnectable,
		Reason:   "порт закрыт пользователем",
	})
	return nil
}

// ConnectedDevices возвращает снимки подключённых устройств,
// отсортированные по идентификатору.
func (m *Manager) ConnectedDevices() []model.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]model.Device, 0, len(m.connected))
	for _, e := range m.connected {
		result = append(result, m.snapshot(e))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DeviceID < result[j].DeviceID })
	return result
}

// Session возвращает доступ к командам подключённого устройства.
func (m *Manager) Session(deviceID string) (*Session, error) {
	m.mu.RLock()
	e, ok := m.connected[deviceID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}

	machine := e.machine
	return &Session{
		device:  m.snapshotLocked(e),
		machine: machine,
		client:  m.client,
		reconnect: func(ctx context.Context) error {
			return machine.Reconnect(ctx, m.opener, m.handshake(nil))
		},
		logger: m.logger.With(
			slog.String("device_id", deviceID),
			slog.String("port", e.device.PortName),
		),
	}, nil
}

// snapshot возвращает копию устройства с текущим состоянием.
// Вызывать под m.mu (чтение).
func (m *Manager) snapshot(e *entry) model.Device {
	dev := e.device
	dev.State = string(e.machine.Current())
	return dev
}

// snapshotLocked берёт m.mu на чтение и возвращает снимок.
func (m *Manager) snapshotLocked(e *entry) model.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot(e)
}

// SetUnitAvailable обновляет доступность носителя подключённого устройства.
func (m *Manager) SetUnitAvailable(deviceID string, unit model.StorageType, available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.connected[deviceID]; ok {
		e.device.SetAvailable(unit, available)
	}
}
