// Пакет connstate — конечный автомат соединения с картриджем.
//
// Жизненный цикл:
//   - start → connectable → connected ⇄ busy
//   - connected | busy → connection_lost → connected (переподключение)
//   - connected | busy → connectable (явное закрытие порта)
//
// Каждое состояние открывает только свой набор операций. Транспорт
// доступен исключительно через Guard, полученный Acquire: пока guard
// удерживается, автомат находится в busy и вторая команда на тот же
// порт попасть не может.
//
// Потокобезопасен через sync.Mutex.
package connstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/cartlink/internal/transport"
)

// State — состояние соединения.
type State string

const (
	// StateStart — порт не выбран
	StateStart State = "start"
	// StateConnectable — порт открыт, рукопожатие не выполнено
	StateConnectable State = "connectable"
	// StateConnected — устройство отвечает, команд в работе нет
	StateConnected State = "connected"
	// StateBusy — выполняется команда, порт занят
	StateBusy State = "busy"
	// StateConnectionLost — связь потеряна, доступно только переподключение
	StateConnectionLost State = "connection_lost"
)

// Operation — операция, которую может открыть состояние.
type Operation string

const (
	OpSelectPort     Operation = "select_port"
	OpPollPort       Operation = "poll_port"
	OpHandshake      Operation = "handshake"
	OpRead           Operation = "read"
	OpWrite          Operation = "write"
	OpReadAck        Operation = "read_ack"
	OpChecksum       Operation = "checksum"
	OpBytesAvailable Operation = "bytes_available"
	OpLock           Operation = "lock"
	OpClosePort      Operation = "close_port"
	OpReconnect      Operation = "reconnect"
)

// Коды TransitionError.
const (
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeOperationNotAllowed = "OPERATION_NOT_ALLOWED"
)

// eventBuffer — ёмкость канала подписчика на смену состояний.
const eventBuffer = 32

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cl_connection_transitions_total",
			Help: "Количество переходов автомата соединения",
		},
		[]string{"from", "to"},
	)

	eventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cl_connection_events_dropped_total",
		Help: "События смены состояния, не доставленные медленным подписчикам",
	})
)

// validTransitions — матрица допустимых переходов.
var validTransitions = map[State]map[State]bool{
	StateStart:          {StateConnectable: true},
	StateConnectable:    {StateConnected: true},
	StateConnected:      {StateBusy: true, StateConnectionLost: true, StateConnectable: true},
	StateBusy:           {StateConnected: true, StateConnectionLost: true, StateConnectable: true},
	StateConnectionLost: {StateConnected: true},
}

// allowedOperations — операции, открытые каждым состоянием.
var allowedOperations = map[State]map[Operation]bool{
	StateStart:       {OpSelectPort: true, OpPollPort: true},
	StateConnectable: {OpSelectPort: true, OpPollPort: true, OpHandshake: true},
	StateConnected: {
		OpRead: true, OpWrite: true, OpReadAck: true, OpChecksum: true,
		OpBytesAvailable: true, OpLock: true, OpClosePort: true,
	},
	StateBusy: {
		OpRead: true, OpWrite: true, OpReadAck: true, OpChecksum: true,
		OpBytesAvailable: true, OpLock: true, OpClosePort: true,
	},
	StateConnectionLost: {OpReconnect: true},
}

// TransitionRecord — запись о переходе.
type TransitionRecord struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StateChange — событие смены состояния для подписчиков.
type StateChange = TransitionRecord

// HandshakeFunc проверяет, что на порту отвечает совместимое устройство.
type HandshakeFunc func(ctx context.Context, port transport.Port) error

// Machine — автомат соединения одного устройства.
type Machine struct {
	mu       sync.Mutex
	current  State
	portName string
	port     transport.Port
	history  []TransitionRecord

	// lock — семафор на одну команду; занят, пока жив Guard.
	lock chan struct{}
	// holder — текущий guard, чтобы устаревший Release не трогал чужое состояние.
	holder *Guard
	// reconnecting — переподключение уже идёт
	reconnecting bool

	subs    map[uint64]chan StateChange
	nextSub uint64

	logger *slog.Logger
}

// New создаёт автомат в состоянии start.
func New(logger *slog.Logger) *Machine {
	return &Machine{
		current: StateStart,
		history: make([]TransitionRecord, 0),
		lock:    make(chan struct{}, 1),
		subs:    make(map[uint64]chan StateChange),
		logger:  logger.With(slog.String("component", "connstate")),
	}
}

// Current возвращает текущее состояние.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// PortName возвращает выбранный порт.
func (m *Machine) PortName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.portName
}

// CanPerform проверяет, открыта ли операция в текущем состоянии.
func (m *Machine) CanPerform(op Operation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return allowedOperations[m.current][op]
}

// CanTransitionTo проверяет допустимость перехода из текущего состояния.
func (m *Machine) CanTransitionTo(target State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return validTransitions[m.current][target]
}

// SelectPort запоминает имя порта.
func (m *Machine) SelectPort(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(OpSelectPort); err != nil {
		return err
	}
	m.portName = name
	return nil
}

// OpenPort открывает выбранный порт и переводит автомат в connectable.
func (m *Machine) OpenPort(opener transport.Opener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(OpPollPort); err != nil {
		return err
	}
	if m.portName == "" {
		return &TransitionError{Code: CodeOperationNotAllowed, Message: "порт не выбран"}
	}

	if m.port == nil {
		p, err := opener.Open(m.portName)
		if err != nil {
			return err
		}
		m.port = p
	}

	if m.current == StateStart {
		return m.transitionLocked(StateConnectable, "порт открыт")
	}
	return nil
}

// Connect выполняет рукопожатие и переводит автомат в connected.
// При неудаче автомат остаётся в connectable.
func (m *Machine) Connect(ctx context.Context, handshake HandshakeFunc) error {
	m.mu.Lock()
	if err := m.checkLocked(OpHandshake); err != nil {
		m.mu.Unlock()
		return err
	}
	port := m.port
	m.mu.Unlock()

	if err := handshake(ctx, port); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(StateConnected, "рукопожатие выполнено")
}

// Reconnect переоткрывает порт, повторяет рукопожатие и возвращает
// автомат из connection_lost в connected.
func (m *Machine) Reconnect(ctx context.Context, opener transport.Opener, handshake HandshakeFunc) error {
	m.mu.Lock()
	if err := m.checkLocked(OpReconnect); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.reconnecting {
		m.mu.Unlock()
		return &TransitionError{Code: CodeOperationNotAllowed, Message: "переподключение уже выполняется"}
	}
	m.reconnecting = true
	old := m.port
	m.port = nil
	name := m.portName
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	if old != nil {
		_ = old.Close()
	}

	p, err := opener.Open(name)
	if err != nil {
		return fmt.Errorf("переоткрытие порта %s: %w", name, err)
	}
	if err := handshake(ctx, p); err != nil {
		_ = p.Close()
		return fmt.Errorf("рукопожатие после переподключения: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(OpReconnect); err != nil {
		_ = p.Close()
		return err
	}
	m.port = p
	return m.transitionLocked(StateConnected, "переподключение")
}

// ClosePort явно закрывает порт и возвращает автомат в connectable.
// Удерживаемый guard после этого становится недействительным.
func (m *Machine) ClosePort() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(OpClosePort); err != nil {
		return err
	}
	if m.port != nil {
		_ = m.port.Close()
		m.port = nil
	}
	m.holder = nil
	return m.transitionLocked(StateConnectable, "порт закрыт пользователем")
}

// MarkLost переводит автомат в connection_lost после сбоя ввода-вывода.
// Из состояний, где переход не определён, ничего не делает.
func (m *Machine) MarkLost(reason error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !validTransitions[m.current][StateConnectionLost] {
		return false
	}
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	m.holder = nil
	_ = m.transitionLocked(StateConnectionLost, msg)
	return true
}

// Abandon закрывает транспорт без перехода. Используется, когда
// реестр окончательно отказывается от устройства.
func (m *Machine) Abandon() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port != nil {
		_ = m.port.Close()
		m.port = nil
	}
	m.holder = nil
}

// History возвращает историю переходов (копия).
func (m *Machine) History() []TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]TransitionRecord, len(m.history))
	copy(result, m.history)
	return result
}

// Subscribe возвращает канал событий смены состояния и функцию отписки.
// События доставляются в порядке переходов; при переполнении буфера
// подписчика событие отбрасывается.
func (m *Machine) Subscribe() (<-chan StateChange, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan StateChange, eventBuffer)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

// checkLocked проверяет, открыта ли операция. Вызывать под m.mu.
func (m *Machine) checkLocked(op Operation) error {
	if allowedOperations[m.current][op] {
		return nil
	}
	return &TransitionError{
		Code:    CodeOperationNotAllowed,
		Message: fmt.Sprintf("операция %s недоступна в состоянии %s", op, m.current),
	}
}

// transitionLocked выполняет переход и публикует событие. Вызывать под m.mu.
func (m *Machine) transitionLocked(target State, reason string) error {
	if !validTransitions[m.current][target] {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("переход %s → %s недопустим", m.current, target),
		}
	}

	record := TransitionRecord{
		From:      m.current,
		To:        target,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	m.current = target
	m.history = append(m.history, record)
	transitionsTotal.WithLabelValues(string(record.From), string(record.To)).Inc()

	for _, ch := range m.subs {
		select {
		case ch <- record:
		default:
			eventsDroppedTotal.Inc()
		}
	}

	if target != StateBusy && record.From != StateBusy {
		m.logger.Debug("Смена состояния соединения",
			slog.String("port", m.portName),
			slog.String("from", string(record.From)),
			slog.String("to", string(target)),
		)
	}
	return nil
}

// TransitionError — недопустимый переход или операция, закрытая текущим состоянием.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_TRANSITION, OPERATION_NOT_ALLOWED)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
