package connstate

import (
	"context"
	"sync"
	"time"

	"github.com/bigkaa/cartlink/internal/transport"
)

// Guard — эксклюзивный доступ к транспорту на время одной команды.
// Release и Fail идемпотентны; вызывать через defer безопасно.
type Guard struct {
	m    *Machine
	once sync.Once
}

// Acquire ждёт окончания текущей команды и занимает порт.
// Требует состояния connected; ожидание ограничено ctx.
func (m *Machine) Acquire(ctx context.Context) (*Guard, error) {
	m.mu.Lock()
	err := m.checkLocked(OpLock)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case m.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g, err := m.enterBusy()
	if err != nil {
		<-m.lock
		return nil, err
	}
	return g, nil
}

// TryAcquire занимает порт, только если он свободен прямо сейчас.
// Используется проверкой здоровья: команда пользователя всегда важнее.
func (m *Machine) TryAcquire() (*Guard, bool) {
	select {
	case m.lock <- struct{}{}:
	default:
		return nil, false
	}

	g, err := m.enterBusy()
	if err != nil {
		<-m.lock
		return nil, false
	}
	return g, true
}

// enterBusy переводит connected → busy и регистрирует guard.
func (m *Machine) enterBusy() (*Guard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != StateConnected {
		return nil, &TransitionError{
			Code:    CodeOperationNotAllowed,
			Message: "захват порта возможен только в состоянии connected, текущее: " + string(m.current),
		}
	}
	if err := m.transitionLocked(StateBusy, ""); err != nil {
		return nil, err
	}
	g := &Guard{m: m}
	m.holder = g
	return g, nil
}

// Port возвращает транспорт, доступный только пока guard действителен.
func (g *Guard) Port() transport.Port {
	return &guardedPort{g: g}
}

// Release возвращает автомат в connected и освобождает порт.
func (g *Guard) Release() {
	g.once.Do(func() {
		m := g.m
		m.mu.Lock()
		if m.holder == g {
			m.holder = nil
			if m.current == StateBusy {
				_ = m.transitionLocked(StateConnected, "")
			}
		}
		m.mu.Unlock()
		<-m.lock
	})
}

// Fail переводит автомат в connection_lost и освобождает порт.
func (g *Guard) Fail(reason error) {
	g.once.Do(func() {
		m := g.m
		m.mu.Lock()
		if m.holder == g {
			m.holder = nil
			msg := ""
			if reason != nil {
				msg = reason.Error()
			}
			_ = m.transitionLocked(StateConnectionLost, msg)
		}
		m.mu.Unlock()
		<-m.lock
	})
}

// guardedPort проверяет guard и операцию перед каждым обращением к порту.
type guardedPort struct {
	g *Guard
}

func (p *guardedPort) portFor(op Operation) (transport.Port, error) {
	m := p.g.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder != p.g {
		return nil, &TransitionError{Code: CodeOperationNotAllowed, Message: "порт освобождён"}
	}
	if err := m.checkLocked(op); err != nil {
		return nil, err
	}
	if m.port == nil {
		return nil, transport.ErrPortClosed
	}
	return m.port, nil
}

func (p *guardedPort) Name() string { return p.g.m.PortName() }

func (p *guardedPort) Write(b []byte) (int, error) {
	port, err := p.portFor(OpWrite)
	if err != nil {
		return 0, err
	}
	return port.Write(b)
}

func (p *guardedPort) Read(b []byte) (int, error) {
	port, err := p.portFor(OpRead)
	if err != nil {
		return 0, err
	}
	return port.Read(b)
}

func (p *guardedPort) BytesAvailable() int {
	port, err := p.portFor(OpBytesAvailable)
	if err != nil {
		return 0
	}
	return port.BytesAvailable()
}

func (p *guardedPort) WaitForBytes(ctx context.Context, n int, timeout time.Duration) error {
	port, err := p.portFor(OpRead)
	if err != nil {
		return err
	}
	return port.WaitForBytes(ctx, n, timeout)
}

func (p *guardedPort) Discard() {
	if port, err := p.portFor(OpRead); err == nil {
		port.Discard()
	}
}

// Close через guard запрещён: порт закрывает только Machine.ClosePort.
func (p *guardedPort) Close() error {
	return &TransitionError{Code: CodeOperationNotAllowed, Message: "закрытие порта доступно только через ClosePort"}
}
