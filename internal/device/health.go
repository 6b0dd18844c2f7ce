package device

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bigkaa/cartlink/internal/domain/connstate"
	"github.com/bigkaa/cartlink/internal/protocol"
	"github.com/bigkaa/cartlink/internal/transport"
)

// Start запускает фоновую проверку здоровья подключённых устройств.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	m.mu.Lock()
	m.running = true
	m.bgCtx = ctx
	m.mu.Unlock()

	go m.loop(ctx)

	m.logger.Info("Проверка здоровья устройств запущена",
		slog.String("interval", m.opts.HealthInterval.String()),
		slog.Int("failure_threshold", m.opts.FailureThreshold),
	)
}

// Stop останавливает проверку здоровья и дожидается фоновых переподключений.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.wg.Wait()

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.logger.Info("Проверка здоровья устройств остановлена")
}

// Running сообщает, работает ли фоновая проверка.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет одну проверку всех подключённых устройств.
// Занятое командой устройство пропускается: ответ на команду уже
// подтверждает, что оно живо.
func (m *Manager) RunOnce(ctx context.Context) {
	m.mu.RLock()
	entries := make(map[string]*entry, len(m.connected))
	for id, e := range m.connected {
		entries[id] = e
	}
	m.mu.RUnlock()

	for id, e := range entries {
		if ctx.Err() != nil {
			return
		}
		m.check(ctx, id, e)
	}
}

// check пингует одно устройство и ведёт счётчик неудач.
func (m *Manager) check(ctx context.Context, deviceID string, e *entry) {
	g, ok := e.machine.TryAcquire()
	if !ok {
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.opts.PingTimeout)
	err := m.client.Ping(pingCtx, g.Port())
	cancel()

	if err == nil || errors.Is(err, protocol.ErrBusy) {
		m.setFailures(e, 0)
		g.Release()
		return
	}
	if ctx.Err() != nil {
		g.Release()
		return
	}

	healthFailuresTotal.Inc()
	failures := m.setFailures(e, -1)
	m.logger.Warn("Проверка здоровья не прошла",
		slog.String("device_id", deviceID),
		slog.Int("failures", failures),
		slog.String("error", err.Error()),
	)

	if transport.IsDisconnect(err) || failures >= m.opts.FailureThreshold {
		g.Fail(err)
		return
	}
	g.Release()
}

// setFailures обнуляет счётчик (n = 0) или увеличивает его (n < 0).
func (m *Manager) setFailures(e *entry, n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 {
		e.failures++
	} else {
		e.failures = n
	}
	return e.failures
}

// scheduleReconnect запускает фоновое переподключение устройства.
func (m *Manager) scheduleReconnect(deviceID string) {
	m.mu.RLock()
	e, ok := m.connected[deviceID]
	ctx := m.bgCtx
	m.mu.RUnlock()
	if !ok || e.removing {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reconnect(ctx, deviceID, e)
	}()
}

// reconnect пытается вернуть устройство; пауза перед попыткой n равна
// n*ReconnectBackoff. Если за это время устройство вернул кто-то другой
// (например, сброс), попытки прекращаются. После последней неудачи
// устройство удаляется из реестра.
func (m *Manager) reconnect(ctx context.Context, deviceID string, e *entry) {
	log := m.logger.With(slog.String("device_id", deviceID), slog.String("port", e.device.PortName))

	for attempt := 1; attempt <= m.opts.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * m.opts.ReconnectBackoff):
		}

		if m.isRemoving(e) {
			return
		}
		if e.machine.Current() != connstate.StateConnectionLost {
			m.setFailures(e, 0)
			return
		}

		err := e.machine.Reconnect(ctx, m.opener, m.handshake(nil))
		if err == nil {
			reconnectsTotal.WithLabelValues("success").Inc()
			m.setFailures(e, 0)
			log.Info("Устройство переподключено", slog.Int("attempt", attempt))
			return
		}
		reconnectsTotal.WithLabelValues("failure").Inc()
		log.Warn("Переподключение не удалось",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	if e.machine.Current() == connstate.StateConnected {
		return
	}
	m.remove(deviceID, e, "переподключение не удалось")
}

func (m *Manager) isRemoving(e *entry) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return e.removing
}

// remove окончательно удаляет устройство из реестра и публикует Removed
// после всех событий его автомата.
func (m *Manager) remove(deviceID string, e *entry, reason string) {
	m.mu.Lock()
	if cur, ok := m.connected[deviceID]; !ok || cur != e || e.removing {
		m.mu.Unlock()
		return
	}
	e.removing = true
	delete(m.connected, deviceID)
	connectedDevices.Set(float64(len(m.connected)))
	m.mu.Unlock()

	e.machine.Abandon()
	e.stopEvents()
	<-e.eventsDone

	m.logger.Warn("Устройство удалено из реестра",
		slog.String("device_id", deviceID),
		slog.String("reason", reason),
	)
	m.broker.Publish(DeviceEvent{
		DeviceID: deviceID,
		PortName: e.device.PortName,
		Kind:     EventRemoved,
		State:    connstate.StateConnectionLost,
		Reason:   reason,
	})
}
