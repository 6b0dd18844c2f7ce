package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/cartlink/internal/domain/connstate"
	"github.com/bigkaa/cartlink/internal/domain/model"
	"github.com/bigkaa/cartlink/internal/protocol"
)

// maxParallelProbes — сколько портов опрашивается одновременно.
const maxParallelProbes = 8

// probed — устройство, ответившее на опрос, с открытым автоматом.
type probed struct {
	device  model.Device
	machine *connstate.Machine
}

// FindDevices опрашивает порты, на которых ещё нет подключённых
// устройств, параллельно. Опрос каждого порта ограничен timeout;
// timeout <= 0 означает Options.ProbeTimeout.
// Порт, не ответивший как картридж, пропускается. С autoConnect
// совместимые устройства сразу попадают в реестр подключённых.
// Возвращает найденные, но не подключённые устройства и все подключённые.
func (m *Manager) FindDevices(ctx context.Context, autoConnect bool, timeout time.Duration) (available, connected []model.Device, err error) {
	if timeout <= 0 {
		timeout = m.opts.ProbeTimeout
	}

	ports, err := m.opener.List()
	if err != nil {
		return nil, nil, fmt.Errorf("поиск устройств: %w", err)
	}
	ports = m.candidatePorts(ports)

	m.logger.Debug("Поиск устройств", slog.Int("ports", len(ports)))

	var (
		mu    sync.Mutex
		found []probed
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelProbes)
	for _, port := range ports {
		g.Go(func() error {
			p, ok := m.probe(gctx, port, timeout)
			if ok {
				mu.Lock()
				found = append(found, p)
				mu.Unlock()
			}
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		for _, p := range found {
			p.machine.Abandon()
		}
		return nil, nil, fmt.Errorf("поиск устройств прерван: %w", err)
	}

	for _, p := range found {
		m.adopt(p, autoConnect)
	}

	m.mu.RLock()
	for _, dev := range m.available {
		available = append(available, dev)
	}
	m.mu.RUnlock()
	sort.Slice(available, func(i, j int) bool { return available[i].DeviceID < available[j].DeviceID })

	return available, m.ConnectedDevices(), nil
}

// candidatePorts убирает порты вне allowlist и порты подключённых устройств.
func (m *Manager) candidatePorts(ports []string) []string {
	allowed := make(map[string]bool, len(m.opts.PortAllowlist))
	for _, p := range m.opts.PortAllowlist {
		allowed[p] = true
	}

	m.mu.RLock()
	busy := make(map[string]bool, len(m.connected))
	for _, e := range m.connected {
		busy[e.device.PortName] = true
	}
	m.mu.RUnlock()

	var result []string
	for _, p := range ports {
		if busy[p] {
			continue
		}
		if len(allowed) > 0 && !allowed[p] {
			continue
		}
		result = append(result, p)
	}
	return result
}

// probe открывает порт, выполняет рукопожатие и определяет идентификатор.
func (m *Manager) probe(ctx context.Context, port string, timeout time.Duration) (probed, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	machine, info, err := m.open(ctx, port)
	if err != nil {
		if info != nil && info.IsDevice && !info.Compatible {
			m.logger.Warn("Прошивка картриджа не поддерживается",
				slog.String("port", port),
				slog.String("version", info.Version),
			)
		} else if !errors.Is(err, protocol.ErrNotDevice) {
			m.logger.Debug("Порт не ответил", slog.String("port", port), slog.String("error", err.Error()))
		}
		return probed{}, false
	}

	dev, err := m.identify(ctx, machine, info)
	if err != nil {
		machine.Abandon()
		m.logger.Warn("Не удалось определить идентификатор устройства",
			slog.String("port", port),
			slog.String("error", err.Error()),
		)
		return probed{}, false
	}
	return probed{device: dev, machine: machine}, true
}

// adopt переносит результат опроса в реестр: в подключённые или в найденные.
func (m *Manager) adopt(p probed, autoConnect bool) {
	if autoConnect && p.device.IsCompatible {
		if _, err := m.register(p.device, p.machine); err == nil {
			return
		}
	}
	p.machine.Abandon()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connected[p.device.DeviceID]; !ok {
		m.available[p.device.DeviceID] = p.device
	}
}
