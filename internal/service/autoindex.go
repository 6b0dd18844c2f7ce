// autoindex.go — индексация носителей при первом подключении устройства.
//
// Сервис слушает поток событий устройств. Когда устройство впервые
// появляется в реестре (не после переподключения), доступные носители
// без сохранённого индекса обходятся целиком. Носитель, индекс которого
// восстановлен из снимка, не трогается: он дозаполняется лениво.
package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/cartlink/internal/device"
	"github.com/bigkaa/cartlink/internal/domain/connstate"
	"github.com/bigkaa/cartlink/internal/domain/model"
	"github.com/bigkaa/cartlink/internal/storage/cache"
)

var autoIndexTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cl_auto_index_total",
	Help: "Индексации носителей при подключении по результату",
}, []string{"result"})

// EventSource — подписка на события устройств.
type EventSource interface {
	Subscribe(buffer int) (<-chan device.DeviceEvent, func())
}

// DeviceLister отдаёт снимки подключённых устройств.
type DeviceLister interface {
	ConnectedDevices() []model.Device
}

// CacheSource отдаёт кэш носителя.
type CacheSource interface {
	Get(deviceID string, unit model.StorageType) *cache.Cache
}

// AutoIndexService — индексация носителей при подключении.
type AutoIndexService struct {
	events  EventSource
	devices DeviceLister
	caches  CacheSource
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewAutoIndexService создаёт сервис.
func NewAutoIndexService(events EventSource, devices DeviceLister, caches CacheSource, logger *slog.Logger) *AutoIndexService {
	return &AutoIndexService{
		events:  events,
		devices: devices,
		caches:  caches,
		logger:  logger.With(slog.String("component", "auto_index")),
	}
}

// Start подписывается на события и запускает обработку.
func (s *AutoIndexService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	events, unsubscribe := s.events.Subscribe(16)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx, events, unsubscribe)
	s.logger.Info("Индексация при подключении включена")
}

// Stop прерывает текущую индексацию и ждёт завершения.
func (s *AutoIndexService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("Индексация при подключении остановлена")
}

func (s *AutoIndexService) run(ctx context.Context, events <-chan device.DeviceEvent, unsubscribe func()) {
	defer close(s.done)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			// From пуст только у события регистрации в реестре.
			if ev.Kind != device.EventStateChanged || ev.State != connstate.StateConnected || ev.From != "" {
				continue
			}
			s.IndexDevice(ctx, ev.DeviceID)
		}
	}
}

// IndexDevice обходит доступные носители устройства, у которых ещё нет
// индекса. Возвращает число проиндексированных носителей.
func (s *AutoIndexService) IndexDevice(ctx context.Context, deviceID string) int {
	var dev *model.Device
	for _, d := range s.devices.ConnectedDevices() {
		if d.DeviceID == deviceID {
			dev = &d
			break
		}
	}
	if dev == nil {
		return 0
	}

	indexed := 0
	for _, unit := range []model.StorageType{model.StorageSD, model.StorageUSB} {
		if !dev.Unit(unit).Available {
			continue
		}
		c := s.caches.Get(deviceID, unit)
		if c.Stats().Nodes > 0 {
			continue
		}
		if !c.CacheAll(ctx) {
			autoIndexTotal.WithLabelValues("error").Inc()
			continue
		}
		autoIndexTotal.WithLabelValues("success").Inc()
		indexed++
	}
	return indexed
}
