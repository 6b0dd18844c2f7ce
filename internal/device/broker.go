package device

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/cartlink/internal/domain/connstate"
)

// EventKind — вид события устройства.
type EventKind string

const (
	// EventStateChanged — переход автомата соединения
	EventStateChanged EventKind = "state_changed"
	// EventRemoved — устройство удалено из реестра
	EventRemoved EventKind = "removed"
)

// DeviceEvent — запись потока device_state_changes.
type DeviceEvent struct {
	DeviceID string          `json:"device_id"`
	PortName string          `json:"port_name"`
	Kind     EventKind       `json:"kind"`
	From     connstate.State `json:"from,omitempty"`
	State    connstate.State `json:"state,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Time     time.Time       `json:"time"`
}

var (
	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cl_device_event_subscribers",
		Help: "Количество подписчиков потока событий устройств",
	})

	eventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cl_device_events_dropped_total",
		Help: "События устройств, отброшенные из-за медленного подписчика",
	})
)

// Broker рассылает события устройств подписчикам.
// Публикация не блокируется: медленный подписчик теряет события.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[chan DeviceEvent]struct{}
}

// NewBroker создаёт брокер событий.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[chan DeviceEvent]struct{}),
	}
}

// Subscribe добавляет подписчика с буфером buffer и возвращает канал
// и функцию отписки. Отписка закрывает канал.
func (b *Broker) Subscribe(buffer int) (<-chan DeviceEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan DeviceEvent, buffer)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	subscribersGauge.Set(float64(len(b.subscribers)))
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			close(ch)
			subscribersGauge.Set(float64(len(b.subscribers)))
			b.mu.Unlock()
		})
	}
}

// Publish отправляет событие всем подписчикам.
func (b *Broker) Publish(event DeviceEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			eventsDroppedTotal.Inc()
		}
	}
}

// Count возвращает число подписчиков.
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
