// events.go — SSE поток событий устройств.
// Каждое событие device_state_changes уходит клиенту как
// event: device\ndata: {json}\n\n. Медленный клиент теряет события,
// но не задерживает остальных подписчиков.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bigkaa/cartlink/internal/device"
)

// EventSource — подписка на события устройств.
type EventSource interface {
	Subscribe(buffer int) (<-chan device.DeviceEvent, func())
}

// EventsHandler обслуживает GET /api/v1/events.
type EventsHandler struct {
	source    EventSource
	devices   DeviceLister
	keepAlive time.Duration
	logger    *slog.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewEventsHandler создаёт SSE обработчик. keepAlive — период
// комментария-пинга, не дающего прокси закрыть простаивающее соединение.
func NewEventsHandler(source EventSource, devices DeviceLister, keepAlive time.Duration, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		source:    source,
		devices:   devices,
		keepAlive: keepAlive,
		logger:    logger.With(slog.String("component", "api.events")),
		closing:   make(chan struct{}),
	}
}

// Close завершает все открытые потоки. http.Server.Shutdown не прерывает
// активные соединения, поэтому сервер вызывает Close при остановке.
func (h *EventsHandler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// StreamEvents обрабатывает GET /api/v1/events.
// Сначала отправляет снимок реестра (event: snapshot), затем события
// до отключения клиента.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// ResponseController через Unwrap() доходит до исходного http.Flusher
	// сквозь обёртки middleware.
	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		http.Error(w, "SSE не поддерживается", http.StatusInternalServerError)
		return
	}

	events, unsubscribe := h.source.Subscribe(64)
	defer unsubscribe()

	h.logger.Debug("SSE клиент подключён", slog.String("remote_addr", r.RemoteAddr))

	devices := h.devices.ConnectedDevices()
	if err := h.send(w, rc, "snapshot", deviceList{Devices: devices, Total: len(devices)}); err != nil {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE клиент отключён", slog.String("remote_addr", r.RemoteAddr))
			return
		case <-h.closing:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.send(w, rc, "device", ev); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// send записывает одно SSE-событие.
func (h *EventsHandler) send(w http.ResponseWriter, rc *http.ResponseController, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Ошибка сериализации события",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return rc.Flush()
}
