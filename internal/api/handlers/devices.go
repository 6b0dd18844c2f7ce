// devices.go — реестр подключённых устройств.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/cartlink/internal/api/errors"
	"github.com/bigkaa/cartlink/internal/domain/model"
)

// DeviceLister отдаёт снимки подключённых устройств.
type DeviceLister interface {
	ConnectedDevices() []model.Device
}

// Pinger — команды устройства, доступные через HTTP.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionFunc открывает доступ к командам подключённого устройства.
type SessionFunc func(deviceID string) (Pinger, error)

// DevicesHandler обслуживает /api/v1/devices.
type DevicesHandler struct {
	devices     DeviceLister
	session     SessionFunc
	pingTimeout time.Duration
}

// NewDevicesHandler создаёт обработчик реестра устройств.
func NewDevicesHandler(devices DeviceLister, session SessionFunc, pingTimeout time.Duration) *DevicesHandler {
	return &DevicesHandler{devices: devices, session: session, pingTimeout: pingTimeout}
}

// deviceList — ответ GET /api/v1/devices.
type deviceList struct {
	Devices []model.Device `json:"devices"`
	Total   int            `json:"total"`
}

// ListDevices обрабатывает GET /api/v1/devices.
func (h *DevicesHandler) ListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := h.devices.ConnectedDevices()
	writeJSON(w, http.StatusOK, deviceList{Devices: devices, Total: len(devices)})
}

// GetDevice обрабатывает GET /api/v1/devices/{id}.
func (h *DevicesHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, d := range h.devices.ConnectedDevices() {
		if d.DeviceID == id {
			writeJSON(w, http.StatusOK, d)
			return
		}
	}
	apierrors.WriteError(w, http.StatusNotFound, apierrors.CodeDeviceNotConnected,
		"Устройство "+id+" не подключено")
}

// PingDevice обрабатывает POST /api/v1/devices/{id}/ping.
func (h *DevicesHandler) PingDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := h.session(id)
	if err != nil {
		apierrors.DeviceError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.pingTimeout)
	defer cancel()

	start := time.Now()
	if err := s.Ping(ctx); err != nil {
		apierrors.DeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":  id,
		"latency_ms": time.Since(start).Milliseconds(),
	})
}
