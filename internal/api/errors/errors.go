// Пакет errors — ответы с ошибками HTTP API cartlink.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // имя пакета совпадает со stdlib, импортируется как apierrors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bigkaa/cartlink/internal/device"
	"github.com/bigkaa/cartlink/internal/protocol"
)

// Коды ошибок.
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeDeviceNotConnected = "DEVICE_NOT_CONNECTED"
	CodeDeviceBusy         = "DEVICE_BUSY"
	CodeConnectionLost     = "CONNECTION_LOST"
	CodeProtocolError      = "PROTOCOL_ERROR"
	CodeNotReady           = "NOT_READY"
	CodeInternalError      = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// NotReady — 503 сервис ещё не готов.
func NotReady(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeNotReady, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}

// DeviceError переводит ошибку команды устройства в HTTP-ответ:
// неподключённое устройство отличается от временного сбоя.
func DeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrNotConnected), errors.Is(err, device.ErrNotFound):
		WriteError(w, http.StatusNotFound, CodeDeviceNotConnected, err.Error())
		return
	}

	switch protocol.Classify(err) {
	case protocol.OutcomeBusy:
		WriteError(w, http.StatusServiceUnavailable, CodeDeviceBusy, err.Error())
	case protocol.OutcomeConnectionLost:
		WriteError(w, http.StatusBadGateway, CodeConnectionLost, err.Error())
	case protocol.OutcomeProtocolFailure:
		WriteError(w, http.StatusBadGateway, CodeProtocolError, err.Error())
	default:
		InternalError(w, err.Error())
	}
}
