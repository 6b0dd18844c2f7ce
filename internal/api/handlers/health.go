// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/cartlink/internal/config"
)

const (
	statusOK       = "ok"
	statusFail     = "fail"
	statusDegraded = "degraded"
)

// LoopChecker сообщает, работает ли фоновая проверка устройств.
type LoopChecker interface {
	Running() bool
}

// DependencyChecker сообщает состояние внешних зависимостей (JWKS).
type DependencyChecker interface {
	Healthy() bool
}

// HealthHandler реализует /health/live и /health/ready.
type HealthHandler struct {
	version string
	manager LoopChecker
	// cacheDir — каталог снимков кэша, проверяется на запись
	cacheDir string
	// deps — nil, если аутентификация отключена
	deps DependencyChecker
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(manager LoopChecker, cacheDir string, deps DependencyChecker) *HealthHandler {
	return &HealthHandler{
		version:  config.Version,
		manager:  manager,
		cacheDir: cacheDir,
		deps:     deps,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, пока процесс жив. Зависимости не проверяет.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    statusOK,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "cartlink",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Не готов, пока не запущена проверка устройств или каталог кэша
// недоступен на запись. Недоступный JWKS даёт degraded.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := statusOK
	httpStatus := http.StatusOK

	managerCheck := map[string]any{"status": statusOK}
	if h.manager == nil || !h.manager.Running() {
		managerCheck = map[string]any{
			"status":  statusFail,
			"message": "Проверка устройств не запущена",
		}
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	cacheCheck := h.checkCacheDir()
	if cacheCheck["status"] != statusOK {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	checks := map[string]any{
		"device_manager": managerCheck,
		"cache_dir":      cacheCheck,
	}

	if h.deps != nil {
		depCheck := map[string]any{"status": statusOK}
		if !h.deps.Healthy() {
			depCheck = map[string]any{
				"status":  statusFail,
				"message": "JWKS endpoint недоступен",
			}
			if overallStatus != statusFail {
				overallStatus = statusDegraded
			}
		}
		checks["auth_jwks"] = depCheck
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "cartlink",
		"checks":    checks,
	})
}

// checkCacheDir проверяет, что каталог снимков кэша доступен на запись.
func (h *HealthHandler) checkCacheDir() map[string]any {
	if h.cacheDir == "" {
		return map[string]any{
			"status":  statusOK,
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(h.cacheDir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Каталог кэша недоступен для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{"status": statusOK}
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
