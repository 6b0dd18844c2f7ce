// metrics.go — Prometheus HTTP метрики операционной поверхности.
// Регистрирует метрики: cl_http_requests_total, cl_http_request_duration_seconds.
// Метрики устройств и кэша регистрируются в своих пакетах.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cl_http_requests_total",
			Help: "Общее количество HTTP-запросов к cartlink",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cl_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к cartlink в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному
// ResponseWriter (нужно SSE для Flush).
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath сводит путь к известному маршруту. Неизвестные пути
// попадают в "other", чтобы сканеры не раздували кардинальность.
// /api/v1/devices/Ab12Cd34 → /api/v1/devices/{id}
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/devices", "/api/v1/events":
		return path
	}

	const devicesPrefix = "/api/v1/devices/"
	rest, ok := strings.CutPrefix(path, devicesPrefix)
	if !ok {
		return "other"
	}
	id, suffix, _ := strings.Cut(rest, "/")
	if !isDeviceIDSegment(id) {
		return "other"
	}
	switch suffix {
	case "":
		return "/api/v1/devices/{id}"
	case "ping":
		return "/api/v1/devices/{id}/ping"
	}
	return "other"
}

// isDeviceIDSegment проверяет формат идентификатора устройства:
// 8 символов [A-Za-z0-9].
func isDeviceIDSegment(segment string) bool {
	if len(segment) != 8 {
		return false
	}
	for _, c := range segment {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
			return false
		}
	}
	return true
}
