// Пакет server — HTTP-сервер операционной поверхности cartlink
// с graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/cartlink/internal/api/handlers"
	"github.com/bigkaa/cartlink/internal/api/middleware"
	"github.com/bigkaa/cartlink/internal/config"
)

// Handlers — обработчики маршрутов. Auth == nil отключает
// аутентификацию /api/v1.
type Handlers struct {
	Health  *handlers.HealthHandler
	Devices *handlers.DevicesHandler
	Events  *handlers.EventsHandler
	Auth    *middleware.JWTAuth
}

// Server — HTTP-сервер cartlink.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// NewRouter собирает маршруты:
//
//	GET  /health/live, /health/ready, /metrics — без аутентификации
//	GET  /api/v1/devices, /api/v1/devices/{id}, /api/v1/events
//	POST /api/v1/devices/{id}/ping
func NewRouter(h Handlers, logger *slog.Logger) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		if h.Auth != nil {
			r.Use(h.Auth.Middleware())
			r.Use(middleware.RequireScope(middleware.ScopeDevicesRead))
		}
		r.Get("/devices", h.Devices.ListDevices)
		r.Get("/devices/{id}", h.Devices.GetDevice)
		r.Post("/devices/{id}/ping", h.Devices.PingDevice)
		r.Get("/events", h.Events.StreamEvents)
	})

	return router
}

// New создаёт HTTP-сервер.
func New(cfg *config.Config, h Handlers, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewRouter(h, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// WriteTimeout не задан: SSE-соединения живут долго
		IdleTimeout: 120 * time.Second,
	}

	srv.RegisterOnShutdown(h.Events.Close)

	return &Server{
		httpServer:      srv,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger.With(slog.String("component", "http_server")),
	}
}

// Run обслуживает запросы до отмены ctx, затем выполняет graceful
// shutdown с таймаутом CL_SHUTDOWN_TIMEOUT.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
