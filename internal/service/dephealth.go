// dephealth.go — мониторинг внешних зависимостей через topologymetrics SDK.
//
// cartlink зависит от сети только при включённой JWT-аутентификации:
// тогда проверяется JWKS endpoint (HTTP GET, critical). Без CL_JWKS_URL
// сервис не создаётся.
//
// Метрики публикуются на /metrics вместе с остальными:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks" // Регистрация фабрик checker-ов (HTTP и др.)
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthConfig — параметры мониторинга.
type DephealthConfig struct {
	// Name — имя вершины графа текущего приложения
	Name string
	// Group — имя группы в метриках
	Group string
	// DepName — имя зависимости (JWKS)
	DepName string
	// URL — адрес проверки
	URL string
	// CheckInterval — интервал проверки
	CheckInterval time.Duration
	// TLSSkipVerify — не проверять сертификат (self-signed в dev-среде)
	TLSSkipVerify bool
	// Registerer — Prometheus registerer; nil — глобальный
	Registerer prometheus.Registerer
}

// DephealthService — сервис мониторинга зависимостей.
type DephealthService struct {
	dh      *dephealth.DepHealth
	depName string
	logger  *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	if cfg.URL == "" {
		return nil, errors.New("dephealth: не задан URL зависимости")
	}

	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.HTTP(cfg.DepName,
			dephealth.FromURL(cfg.URL),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
			dephealth.WithHTTPTLSSkipVerify(cfg.TLSSkipVerify),
		),
	}
	if cfg.Registerer != nil {
		opts = append(opts, dephealth.WithRegisterer(cfg.Registerer))
	}

	dh, err := dephealth.New(cfg.Name, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:      dh,
		depName: cfg.DepName,
		logger:  logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен", slog.String("dependency", ds.depName))
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — "dependency:host:port", значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}

// Healthy сообщает, что все проверки JWKS проходят. До первой проверки
// состояние неизвестно, и метод возвращает false.
func (ds *DephealthService) Healthy() bool {
	found := false
	for key, ok := range ds.dh.Health() {
		if !strings.HasPrefix(key, ds.depName+":") {
			continue
		}
		if !ok {
			return false
		}
		found = true
	}
	return found
}
