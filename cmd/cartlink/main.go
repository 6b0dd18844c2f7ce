// Точка входа cartlink — сервиса подключения картриджей по последовательному
// порту: поиск и сопровождение устройств, индекс носителей и
// операционная HTTP-поверхность.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bigkaa/cartlink/internal/api/handlers"
	"github.com/bigkaa/cartlink/internal/api/middleware"
	"github.com/bigkaa/cartlink/internal/config"
	"github.com/bigkaa/cartlink/internal/device"
	"github.com/bigkaa/cartlink/internal/protocol"
	"github.com/bigkaa/cartlink/internal/server"
	"github.com/bigkaa/cartlink/internal/service"
	"github.com/bigkaa/cartlink/internal/simdevice"
	"github.com/bigkaa/cartlink/internal/storage/cache"
	"github.com/bigkaa/cartlink/internal/transport"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("cartlink запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.Bool("auto_connect", cfg.AutoConnect),
		slog.Bool("simulator", cfg.Simulator),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Инициализация компонентов ---

	// 1. Настройки хранилища
	settings, err := config.LoadStorageSettings(cfg.SettingsFile)
	if err != nil {
		logger.Error("Ошибка загрузки настроек хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		logger.Error("Каталог кэша недоступен",
			slog.String("dir", cfg.CacheDir),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// 2. Порты: ОС плюс симулятор
	opener := transport.NewMultiOpener(transport.NewSerialOpener(logger))
	if cfg.Simulator {
		sim := simdevice.Demo("SIM0")
		opener.Register(sim.Name(), sim.Factory())
		logger.Info("Симулятор устройства зарегистрирован", slog.String("port", sim.Name()))
	}

	// 3. Клиент протокола и менеджер устройств
	client := protocol.NewClient(protocol.DefaultConfig(), logger)

	opts := device.DefaultOptions()
	opts.ProbeWindow = cfg.ProbeWindow
	opts.ProbeTimeout = cfg.ProbeTimeout
	opts.HealthInterval = cfg.HealthCheckInterval
	opts.FailureThreshold = cfg.HealthFailureThreshold
	opts.ReconnectAttempts = cfg.ReconnectAttempts
	opts.PortAllowlist = cfg.PortAllowlist
	manager := device.NewManager(opener, client, opts, logger)

	// 4. Индексы носителей
	registry := cache.NewRegistry(func(deviceID string) (cache.Indexer, error) {
		s, err := manager.Session(deviceID)
		if err != nil {
			return nil, err
		}
		return s, nil
	}, cache.Options{
		Dir:             cfg.CacheDir,
		Settings:        settings,
		SearchCacheSize: cfg.SearchCacheSize,
		SearchCacheTTL:  cfg.SearchCacheTTL,
	}, logger)

	// 5. Фоновые процессы

	// 5.1 Сохранение индексов
	flushSvc := service.NewCacheFlushService(registry, cfg.CacheFlushInterval, logger)
	flushSvc.Start(ctx)

	// 5.2 Индексация при подключении
	var autoIndexSvc *service.AutoIndexService
	if cfg.AutoIndex {
		autoIndexSvc = service.NewAutoIndexService(manager.Events(), manager, registry, logger)
		autoIndexSvc.Start(ctx)
	}

	// 5.3 JWT и topologymetrics — только при заданном CL_JWKS_URL
	var (
		jwtAuth      *middleware.JWTAuth
		dephealthSvc *service.DephealthService
	)
	if cfg.AuthEnabled() {
		jwtAuth, err = middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			TLSSkipVerify:   cfg.TLSSkipVerify,
			ClientTimeout:   10 * time.Second,
			RefreshInterval: cfg.JWKSRefreshInterval,
			JWTLeeway:       cfg.JWTLeeway,
		}, logger)
		if err != nil {
			logger.Error("Ошибка настройки JWT", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))

		dephealthSvc, err = service.NewDephealthService(service.DephealthConfig{
			Name:          dephealthName(cfg.DephealthName),
			Group:         cfg.DephealthGroup,
			DepName:       cfg.DephealthDepName,
			URL:           cfg.JWKSUrl,
			CheckInterval: cfg.DephealthCheckInterval,
			TLSSkipVerify: cfg.TLSSkipVerify,
		}, logger)
		if err != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", err.Error()),
			)
		} else if err := dephealthSvc.Start(ctx); err != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
			dephealthSvc = nil
		}
	} else {
		logger.Warn("CL_JWKS_URL не задан, /api/v1 без аутентификации")
	}

	// 6. Handlers и HTTP-сервер
	var deps handlers.DependencyChecker
	if dephealthSvc != nil {
		deps = dephealthSvc
	}
	srv := server.New(cfg, server.Handlers{
		Health: handlers.NewHealthHandler(manager, cfg.CacheDir, deps),
		Devices: handlers.NewDevicesHandler(manager, func(deviceID string) (handlers.Pinger, error) {
			s, err := manager.Session(deviceID)
			if err != nil {
				return nil, err
			}
			return s, nil
		}, opts.PingTimeout),
		Events: handlers.NewEventsHandler(manager.Events(), manager, 15*time.Second, logger),
		Auth:   jwtAuth,
	}, logger)

	// 7. Первичный поиск устройств и запуск проверки здоровья
	available, connected, err := manager.FindDevices(ctx, cfg.AutoConnect, cfg.ProbeTimeout)
	if err != nil {
		logger.Warn("Поиск устройств не выполнен", slog.String("error", err.Error()))
	} else {
		logger.Info("Поиск устройств завершён",
			slog.Int("available", len(available)),
			slog.Int("connected", len(connected)),
		)
	}
	manager.Start(ctx)

	// 8. Работа до сигнала завершения
	runErr := srv.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	if autoIndexSvc != nil {
		autoIndexSvc.Stop()
	}
	manager.Stop()
	for _, d := range manager.ConnectedDevices() {
		if err := manager.ClosePort(d.DeviceID); err != nil {
			logger.Warn("Ошибка закрытия порта",
				slog.String("device_id", d.DeviceID),
				slog.String("error", err.Error()),
			)
		}
	}
	flushSvc.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("cartlink остановлен")
	if runErr != nil {
		os.Exit(1)
	}
}
