// Пакет config — загрузка и валидация конфигурации cartlink
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации сервиса.
type Config struct {
	// Порт HTTP-сервера операционной поверхности
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Интервал проверки здоровья подключённых устройств
	HealthCheckInterval time.Duration
	// Число неудачных проверок подряд до перехода в connection_lost
	HealthFailureThreshold int
	// Попытки фонового переподключения
	ReconnectAttempts int
	// Окно чтения ответа на запрос версии при поиске устройств
	ProbeWindow time.Duration
	// Предел на опрос одного порта целиком (рукопожатие и метка устройства)
	ProbeTimeout time.Duration
	// Подключать найденные совместимые устройства автоматически
	AutoConnect bool
	// Порты, которые разрешено опрашивать (пусто — все)
	PortAllowlist []string
	// Зарегистрировать симулятор устройства
	Simulator bool
	// Индексировать носители при первом подключении устройства
	AutoIndex bool

	// Каталог снимков кэша хранилища
	CacheDir string
	// Интервал сохранения кэша на диск
	CacheFlushInterval time.Duration
	// Размер и время жизни кэша результатов поиска
	SearchCacheSize int
	SearchCacheTTL  time.Duration
	// Путь к YAML с настройками хранилища (опционально)
	SettingsFile string

	// URL JWKS endpoint. Пустой — аутентификация /api/v1 отключена.
	JWKSUrl string
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допуск расхождения часов при проверке exp/nbf/iat
	JWTLeeway time.Duration
	// Пропустить проверку TLS-сертификата JWKS (только для разработки)
	TLSSkipVerify bool

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя зависимости в метриках topologymetrics
	DephealthDepName string
	// Имя владельца пода для метки name (DEPHEALTH_NAME)
	DephealthName string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения и валидирует её.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// CL_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("CL_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("CL_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("CL_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("CL_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("CL_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("CL_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("CL_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.HealthCheckInterval, err = getEnvDuration("CL_HEALTH_CHECK_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CL_HEALTH_CHECK_INTERVAL: %w", err)
	}
	if cfg.HealthCheckInterval <= 0 {
		return nil, fmt.Errorf("CL_HEALTH_CHECK_INTERVAL: значение должно быть положительным")
	}

	cfg.HealthFailureThreshold, err = getEnvInt("CL_HEALTH_FAILURE_THRESHOLD", 3)
	if err != nil {
		return nil, fmt.Errorf("CL_HEALTH_FAILURE_THRESHOLD: %w", err)
	}
	if cfg.HealthFailureThreshold < 1 {
		return nil, fmt.Errorf("CL_HEALTH_FAILURE_THRESHOLD: значение должно быть >= 1")
	}

	cfg.ReconnectAttempts, err = getEnvInt("CL_RECONNECT_ATTEMPTS", 3)
	if err != nil {
		return nil, fmt.Errorf("CL_RECONNECT_ATTEMPTS: %w", err)
	}
	if cfg.ReconnectAttempts < 0 {
		return nil, fmt.Errorf("CL_RECONNECT_ATTEMPTS: значение не может быть отрицательным")
	}

	// CL_PROBE_WINDOW — окно ответа на запрос версии (по умолчанию 200ms)
	cfg.ProbeWindow, err = getEnvDuration("CL_PROBE_WINDOW", 200*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("CL_PROBE_WINDOW: %w", err)
	}
	if cfg.ProbeWindow <= 0 {
		return nil, fmt.Errorf("CL_PROBE_WINDOW: значение должно быть положительным")
	}

	// CL_PROBE_TIMEOUT — предел на опрос одного порта (по умолчанию 5s)
	cfg.ProbeTimeout, err = getEnvDuration("CL_PROBE_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CL_PROBE_TIMEOUT: %w", err)
	}
	if cfg.ProbeTimeout <= cfg.ProbeWindow {
		return nil, fmt.Errorf("CL_PROBE_TIMEOUT: значение должно быть больше CL_PROBE_WINDOW (%s)", cfg.ProbeWindow)
	}

	cfg.AutoConnect, err = getEnvBool("CL_AUTO_CONNECT", true)
	if err != nil {
		return nil, fmt.Errorf("CL_AUTO_CONNECT: %w", err)
	}

	cfg.PortAllowlist = splitList(os.Getenv("CL_PORT_ALLOWLIST"))

	cfg.Simulator, err = getEnvBool("CL_SIMULATOR", false)
	if err != nil {
		return nil, fmt.Errorf("CL_SIMULATOR: %w", err)
	}

	cfg.AutoIndex, err = getEnvBool("CL_AUTO_INDEX", false)
	if err != nil {
		return nil, fmt.Errorf("CL_AUTO_INDEX: %w", err)
	}

	cfg.CacheDir = getEnvDefault("CL_CACHE_DIR", "./cache")

	cfg.CacheFlushInterval, err = getEnvDuration("CL_CACHE_FLUSH_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("CL_CACHE_FLUSH_INTERVAL: %w", err)
	}

	cfg.SearchCacheSize, err = getEnvInt("CL_SEARCH_CACHE_SIZE", 256)
	if err != nil {
		return nil, fmt.Errorf("CL_SEARCH_CACHE_SIZE: %w", err)
	}
	if cfg.SearchCacheSize < 1 {
		return nil, fmt.Errorf("CL_SEARCH_CACHE_SIZE: значение должно быть >= 1")
	}

	cfg.SearchCacheTTL, err = getEnvDuration("CL_SEARCH_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("CL_SEARCH_CACHE_TTL: %w", err)
	}

	cfg.SettingsFile = getEnvDefault("CL_SETTINGS_FILE", "")

	cfg.JWKSUrl = getEnvDefault("CL_JWKS_URL", "")

	// CL_JWKS_REFRESH_INTERVAL — интервал обновления ключей (по умолчанию 15s)
	cfg.JWKSRefreshInterval, err = getEnvDuration("CL_JWKS_REFRESH_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CL_JWKS_REFRESH_INTERVAL: %w", err)
	}

	cfg.JWTLeeway, err = getEnvDuration("CL_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CL_JWT_LEEWAY: %w", err)
	}

	cfg.TLSSkipVerify, err = getEnvBool("CL_TLS_SKIP_VERIFY", false)
	if err != nil {
		return nil, fmt.Errorf("CL_TLS_SKIP_VERIFY: %w", err)
	}

	cfg.DephealthCheckInterval, err = getEnvDuration("CL_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CL_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("CL_DEPHEALTH_GROUP", "cartlink")
	cfg.DephealthDepName = getEnvDefault("CL_DEPHEALTH_DEP_NAME", "auth-jwks")
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "")

	cfg.ShutdownTimeout, err = getEnvDuration("CL_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CL_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// AuthEnabled сообщает, включена ли JWT-аутентификация.
func (c *Config) AuthEnabled() bool {
	return c.JWKSUrl != ""
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (true/false)", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 200ms, 5s, 1m)", val)
	}
	return d, nil
}

// splitList разбирает список через запятую, пропуская пустые элементы.
func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
