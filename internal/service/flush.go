// flush.go — сервис фонового сохранения индексов носителей.
//
// Индексы живут в памяти и изменяются при каждой индексации или
// передаче файла. Сервис периодически (CL_CACHE_FLUSH_INTERVAL)
// сохраняет изменённые индексы на диск и делает последнее сохранение
// при остановке.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики сохранения
var (
	flushRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cl_cache_flush_runs_total",
		Help: "Запуски сохранения индексов по результату",
	}, []string{"result"})

	flushDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cl_cache_flush_duration_seconds",
		Help:    "Длительность сохранения индексов в секундах",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

// Flusher сохраняет изменённые индексы и возвращает их количество.
type Flusher interface {
	FlushAll() (int, error)
}

// FlushResult — результат одного сохранения.
type FlushResult struct {
	// Flushed — количество сохранённых индексов
	Flushed int
	// Err — объединённая ошибка отдельных индексов
	Err error
	// Duration — длительность выполнения
	Duration time.Duration
}

// CacheFlushService — фоновое сохранение индексов.
type CacheFlushService struct {
	flusher  Flusher
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex // защита от параллельного запуска RunOnce
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCacheFlushService создаёт сервис сохранения.
func NewCacheFlushService(flusher Flusher, interval time.Duration, logger *slog.Logger) *CacheFlushService {
	return &CacheFlushService{
		flusher:  flusher,
		interval: interval,
		logger:   logger.With(slog.String("component", "cache_flush")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (s *CacheFlushService) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx)

	s.logger.Info("Сохранение индексов запущено",
		slog.String("interval", s.interval.String()),
	)
}

// Stop останавливает фоновый процесс и сохраняет индексы последний раз.
func (s *CacheFlushService) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.running = false
	s.RunOnce()
	s.logger.Info("Сохранение индексов остановлено")
}

// Running сообщает, работает ли фоновый процесс.
func (s *CacheFlushService) Running() bool {
	return s.running
}

func (s *CacheFlushService) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce сохраняет изменённые индексы. Потокобезопасен.
func (s *CacheFlushService) RunOnce() *FlushResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	flushed, err := s.flusher.FlushAll()
	result := &FlushResult{Flushed: flushed, Err: err, Duration: time.Since(start)}

	flushDurationSeconds.Observe(result.Duration.Seconds())
	if err != nil {
		flushRunsTotal.WithLabelValues("error").Inc()
		s.logger.Error("Ошибка сохранения индексов",
			slog.Int("flushed", flushed),
			slog.String("error", err.Error()),
		)
		return result
	}
	flushRunsTotal.WithLabelValues("success").Inc()

	if flushed > 0 {
		s.logger.Debug("Индексы сохранены",
			slog.Int("flushed", flushed),
			slog.Duration("duration", result.Duration),
		)
	}
	return result
}
