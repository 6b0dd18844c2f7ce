package cache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/bigkaa/cartlink/internal/domain/model"
	"github.com/bigkaa/cartlink/internal/protocol"
)

// IndexerSource возвращает индексатор устройства по его идентификатору.
// Ошибка означает, что устройство сейчас недоступно.
type IndexerSource func(deviceID string) (Indexer, error)

// key — ключ кэша в реестре.
type key struct {
	deviceID string
	unit     model.StorageType
}

// Registry хранит по одному кэшу на (device_id, unit). Кэш создаётся
// при первом обращении, восстанавливается из снимка и переживает
// переподключения устройства.
type Registry struct {
	source IndexerSource
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	caches map[key]*Cache
}

// NewRegistry создаёт реестр. Поля DeviceID и Unit в opts игнорируются.
func NewRegistry(source IndexerSource, opts Options, logger *slog.Logger) *Registry {
	return &Registry{
		source: source,
		opts:   opts,
		logger: logger,
		caches: make(map[key]*Cache),
	}
}

// Get возвращает кэш носителя, создавая его при необходимости.
func (r *Registry) Get(deviceID string, unit model.StorageType) *Cache {
	k := key{deviceID: deviceID, unit: unit}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[k]; ok {
		return c
	}

	opts := r.opts
	opts.DeviceID, opts.Unit = deviceID, unit
	c := New(&deferredIndexer{deviceID: deviceID, source: r.source}, opts, r.logger)
	if err := c.Load(); err != nil {
		r.logger.Warn("Снимок индекса не загружен",
			slog.String("device_id", deviceID),
			slog.String("unit", string(unit)),
			slog.String("error", err.Error()),
		)
	}
	r.caches[k] = c
	return c
}

// All возвращает все созданные кэши в порядке (device_id, unit).
func (r *Registry) All() []*Cache {
	r.mu.Lock()
	caches := make([]*Cache, 0, len(r.caches))
	for _, c := range r.caches {
		caches = append(caches, c)
	}
	r.mu.Unlock()

	sort.Slice(caches, func(i, j int) bool {
		if caches[i].deviceID != caches[j].deviceID {
			return caches[i].deviceID < caches[j].deviceID
		}
		return caches[i].unit < caches[j].unit
	})
	return caches
}

// FlushAll сохраняет все изменённые кэши. Ошибки отдельных кэшей
// объединяются.
func (r *Registry) FlushAll() (int, error) {
	var (
		flushed int
		errs    []error
	)
	for _, c := range r.All() {
		if !c.Dirty() {
			continue
		}
		if err := c.Flush(); err != nil {
			errs = append(errs, err)
			continue
		}
		flushed++
	}
	return flushed, errors.Join(errs...)
}

// deferredIndexer разрешает устройство при каждом обращении: между
// обращениями устройство могло переподключиться или пропасть.
type deferredIndexer struct {
	deviceID string
	source   IndexerSource
}

func (d *deferredIndexer) ListDirectory(ctx context.Context, unit model.StorageType, path string, recursive bool) ([]*protocol.DirectoryContent, error) {
	idx, err := d.source(d.deviceID)
	if err != nil {
		return nil, err
	}
	return idx.ListDirectory(ctx, unit, path, recursive)
}
