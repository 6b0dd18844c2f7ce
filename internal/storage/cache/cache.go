// Пакет cache — потокобезопасный in-memory индекс содержимого носителя
// одного устройства.
//
// Индекс заполняется лениво: каталог, которого нет в индексе, читается
// с устройства при первом обращении. Полная индексация (CacheAll)
// заменяет всё дерево разом. После передачи или удаления файла индекс
// обновляется точечно, без повторного чтения с устройства.
//
// Чтение идёт под sync.RWMutex. Записи одного кэша выполняются по
// очереди (writeMu); листинг с устройства собирается вне RWMutex и
// подставляется за один захват, поэтому читатель не видит частично
// заменённое поддерево.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/cartlink/internal/config"
	"github.com/bigkaa/cartlink/internal/domain/model"
	"github.com/bigkaa/cartlink/internal/protocol"
)

var (
	// ErrNotFound — файла или каталога нет на носителе.
	ErrNotFound = errors.New("не найдено")
	// ErrBannedPath — путь входит в список исключённых каталогов.
	ErrBannedPath = errors.New("путь исключён из индекса")
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cl_cache_hits_total",
		Help: "Обращения к каталогу, найденному в индексе.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cl_cache_misses_total",
		Help: "Обращения к каталогу, потребовавшие чтения с устройства.",
	})
	indexRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cl_cache_index_runs_total",
		Help: "Индексации каталогов по режиму (single, recursive) и результату.",
	}, []string{"mode", "result"})
	searchCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cl_search_cache_hits_total",
		Help: "Поисковые запросы, обслуженные из LRU-кэша.",
	})
)

// Indexer читает каталоги с устройства. С recursive возвращает всё
// поддерево в порядке обхода в глубину.
type Indexer interface {
	ListDirectory(ctx context.Context, unit model.StorageType, path string, recursive bool) ([]*protocol.DirectoryContent, error)
}

// Options — параметры кэша.
type Options struct {
	DeviceID string
	Unit     model.StorageType
	// Dir — каталог файлов снимков; пустой отключает сохранение.
	Dir             string
	Settings        config.StorageSettings
	SearchCacheSize int
	SearchCacheTTL  time.Duration
}

// Stats — размер индекса.
type Stats struct {
	Nodes int `json:"nodes"`
	Files int `json:"files"`
}

// Cache — индекс содержимого одного носителя (device_id, unit).
type Cache struct {
	deviceID string
	unit     model.StorageType
	indexer  Indexer
	settings config.StorageSettings
	file     string
	logger   *slog.Logger

	writeMu sync.Mutex

	mu      sync.RWMutex
	nodes   map[string]*Node // путь каталога → узел
	version uint64           // растёт при каждом изменении
	flushed uint64           // version на момент последнего сохранения

	searches *expirable.LRU[string, []model.FileEntry]
	intN     func(n int) int
}

// New создаёт пустой кэш. Для восстановления с диска вызовите Load.
func New(indexer Indexer, opts Options, logger *slog.Logger) *Cache {
	size := opts.SearchCacheSize
	if size < 1 {
		size = 1
	}
	ttl := opts.SearchCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	c := &Cache{
		deviceID: opts.DeviceID,
		unit:     opts.Unit,
		indexer:  indexer,
		settings: opts.Settings,
		nodes:    make(map[string]*Node),
		searches: expirable.NewLRU[string, []model.FileEntry](size, nil, ttl),
		intN:     rand.IntN,
		logger: logger.With(
			slog.String("component", "storage_cache"),
			slog.String("device_id", opts.DeviceID),
			slog.String("unit", string(opts.Unit)),
		),
	}
	if opts.Dir != "" {
		c.file = SnapshotPath(opts.Dir, opts.DeviceID, opts.Unit)
	}
	return c
}

// Cache переиндексирует поддерево path одним рекурсивным листингом.
// Возвращает false при любой ошибке устройства или протокола.
func (c *Cache) Cache(ctx context.Context, path string) bool {
	if err := c.index(ctx, path, true); err != nil {
		c.logger.Warn("Индексация не выполнена",
			slog.String("path", model.CleanPath(path)),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// CacheAll переиндексирует весь носитель. Операция долгая: на время
// обхода порт устройства занят.
func (c *Cache) CacheAll(ctx context.Context) bool {
	start := time.Now()
	ok := c.Cache(ctx, "/")
	if ok {
		st := c.Stats()
		c.logger.Info("Носитель проиндексирован",
			slog.Int("nodes", st.Nodes),
			slog.Int("files", st.Files),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return ok
}

// index читает path с устройства и подставляет результат в индекс.
func (c *Cache) index(ctx context.Context, path string, recursive bool) error {
	path = model.CleanPath(path)
	mode := "single"
	if recursive {
		mode = "recursive"
	}
	if c.bannedDir(path) {
		return fmt.Errorf("%s: %w", path, ErrBannedPath)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.indexLocked(ctx, path, recursive, mode)
}

// indexLocked выполняется под writeMu.
func (c *Cache) indexLocked(ctx context.Context, path string, recursive bool, mode string) error {
	listings, err := c.indexer.ListDirectory(ctx, c.unit, path, recursive)
	if err != nil {
		indexRunsTotal.WithLabelValues(mode, "error").Inc()
		return err
	}

	fresh := make(map[string]*Node, len(listings))
	for _, dc := range listings {
		n := c.filter(nodeFromListing(dc))
		if c.bannedDir(n.Path) {
			continue
		}
		fresh[n.Path] = n
	}
	if _, ok := fresh[path]; !ok {
		fresh[path] = &Node{Path: path}
	}

	c.mu.Lock()
	if recursive {
		for p := range c.nodes {
			if model.IsWithin(p, path) {
				delete(c.nodes, p)
			}
		}
	} else {
		delete(c.nodes, path)
	}
	for p, n := range fresh {
		c.nodes[p] = n
	}
	c.linkToParentLocked(path)
	c.touchLocked()
	c.mu.Unlock()

	indexRunsTotal.WithLabelValues(mode, "success").Inc()
	c.logger.Debug("Каталог проиндексирован",
		slog.String("path", path),
		slog.Bool("recursive", recursive),
		slog.Int("nodes", len(fresh)),
	)
	return nil
}

// GetDirectory возвращает узел каталога. Отсутствующий каталог
// индексируется с устройства (один уровень) перед возвратом.
func (c *Cache) GetDirectory(ctx context.Context, path string) (*Node, error) {
	path = model.CleanPath(path)
	if n, ok := c.lookup(path); ok {
		cacheHitsTotal.Inc()
		return n, nil
	}
	cacheMissesTotal.Inc()

	if c.bannedDir(path) {
		return nil, fmt.Errorf("%s: %w", path, ErrBannedPath)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Параллельный запрос мог успеть проиндексировать каталог.
	if n, ok := c.lookup(path); ok {
		return n, nil
	}
	if err := c.indexLocked(ctx, path, false, "single"); err != nil {
		return nil, err
	}
	n, _ := c.lookup(path)
	return n, nil
}

// lookup возвращает копию узла из индекса.
func (c *Cache) lookup(path string) (*Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[path]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// GetFile ищет файл в узле родительского каталога, при необходимости
// индексируя его.
func (c *Cache) GetFile(ctx context.Context, path string) (*model.FileEntry, error) {
	path = model.CleanPath(path)
	parent, err := c.GetDirectory(ctx, model.ParentPath(path))
	if err != nil {
		return nil, err
	}
	for _, f := range parent.Files {
		if f.Path == path {
			found := f
			return &found, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
}

// UpsertFile добавляет или обновляет файл после успешной передачи.
// Если родительский каталог ещё не проиндексирован, индекс не меняется:
// файл появится при первом обращении к каталогу.
func (c *Cache) UpsertFile(entry model.FileEntry) {
	entry.Path = model.CleanPath(entry.Path)
	if entry.Name == "" {
		entry.Name = model.BaseName(entry.Path)
	}
	parentPath := model.ParentPath(entry.Path)
	if c.bannedDir(parentPath) || c.bannedFile(entry.Name) {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, ok := c.nodes[parentPath]
	if !ok {
		return
	}
	updated := parent.clone()
	replaced := false
	for i, f := range updated.Files {
		if f.Path == entry.Path {
			updated.Files[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		updated.Files = append(updated.Files, entry)
	}
	c.nodes[parentPath] = updated
	c.touchLocked()
}

// DeleteFile убирает файл из индекса. Возвращает false, если его не было.
func (c *Cache) DeleteFile(path string) bool {
	path = model.CleanPath(path)
	parentPath := model.ParentPath(path)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, ok := c.nodes[parentPath]
	if !ok {
		return false
	}
	for i, f := range parent.Files {
		if f.Path != path {
			continue
		}
		updated := parent.clone()
		updated.Files = append(updated.Files[:i], updated.Files[i+1:]...)
		c.nodes[parentPath] = updated
		c.touchLocked()
		return true
	}
	return false
}

// InsertSubdirectory добавляет новый пустой каталог.
func (c *Cache) InsertSubdirectory(entry model.DirectoryEntry) {
	entry.Path = model.CleanPath(entry.Path)
	if entry.Name == "" {
		entry.Name = model.BaseName(entry.Path)
	}
	if entry.Path == "/" || c.bannedDir(entry.Path) {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[entry.Path]; !ok {
		c.nodes[entry.Path] = &Node{Path: entry.Path}
	}
	c.linkToParentLocked(entry.Path)
	c.touchLocked()
}

// DeleteDirectory убирает каталог вместе со всем содержимым.
func (c *Cache) DeleteDirectory(path string) bool {
	path = model.CleanPath(path)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := false
	for p := range c.nodes {
		if model.IsWithin(p, path) {
			delete(c.nodes, p)
			removed = true
		}
	}
	if path == "/" {
		if removed {
			c.touchLocked()
		}
		return removed
	}

	parentPath := model.ParentPath(path)
	if parent, ok := c.nodes[parentPath]; ok {
		for i, d := range parent.Directories {
			if d.Path != path {
				continue
			}
			updated := parent.clone()
			updated.Directories = append(updated.Directories[:i], updated.Directories[i+1:]...)
			c.nodes[parentPath] = updated
			removed = true
			break
		}
	}
	if removed {
		c.touchLocked()
	}
	return removed
}

// Stats возвращает количество узлов и файлов в индексе.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Stats{Nodes: len(c.nodes)}
	for _, n := range c.nodes {
		st.Files += len(n.Files)
	}
	return st
}

// Paths возвращает отсортированные пути проиндексированных каталогов.
func (c *Cache) Paths() []string {
	c.mu.RLock()
	paths := make([]string, 0, len(c.nodes))
	for p := range c.nodes {
		paths = append(paths, p)
	}
	c.mu.RUnlock()
	sort.Strings(paths)
	return paths
}

// linkToParentLocked добавляет каталог path в узел родителя, если
// родитель проиндексирован и ещё не содержит его. Вызывается под mu.
func (c *Cache) linkToParentLocked(path string) {
	if path == "/" {
		return
	}
	parentPath := model.ParentPath(path)
	parent, ok := c.nodes[parentPath]
	if !ok {
		return
	}
	for _, d := range parent.Directories {
		if d.Path == path {
			return
		}
	}
	updated := parent.clone()
	updated.Directories = append(updated.Directories, model.DirectoryEntry{
		Name: model.BaseName(path),
		Path: path,
	})
	c.nodes[parentPath] = updated
}

// touchLocked отмечает изменение индекса и сбрасывает кэш поиска.
func (c *Cache) touchLocked() {
	c.version++
	c.searches.Purge()
}

// filter убирает из узла исключённые каталоги и файлы.
func (c *Cache) filter(n *Node) *Node {
	dirs := n.Directories[:0]
	for _, d := range n.Directories {
		if !c.bannedDir(d.Path) {
			dirs = append(dirs, d)
		}
	}
	files := n.Files[:0]
	for _, f := range n.Files {
		if !c.bannedFile(f.Name) {
			files = append(files, f)
		}
	}
	n.Directories, n.Files = dirs, files
	return n
}

func (c *Cache) bannedDir(path string) bool {
	for _, b := range c.settings.BannedDirectories {
		if b != "" && strings.Contains(path, b) {
			return true
		}
	}
	return false
}

func (c *Cache) bannedFile(name string) bool {
	for _, b := range c.settings.BannedFiles {
		if b != "" && strings.Contains(name, b) {
			return true
		}
	}
	return false
}
