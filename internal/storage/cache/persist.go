package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bigkaa/cartlink/internal/domain/model"
)

// snapshotSuffix — суффикс файла снимка индекса.
const snapshotSuffix = ".json"

// snapshot — формат файла снимка.
type snapshot struct {
	DeviceID string            `json:"device_id"`
	Unit     model.StorageType `json:"unit"`
	SavedAt  time.Time         `json:"saved_at"`
	Nodes    []*Node           `json:"nodes"`
}

// SnapshotPath возвращает путь к снимку индекса носителя:
// <dir>/<device_id>_<unit>.json.
func SnapshotPath(dir, deviceID string, unit model.StorageType) string {
	return filepath.Join(dir, deviceID+"_"+string(unit)+snapshotSuffix)
}

// Dirty сообщает, есть ли изменения, не сохранённые на диск.
func (c *Cache) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version != c.flushed
}

// Load восстанавливает индекс из снимка. Отсутствие файла не ошибка:
// индекс остаётся пустым и заполнится с устройства.
func (c *Cache) Load() error {
	if c.file == "" {
		return nil
	}

	data, err := os.ReadFile(c.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ошибка чтения снимка %s: %w", c.file, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("ошибка десериализации снимка %s: %w", c.file, err)
	}
	if snap.DeviceID != c.deviceID || snap.Unit != c.unit {
		return fmt.Errorf("снимок %s принадлежит %s/%s", c.file, snap.DeviceID, snap.Unit)
	}

	nodes := make(map[string]*Node, len(snap.Nodes))
	for _, n := range snap.Nodes {
		if n == nil {
			continue
		}
		n.Path = model.CleanPath(n.Path)
		nodes[n.Path] = c.filter(n)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	c.nodes = nodes
	c.searches.Purge()
	c.flushed = c.version
	c.mu.Unlock()

	c.logger.Info("Индекс восстановлен из снимка",
		slog.Int("nodes", len(nodes)),
		slog.Time("saved_at", snap.SavedAt),
	)
	return nil
}

// Flush атомарно сохраняет индекс на диск, если он изменился.
// Паттерн: JSON → temp файл → fsync → atomic rename.
func (c *Cache) Flush() error {
	if c.file == "" {
		return nil
	}

	c.mu.RLock()
	if c.version == c.flushed {
		c.mu.RUnlock()
		return nil
	}
	version := c.version
	snap := snapshot{
		DeviceID: c.deviceID,
		Unit:     c.unit,
		SavedAt:  time.Now().UTC(),
		Nodes:    make([]*Node, 0, len(c.nodes)),
	}
	// Узлы не меняются на месте, только заменяются, поэтому
	// сериализовать их можно после снятия блокировки.
	for _, n := range c.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	c.mu.RUnlock()

	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].Path < snap.Nodes[j].Path })
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("ошибка сериализации снимка: %w", err)
	}

	if err := writeAtomic(c.file, data); err != nil {
		return err
	}

	c.mu.Lock()
	if c.flushed < version {
		c.flushed = version
	}
	c.mu.Unlock()

	c.logger.Debug("Снимок индекса сохранён",
		slog.String("file", c.file),
		slog.Int("bytes", len(data)),
	)
	return nil
}

// writeAtomic записывает файл через временный файл и rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}
