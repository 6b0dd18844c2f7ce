package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/cartlink/internal/config"
	"github.com/bigkaa/cartlink/internal/domain/model"
	"github.com/bigkaa/cartlink/internal/storage/cache"
)

// countingFlusher считает вызовы FlushAll.
type countingFlusher struct {
	calls atomic.Int32
	err   error
}

func (f *countingFlusher) FlushAll() (int, error) {
	f.calls.Add(1)
	return 1, f.err
}

func TestFlushRunOnce(t *testing.T) {
	f := &countingFlusher{}
	s := NewCacheFlushService(f, time.Hour, testLogger())

	result := s.RunOnce()
	if result.Flushed != 1 || result.Err != nil {
		t.Errorf("результат: %+v", result)
	}

	f.err = errors.New("диск заполнен")
	if result := s.RunOnce(); result.Err == nil {
		t.Error("ошибка сохранения должна попасть в результат")
	}
}

func TestFlush_StartStop(t *testing.T) {
	f := &countingFlusher{}
	s := NewCacheFlushService(f, 10*time.Millisecond, testLogger())

	s.Start(context.Background())
	if !s.Running() {
		t.Error("после Start сервис должен работать")
	}
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if s.Running() {
		t.Error("после Stop сервис не должен работать")
	}
	// Тикер сработал хотя бы раз, плюс сохранение при остановке.
	if f.calls.Load() < 2 {
		t.Errorf("FlushAll вызван %d раз, ожидалось не меньше 2", f.calls.Load())
	}
}

// TestFlush_Registry проверяет сохранение реального реестра при остановке.
func TestFlush_Registry(t *testing.T) {
	dir := t.TempDir()
	reg := cache.NewRegistry(func(string) (cache.Indexer, error) {
		return nil, errors.New("устройство не подключено")
	}, cache.Options{Dir: dir, Settings: config.DefaultStorageSettings()}, testLogger())

	c := reg.Get("Ab12Cd34", model.StorageSD)
	c.InsertSubdirectory(model.DirectoryEntry{Path: "/games"})
	if !c.Dirty() {
		t.Fatal("кэш должен быть изменён")
	}

	s := NewCacheFlushService(reg, time.Hour, testLogger())
	s.Stop()

	if c.Dirty() {
		t.Error("после остановки сервиса кэш должен быть сохранён")
	}

	restored := cache.New(nil, cache.Options{
		DeviceID: "Ab12Cd34",
		Unit:     model.StorageSD,
		Dir:      dir,
	}, testLogger())
	if err := restored.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if restored.Stats().Nodes != 1 {
		t.Errorf("узлов после загрузки: %d, ожидался 1", restored.Stats().Nodes)
	}
}
