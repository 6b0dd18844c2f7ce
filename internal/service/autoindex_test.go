package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/cartlink/internal/config"
	"github.com/bigkaa/cartlink/internal/device"
	"github.com/bigkaa/cartlink/internal/domain/connstate"
	"github.com/bigkaa/cartlink/internal/domain/model"
	"github.com/bigkaa/cartlink/internal/protocol"
	"github.com/bigkaa/cartlink/internal/storage/cache"
)

// flatIndexer отдаёт корень с одним файлом и считает обходы.
type flatIndexer struct {
	calls atomic.Int32
}

func (f *flatIndexer) ListDirectory(_ context.Context, _ model.StorageType, path string, _ bool) ([]*protocol.DirectoryContent, error) {
	f.calls.Add(1)
	return []*protocol.DirectoryContent{{
		Path:  "/",
		Files: []model.FileEntry{{Name: "Zork.prg", Path: "/Zork.prg", Size: 4}},
	}}, nil
}

type staticDevices []model.Device

func (s staticDevices) ConnectedDevices() []model.Device { return s }

func newTestRegistry(t *testing.T, idx cache.Indexer) *cache.Registry {
	t.Helper()
	return cache.NewRegistry(func(string) (cache.Indexer, error) { return idx, nil },
		cache.Options{Dir: t.TempDir(), Settings: config.DefaultStorageSettings()}, testLogger())
}

func TestAutoIndex_IndexDevice(t *testing.T) {
	idx := &flatIndexer{}
	reg := newTestRegistry(t, idx)
	devices := staticDevices{{
		DeviceID: "Ab12Cd34",
		SD:       model.StorageUnit{Type: model.StorageSD, Available: true},
		USB:      model.StorageUnit{Type: model.StorageUSB, Available: false},
	}}
	s := NewAutoIndexService(device.NewBroker(), devices, reg, testLogger())

	if n := s.IndexDevice(context.Background(), "Ab12Cd34"); n != 1 {
		t.Fatalf("проиндексировано носителей: %d, ожидался 1", n)
	}
	if st := reg.Get("Ab12Cd34", model.StorageSD).Stats(); st.Files != 1 {
		t.Errorf("файлов в индексе SD: %d", st.Files)
	}
	if st := reg.Get("Ab12Cd34", model.StorageUSB).Stats(); st.Nodes != 0 {
		t.Error("недоступный USB не должен индексироваться")
	}

	// Повторное подключение при заполненном индексе не вызывает обход.
	if n := s.IndexDevice(context.Background(), "Ab12Cd34"); n != 0 {
		t.Errorf("повторная индексация: %d", n)
	}
	if idx.calls.Load() != 1 {
		t.Errorf("обходов: %d, ожидался 1", idx.calls.Load())
	}

	if n := s.IndexDevice(context.Background(), "Zz99Yy88"); n != 0 {
		t.Error("неизвестное устройство не индексируется")
	}
}

func TestAutoIndex_ReactsOnlyToRegistration(t *testing.T) {
	idx := &flatIndexer{}
	reg := newTestRegistry(t, idx)
	broker := device.NewBroker()
	devices := staticDevices{{
		DeviceID: "Ab12Cd34",
		SD:       model.StorageUnit{Type: model.StorageSD, Available: true},
	}}
	s := NewAutoIndexService(broker, devices, reg, testLogger())
	s.Start(context.Background())
	defer s.Stop()

	// Переподключение: From задан, индексации нет.
	broker.Publish(device.DeviceEvent{
		DeviceID: "Ab12Cd34",
		Kind:     device.EventStateChanged,
		From:     connstate.StateConnectionLost,
		State:    connstate.StateConnected,
	})
	// Регистрация в реестре.
	broker.Publish(device.DeviceEvent{
		DeviceID: "Ab12Cd34",
		Kind:     device.EventStateChanged,
		State:    connstate.StateConnected,
	})

	deadline := time.Now().Add(2 * time.Second)
	for reg.Get("Ab12Cd34", model.StorageSD).Stats().Files == 0 {
		if time.Now().After(deadline) {
			t.Fatal("носитель не проиндексирован за 2с")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if idx.calls.Load() != 1 {
		t.Errorf("обходов: %d, ожидался 1", idx.calls.Load())
	}
}

func TestAutoIndex_StopUnsubscribes(t *testing.T) {
	broker := device.NewBroker()
	s := NewAutoIndexService(broker, staticDevices{}, newTestRegistry(t, &flatIndexer{}), testLogger())

	s.Start(context.Background())
	s.Start(context.Background())
	if broker.Count() != 1 {
		t.Errorf("подписчиков: %d, ожидался 1", broker.Count())
	}
	s.Stop()
	s.Stop()
	if broker.Count() != 0 {
		t.Errorf("после Stop подписчиков: %d", broker.Count())
	}
}
