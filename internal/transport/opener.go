package transport

import (
	"fmt"
	"sort"
	"sync"
)

// VirtualFactory создаёт порт, не связанный с ОС (симулятор устройства).
type VirtualFactory func() (Port, error)

// MultiOpener объединяет порты ОС и зарегистрированные виртуальные порты.
// Виртуальные порты перечисляются первыми и перекрывают одноимённые порты ОС.
type MultiOpener struct {
	base Opener

	mu      sync.RWMutex
	virtual map[string]VirtualFactory
}

// NewMultiOpener создаёт Opener поверх base. base может быть nil.
func NewMultiOpener(base Opener) *MultiOpener {
	return &MultiOpener{
		base:    base,
		virtual: make(map[string]VirtualFactory),
	}
}

// Register добавляет виртуальный порт.
func (m *MultiOpener) Register(name string, factory VirtualFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.virtual[name] = factory
}

// Open открывает виртуальный порт или делегирует в base.
func (m *MultiOpener) Open(name string) (Port, error) {
	m.mu.RLock()
	factory, ok := m.virtual[name]
	m.mu.RUnlock()

	if ok {
		return factory()
	}
	if m.base == nil {
		return nil, fmt.Errorf("%w: %s", ErrPortNotFound, name)
	}
	return m.base.Open(name)
}

// List возвращает виртуальные порты, затем порты base.
func (m *MultiOpener) List() ([]string, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.virtual))
	for name := range m.virtual {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	if m.base == nil {
		return names, nil
	}

	osPorts, err := m.base.List()
	if err != nil {
		return names, err
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	for _, n := range osPorts {
		if !seen[n] {
			names = append(names, n)
		}
	}
	return names, nil
}
