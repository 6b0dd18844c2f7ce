package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Buffer — потокобезопасный буфер принятых байт.
// Заполняется фоновым читателем, опустошается протокольным слоем.
// После CloseWithError ожидающие получают сохранённую ошибку.
type Buffer struct {
	mu   sync.Mutex
	data []byte
	err  error
}

// NewBuffer создаёт пустой буфер.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append дописывает принятые байты.
func (b *Buffer) Append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
}

// Read забирает до len(p) байт из начала буфера.
func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.data) == 0 && b.err != nil {
		return 0, b.err
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

// Len возвращает количество непрочитанных байт.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Reset отбрасывает непрочитанные байты.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
}

// CloseWithError переводит буфер в закрытое состояние.
func (b *Buffer) CloseWithError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

// Err возвращает ошибку закрытия или nil.
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Wait ждёт n байт, опрашивая буфер каждые 10 мс.
// Возвращает ErrTimeout (обёрнутый), ошибку закрытия или ошибку контекста.
func (b *Buffer) Wait(ctx context.Context, n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		b.mu.Lock()
		have, closeErr := len(b.data), b.err
		b.mu.Unlock()

		if have >= n {
			return nil
		}
		if closeErr != nil {
			return closeErr
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: ожидалось %d байт, получено %d за %s", ErrTimeout, n, have, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
