package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestBuffer_ReadDrainsInOrder проверяет FIFO-порядок чтения.
func TestBuffer_ReadDrainsInOrder(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte{1, 2, 3})
	b.Append([]byte{4})

	if b.Len() != 4 {
		t.Fatalf("ожидалось 4 байта, получено %d", b.Len())
	}

	p := make([]byte, 3)
	n, err := b.Read(p)
	if err != nil || n != 3 {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}
	if p[0] != 1 || p[2] != 3 {
		t.Errorf("неверные байты: %v", p)
	}
	if b.Len() != 1 {
		t.Errorf("ожидался 1 оставшийся байт, получено %d", b.Len())
	}
}

// TestBuffer_WaitTimeout проверяет, что ожидание ограничено по времени.
func TestBuffer_WaitTimeout(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte{1})

	start := time.Now()
	err := b.Wait(context.Background(), 2, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("ожидалась ErrTimeout, получена %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("ожидание заняло слишком много времени")
	}
}

// TestBuffer_WaitSatisfiedByLaterAppend проверяет пробуждение ожидающего.
func TestBuffer_WaitSatisfiedByLaterAppend(t *testing.T) {
	b := NewBuffer()
	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Append([]byte{1, 2})
	}()

	if err := b.Wait(context.Background(), 2, time.Second); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
}

// TestBuffer_WaitReturnsCloseError проверяет, что закрытый буфер не ждёт до таймаута.
func TestBuffer_WaitReturnsCloseError(t *testing.T) {
	b := NewBuffer()
	b.CloseWithError(ErrPortClosed)

	err := b.Wait(context.Background(), 1, time.Minute)
	if !errors.Is(err, ErrPortClosed) {
		t.Fatalf("ожидалась ErrPortClosed, получена %v", err)
	}

	_, err = b.Read(make([]byte, 1))
	if !errors.Is(err, ErrPortClosed) {
		t.Errorf("Read после закрытия: ожидалась ErrPortClosed, получена %v", err)
	}
}

// TestBuffer_WaitCancelled проверяет отмену через контекст.
func TestBuffer_WaitCancelled(t *testing.T) {
	b := NewBuffer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.Wait(ctx, 1, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидалась context.Canceled, получена %v", err)
	}
}

// TestMultiOpener_VirtualFirst проверяет порядок и открытие виртуальных портов.
func TestMultiOpener_VirtualFirst(t *testing.T) {
	m := NewMultiOpener(nil)
	opened := false
	m.Register("SIM0", func() (Port, error) {
		opened = true
		return nil, nil
	})

	names, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != "SIM0" {
		t.Errorf("ожидался [SIM0], получено %v", names)
	}

	if _, err := m.Open("SIM0"); err != nil || !opened {
		t.Errorf("виртуальный порт не открыт: %v", err)
	}
	if _, err := m.Open("COM9"); !errors.Is(err, ErrPortNotFound) {
		t.Errorf("ожидалась ErrPortNotFound, получена %v", err)
	}
}
