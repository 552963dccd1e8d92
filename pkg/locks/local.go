package locks

import (
	"context"
	"sync"
	"time"
)

// LocalLocker serializes keys within one process. Use it for single-worker
// deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*localSlot
	wait  time.Duration
}

type localSlot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an in-process locker. wait bounds how long WithLock
// blocks on a held key; zero fails immediately with ErrBusy.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{slots: make(map[string]*localSlot), wait: wait}
}

var _ Locker = (*LocalLocker)(nil)

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	slot := l.ref(key)
	defer l.unref(key)

	if err := l.acquire(ctx, slot); err != nil {
		return err
	}
	defer func() { <-slot.ch }()

	return fn(ctx)
}

func (l *LocalLocker) acquire(ctx context.Context, slot *localSlot) error {
	select {
	case slot.ch <- struct{}{}:
		return nil
	default:
	}
	if l.wait <= 0 {
		return ErrBusy
	}

	t := time.NewTimer(l.wait)
	defer t.Stop()
	select {
	case slot.ch <- struct{}{}:
		return nil
	case <-t.C:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *LocalLocker) ref(key string) *localSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &localSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (l *LocalLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot := l.slots[key]
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}
