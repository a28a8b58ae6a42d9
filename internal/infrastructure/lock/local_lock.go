package lock

import (
	"context"
	"sync"
)

// LocalLocker is an in-process Locker for single-instance deployments and
// tests. Every key is a one-slot semaphore.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *LocalLocker) Acquire(ctx context.Context, keys []string) (Release, error) {
	keys = normalize(keys)
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			k := held[i]
			l.mu.Lock()
			s := l.slots[k]
			l.mu.Unlock()
			<-s.ch
			l.unref(k)
		}
		held = held[:0]
	}
	for _, k := range keys {
		s := l.ref(k)
		select {
		case s.ch <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			l.unref(k)
			release()
			return nil, ctx.Err()
		}
	}
	return onceRelease(release), nil
}

func (l *LocalLocker) TryAcquire(_ context.Context, key string) (Release, bool, error) {
	s := l.ref(key)
	select {
	case s.ch <- struct{}{}:
		return onceRelease(func() {
			<-s.ch
			l.unref(key)
		}), true, nil
	default:
		l.unref(key)
		return nil, false, nil
	}
}

func onceRelease(fn func()) Release {
	var once sync.Once
	return func() { once.Do(fn) }
}
