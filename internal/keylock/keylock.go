// Package keylock provides an in-process mutex keyed by an arbitrary string.
//
// Waiters on the same key are served in arrival order. Entries are
// reference counted and dropped as soon as no holder or waiter remains, so
// the key space does not grow with the number of distinct keys ever used.
// The lock is local to one process and gives no guarantee across instances.
package keylock

import (
	"errors"
	"sync"
	"time"
)

var ErrLockBusy = errors.New("keylock: lock busy")

type entry struct {
	held    bool
	waiters []chan struct{}
	refs    int
}

type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// WithLock runs fn while holding key. If the lock cannot be acquired within
// timeout, ErrLockBusy is returned and fn is not called. A timeout <= 0
// only succeeds if the key is free.
func (l *Locker) WithLock(key string, timeout time.Duration, fn func() error) error {
	if err := l.acquire(key, timeout); err != nil {
		return err
	}
	defer l.release(key)

	return fn()
}

// Do is WithLock for functions that produce a value.
func Do[T any](l *Locker, key string, timeout time.Duration, fn func() (T, error)) (T, error) {
	var res T
	err := l.WithLock(key, timeout, func() error {
		var err error
		res, err = fn()
		return err
	})
	return res, err
}

// Wrap returns fn guarded by the lock named by keyFn(arg).
func Wrap[A, T any](l *Locker, keyFn func(A) string, timeout time.Duration, fn func(A) (T, error)) func(A) (T, error) {
	return func(arg A) (T, error) {
		return Do(l, keyFn(arg), timeout, func() (T, error) {
			return fn(arg)
		})
	}
}

// Len reports how many keys are currently tracked.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locker) acquire(key string, timeout time.Duration) error {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.refs++

	if !e.held && len(e.waiters) == 0 {
		e.held = true
		l.mu.Unlock()
		return nil
	}

	if timeout <= 0 {
		l.dropRef(key, e)
		l.mu.Unlock()
		return ErrLockBusy
	}

	ready := make(chan struct{})
	e.waiters = append(e.waiters, ready)
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-timer.C:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i, w := range e.waiters {
		if w == ready {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			l.dropRef(key, e)
			return ErrLockBusy
		}
	}

	// ownership was handed over while the timer fired; pass it on
	l.handOff(key, e)
	return ErrLockBusy
}

func (l *Locker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		panic("keylock: release of unknown key " + key)
	}
	l.handOff(key, e)
}

// handOff gives the lock to the oldest waiter, or frees it. Must be called
// with l.mu held by the current owner.
func (l *Locker) handOff(key string, e *entry) {
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters[0] = nil
		e.waiters = e.waiters[1:]
		close(next)
	} else {
		e.held = false
	}
	l.dropRef(key, e)
}

func (l *Locker) dropRef(key string, e *entry) {
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
