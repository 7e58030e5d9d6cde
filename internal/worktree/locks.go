package worktree

import (
	"context"
	"slices"
	"sync"
)

// PathLocks is a keyed mutex. Every writer under the workspace root takes
// the lock for the path it mutates. A holder of one key must not wait for
// another; callers needing several keys take them together with LockAll.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	sem  chan struct{}
	refs int
}

// NewPathLocks creates an empty lock table.
func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*pathLock)}
}

func (p *PathLocks) ref(key string) *pathLock {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[key]
	if !ok {
		l = &pathLock{sem: make(chan struct{}, 1)}
		p.locks[key] = l
	}
	l.refs++
	return l
}

func (p *PathLocks) unref(key string, l *pathLock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(p.locks, key)
	}
}

// Lock blocks until key is free and returns the unlock function.
func (p *PathLocks) Lock(key string) (unlock func()) {
	unlock, _ = p.LockContext(context.Background(), key)
	return unlock
}

// LockContext is Lock that gives up when ctx is done.
func (p *PathLocks) LockContext(ctx context.Context, key string) (unlock func(), err error) {
	l := p.ref(key)
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		p.unref(key, l)
		return nil, ctx.Err()
	}
	return func() {
		<-l.sem
		p.unref(key, l)
	}, nil
}

// LockAll takes every key in sorted order, so two callers asking for
// overlapping sets cannot deadlock. On ctx cancellation the keys taken so
// far are released.
func (p *PathLocks) LockAll(ctx context.Context, keys ...string) (unlock func(), err error) {
	sorted := slices.Compact(slices.Sorted(slices.Values(keys)))
	held := make([]func(), 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, key := range sorted {
		u, err := p.LockContext(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, u)
	}
	return release, nil
}

// Len returns the number of keys currently held or awaited.
func (p *PathLocks) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
