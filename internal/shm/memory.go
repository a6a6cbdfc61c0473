package shm

import (
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// MemoryProvider keeps segments and locks in process memory. Every handle
// opened for the same key sees the same bytes and contends on the same lock,
// which makes it a faithful stand-in for the OS backends inside one process.
type MemoryProvider struct {
	segments cmap.ConcurrentMap[string, *memSegment]
	locks    cmap.ConcurrentMap[string, chan struct{}]
}

type memSegment struct {
	data []byte
}

// NewMemoryProvider returns an empty provider. Its locks are reached through
// Mutexes.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		segments: cmap.New[*memSegment](),
		locks:    cmap.New[chan struct{}](),
	}
}

func (p *MemoryProvider) CreateOrOpen(key Key, size int) (SegmentHandle, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid segment size %d", size)
	}
	seg := p.segments.Upsert(key.String(), nil, func(exist bool, cur, _ *memSegment) *memSegment {
		if exist {
			return cur
		}
		return &memSegment{data: make([]byte, size)}
	})
	if len(seg.data) < size {
		return nil, fmt.Errorf("key %s: %w (have %d, want %d)", key, ErrTooSmall, len(seg.data), size)
	}
	return &handle{key: key, size: size}, nil
}

func (p *MemoryProvider) Open(key Key, size int) (SegmentHandle, error) {
	seg, ok := p.segments.Get(key.String())
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, ErrNotExist)
	}
	if len(seg.data) < size {
		return nil, fmt.Errorf("key %s: %w (have %d, want %d)", key, ErrTooSmall, len(seg.data), size)
	}
	return &handle{key: key, size: size}, nil
}

func (p *MemoryProvider) Map(h SegmentHandle) ([]byte, error) {
	seg, ok := p.segments.Get(h.Key().String())
	if !ok {
		return nil, fmt.Errorf("key %s: %w", h.Key(), ErrNotExist)
	}
	return seg.data[:h.Size():h.Size()], nil
}

// Unmap is a no-op: the memory lives as long as the provider.
func (p *MemoryProvider) Unmap(mem []byte) error {
	return nil
}

// Mutexes returns the MutexProvider sharing this provider's lock registry.
func (p *MemoryProvider) Mutexes() MutexProvider {
	return memoryMutexes{p}
}

type memoryMutexes struct {
	p *MemoryProvider
}

func (m memoryMutexes) Open(key Key) (LockHandle, error) {
	ch := m.p.locks.Upsert(key.String(), nil, func(exist bool, cur, _ chan struct{}) chan struct{} {
		if exist {
			return cur
		}
		return make(chan struct{}, 1)
	})
	return &memLock{sem: ch}, nil
}

// Remove forgets the segment and lock for key.
func (p *MemoryProvider) Remove(key Key) error {
	p.segments.Remove(key.String())
	p.locks.Remove(key.String())
	return nil
}

// memLock is a binary semaphore: a token in the channel means "held".
type memLock struct {
	sem chan struct{}
}

func (l *memLock) P() error {
	l.sem <- struct{}{}
	return nil
}

func (l *memLock) V() error {
	select {
	case <-l.sem:
		return nil
	default:
		return fmt.Errorf("release of unheld memory lock")
	}
}

func (l *memLock) Close() error { return nil }
