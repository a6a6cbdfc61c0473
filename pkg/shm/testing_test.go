package shm

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	internalshm "github.com/srediag/shmseg/internal/shm"
)

var testNow = time.UnixMilli(1_700_000_000_123)

const testPid = 4242

// newTestConfig returns a config on a private memory backend so tests do not
// share segments.
func newTestConfig(t testing.TB) *Config {
	t.Helper()
	mem := internalshm.NewMemoryProvider()
	cfg := DefaultConfig()
	cfg.Segments, cfg.Mutexes = mem, mem.Mutexes()
	cfg.LogOutput = io.Discard
	cfg.Now = func() time.Time { return testNow }
	cfg.Pid = testPid
	cfg.Fatal = func(err error) {
		t.Logf("fatal: %v", err)
	}
	return cfg
}

// backendConfig is newTestConfig on the given OS backend. Backends the host
// does not provide skip the test.
func backendConfig(t *testing.T, backend Backend) *Config {
	t.Helper()
	cfg := newTestConfig(t)
	if backend == BackendMemory {
		return cfg
	}
	segs, mus, err := internalshm.NewProviders(backend, t.TempDir())
	if err != nil {
		t.Skipf("%s backend: %v", backend, err)
	}
	cfg.Segments, cfg.Mutexes = segs, mus
	return cfg
}

// flakyMutexes wraps a MutexProvider and injects failures into the next
// P or V calls of every handle it opens.
type flakyMutexes struct {
	inner MutexProvider

	interruptP atomic.Int32
	interruptV atomic.Int32
	failP      atomic.Pointer[error]

	calls atomic.Int32
}

func (m *flakyMutexes) Open(key Key) (LockHandle, error) {
	h, err := m.inner.Open(key)
	if err != nil {
		return nil, err
	}
	return &flakyLock{inner: h, m: m}, nil
}

type flakyLock struct {
	inner LockHandle
	m     *flakyMutexes
}

func (l *flakyLock) P() error {
	l.m.calls.Add(1)
	if err := l.m.failP.Load(); err != nil {
		return *err
	}
	if l.m.interruptP.Add(-1) >= 0 {
		return ErrInterrupted
	}
	return l.inner.P()
}

func (l *flakyLock) V() error {
	l.m.calls.Add(1)
	if l.m.interruptV.Add(-1) >= 0 {
		return ErrInterrupted
	}
	return l.inner.V()
}

func (l *flakyLock) Close() error { return l.inner.Close() }

func newFlakyConfig(t testing.TB) (*Config, *flakyMutexes) {
	cfg := newTestConfig(t)
	fm := &flakyMutexes{inner: cfg.Mutexes}
	cfg.Mutexes = fm
	return cfg, fm
}

var errBroken = errors.New("semaphore removed")
