// Package shm contains the operating-system backends that create and map
// shared memory segments and open the cross-process locks that guard them.
//
// Three backends are provided:
//   - sysv: System V shared memory and a SysV semaphore (linux amd64/arm64)
//   - file: a file mapped with mmap and locked with flock (any unix)
//   - memory: process-local segments, useful for tests and embedding
package shm

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Key names both a segment and its lock. Cooperating processes derive the
// same Key from the same name.
type Key int32

func (k Key) String() string {
	return "0x" + strconv.FormatUint(uint64(uint32(k)), 16)
}

// Backend selects a provider pair.
type Backend string

const (
	BackendSysV   Backend = "sysv"
	BackendFile   Backend = "file"
	BackendMemory Backend = "memory"
)

var (
	// ErrInterrupted is returned by LockHandle.P and LockHandle.V when the
	// wait was interrupted by a signal. Callers retry.
	ErrInterrupted = errors.New("lock operation interrupted")
	// ErrUnsupported is returned when a backend is not available on this platform.
	ErrUnsupported = errors.New("backend not supported on this platform")
	// ErrNotExist is returned by Open when the segment has not been created.
	ErrNotExist = errors.New("segment does not exist")
	// ErrTooSmall is returned when an existing segment is smaller than requested.
	ErrTooSmall = errors.New("segment smaller than requested size")
)

// SegmentHandle identifies a created or opened segment until it is mapped.
type SegmentHandle interface {
	Key() Key
	Size() int
}

// SegmentProvider creates, opens and maps shared memory segments.
type SegmentProvider interface {
	// CreateOrOpen creates the segment for key if needed and returns a handle
	// able to map at least size bytes.
	CreateOrOpen(key Key, size int) (SegmentHandle, error)
	// Open is like CreateOrOpen but fails with ErrNotExist instead of creating.
	Open(key Key, size int) (SegmentHandle, error)
	// Map maps the segment into the process. The returned slice has exactly
	// h.Size() bytes.
	Map(h SegmentHandle) ([]byte, error)
	// Unmap releases a mapping returned by Map. The segment itself survives.
	Unmap(mem []byte) error
}

// LockHandle is one process's handle on a cross-process exclusive lock.
type LockHandle interface {
	// P blocks until the lock is held. It returns ErrInterrupted when the wait
	// was interrupted before the lock was taken.
	P() error
	// V releases the lock. It returns ErrInterrupted when the release must be
	// retried.
	V() error
	// Close drops the handle without destroying the lock.
	Close() error
}

// MutexProvider opens the lock named by a Key, creating it when needed.
type MutexProvider interface {
	Open(key Key) (LockHandle, error)
}

// Remover destroys the OS objects behind a key. Backends implement it
// optionally; mapped sessions keep working until they detach.
type Remover interface {
	Remove(key Key) error
}

// sharedMemory backs BackendMemory so that every session of the process
// selecting it sees the same segments.
var sharedMemory = NewMemoryProvider()

type handle struct {
	key  Key
	size int
}

func (h *handle) Key() Key  { return h.key }
func (h *handle) Size() int { return h.size }

// NewProviders returns the segment and mutex providers for backend. dir is
// only used by the file backend; an empty dir selects /dev/shm or the
// temporary directory.
func NewProviders(backend Backend, dir string) (SegmentProvider, MutexProvider, error) {
	switch backend {
	case BackendSysV:
		return newSysVProviders()
	case BackendFile:
		return newFileProviders(dir)
	case BackendMemory:
		return sharedMemory, sharedMemory.Mutexes(), nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// DefaultBackend is sysv where it is implemented, file elsewhere.
func DefaultBackend() Backend {
	if sysvAvailable {
		return BackendSysV
	}
	return BackendFile
}

// DefaultDir is the directory used by the file backend when none is given.
func DefaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}
