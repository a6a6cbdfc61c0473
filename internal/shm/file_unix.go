//go:build unix

package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// fileSegments backs each key with a regular file, normally under /dev/shm,
// mapped MAP_SHARED into every attaching process.
type fileSegments struct {
	dir string
}

// fileMutexes locks a sibling file with flock(2). Each handle owns its own
// open file description, so two handles in one process also exclude each other.
type fileMutexes struct {
	dir string
}

type fileHandle struct {
	handle
	f *os.File
}

func newFileProviders(dir string) (SegmentProvider, MutexProvider, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, nil, fmt.Errorf("segment dir %s: %w", dir, err)
	}
	return &fileSegments{dir: dir}, &fileMutexes{dir: dir}, nil
}

func segmentPath(dir string, key Key) string {
	return filepath.Join(dir, fmt.Sprintf("shmseg-%08x.seg", uint32(key)))
}

func lockPath(dir string, key Key) string {
	return filepath.Join(dir, fmt.Sprintf("shmseg-%08x.lock", uint32(key)))
}

func (p *fileSegments) CreateOrOpen(key Key, size int) (SegmentHandle, error) {
	return p.open(key, size, true)
}

func (p *fileSegments) Open(key Key, size int) (SegmentHandle, error) {
	return p.open(key, size, false)
}

func (p *fileSegments) open(key Key, size int, create bool) (SegmentHandle, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid segment size %d", size)
	}
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	path := segmentPath(p.dir, key)
	f, err := os.OpenFile(path, flags, 0o666)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("key %s: %w", key, ErrNotExist)
		}
		return nil, fmt.Errorf("open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.Size() < int64(size) {
		if !create {
			_ = f.Close()
			return nil, fmt.Errorf("key %s: %w (have %d, want %d)", key, ErrTooSmall, info.Size(), size)
		}
		// Growing only extends with zeroes, so a racing creator is harmless.
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("ftruncate: %w", err)
		}
	}
	return &fileHandle{handle: handle{key: key, size: size}, f: f}, nil
}

func (p *fileSegments) Map(h SegmentHandle) ([]byte, error) {
	fh, ok := h.(*fileHandle)
	if !ok || fh.f == nil {
		return nil, fmt.Errorf("map: foreign or consumed handle for key %s", h.Key())
	}
	defer func() {
		// The mapping stays valid after the descriptor is closed.
		_ = fh.f.Close()
		fh.f = nil
	}()
	addr, err := unix.Mmap(int(fh.f.Fd()), 0, fh.size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return addr, nil
}

func (p *fileSegments) Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// Remove deletes the segment and lock files. Existing mappings stay valid.
func (p *fileSegments) Remove(key Key) error {
	var errs []error
	for _, path := range []string{segmentPath(p.dir, key), lockPath(p.dir, key)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *fileMutexes) Open(key Key) (LockHandle, error) {
	f, err := os.OpenFile(lockPath(m.dir, key), os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open lock: %w", err)
	}
	return &flockHandle{f: f}, nil
}

type flockHandle struct {
	f *os.File
}

func (l *flockHandle) P() error {
	return flockErr(unix.Flock(int(l.f.Fd()), unix.LOCK_EX))
}

func (l *flockHandle) V() error {
	return flockErr(unix.Flock(int(l.f.Fd()), unix.LOCK_UN))
}

func (l *flockHandle) Close() error {
	return l.f.Close()
}

func flockErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EINTR) {
		return ErrInterrupted
	}
	return fmt.Errorf("flock: %w", err)
}
