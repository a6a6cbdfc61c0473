//go:build linux && (amd64 || arm64)

package shm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const sysvAvailable = true

// semop/semctl constants from <sys/sem.h>.
const (
	semUndo   = 0x1000
	semGetVal = 12
	semSetVal = 16
	ipcPerm   = 0o666
)

// sembuf mirrors struct sembuf.
type sembuf struct {
	num uint16
	op  int16
	flg int16
}

// sysvSegments maps System V shared memory segments (shmget/shmat).
type sysvSegments struct{}

// sysvMutexes uses a single SysV semaphore per key as a binary lock.
// SEM_UNDO makes the kernel release the lock if the holder dies.
type sysvMutexes struct{}

type sysvHandle struct {
	handle
	id int
}

func newSysVProviders() (SegmentProvider, MutexProvider, error) {
	return sysvSegments{}, sysvMutexes{}, nil
}

func (sysvSegments) CreateOrOpen(key Key, size int) (SegmentHandle, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid segment size %d", size)
	}
	id, err := unix.SysvShmGet(int(key), size, unix.IPC_CREAT|ipcPerm)
	if err != nil {
		if errors.Is(err, unix.EINVAL) {
			return nil, fmt.Errorf("shmget key %s size %d: %w: %w", key, size, ErrTooSmall, err)
		}
		return nil, fmt.Errorf("shmget key %s: %w", key, err)
	}
	return &sysvHandle{handle: handle{key: key, size: size}, id: id}, nil
}

func (sysvSegments) Open(key Key, size int) (SegmentHandle, error) {
	id, err := unix.SysvShmGet(int(key), size, ipcPerm)
	if err != nil {
		switch {
		case errors.Is(err, unix.ENOENT):
			return nil, fmt.Errorf("key %s: %w", key, ErrNotExist)
		case errors.Is(err, unix.EINVAL):
			return nil, fmt.Errorf("shmget key %s size %d: %w: %w", key, size, ErrTooSmall, err)
		}
		return nil, fmt.Errorf("shmget key %s: %w", key, err)
	}
	return &sysvHandle{handle: handle{key: key, size: size}, id: id}, nil
}

func (sysvSegments) Map(h SegmentHandle) ([]byte, error) {
	sh, ok := h.(*sysvHandle)
	if !ok {
		return nil, fmt.Errorf("map: foreign handle for key %s", h.Key())
	}
	mem, err := unix.SysvShmAttach(sh.id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shmat: %w", err)
	}
	if len(mem) < sh.size {
		_ = unix.SysvShmDetach(mem)
		return nil, fmt.Errorf("shmat key %s: %w", sh.key, ErrTooSmall)
	}
	return mem[:sh.size:sh.size], nil
}

func (sysvSegments) Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.SysvShmDetach(mem); err != nil {
		return fmt.Errorf("shmdt: %w", err)
	}
	return nil
}

// Remove marks the segment for destruction (it disappears once the last
// process detaches) and removes the semaphore immediately.
func (sysvSegments) Remove(key Key) error {
	var errs []error
	if id, err := unix.SysvShmGet(int(key), 0, 0); err == nil {
		if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil {
			errs = append(errs, fmt.Errorf("shmctl IPC_RMID: %w", err))
		}
	} else if !errors.Is(err, unix.ENOENT) {
		errs = append(errs, fmt.Errorf("shmget key %s: %w", key, err))
	}
	if id, _, errno := unix.Syscall(unix.SYS_SEMGET, uintptr(key), 1, 0); errno == 0 {
		if _, _, errno := unix.Syscall6(unix.SYS_SEMCTL, id, 0, unix.IPC_RMID, 0, 0, 0); errno != 0 {
			errs = append(errs, fmt.Errorf("semctl IPC_RMID: %w", errno))
		}
	} else if errno != unix.ENOENT {
		errs = append(errs, fmt.Errorf("semget key %s: %w", key, errno))
	}
	return errors.Join(errs...)
}

func (sysvMutexes) Open(key Key) (LockHandle, error) {
	// Whoever creates the semaphore sets it to 1. A process that opens it
	// before that blocks in P until the creator's SETVAL releases it.
	id, _, errno := unix.Syscall(unix.SYS_SEMGET, uintptr(key), 1, uintptr(unix.IPC_CREAT|unix.IPC_EXCL|ipcPerm))
	switch {
	case errno == 0:
		if _, _, errno := unix.Syscall6(unix.SYS_SEMCTL, id, 0, semSetVal, 1, 0, 0); errno != 0 {
			return nil, fmt.Errorf("semctl SETVAL: %w", errno)
		}
	case errno == unix.EEXIST:
		id, _, errno = unix.Syscall(unix.SYS_SEMGET, uintptr(key), 1, ipcPerm)
		if errno != 0 {
			return nil, fmt.Errorf("semget key %s: %w", key, errno)
		}
	default:
		return nil, fmt.Errorf("semget key %s: %w", key, errno)
	}
	return &semHandle{id: int(id)}, nil
}

type semHandle struct {
	id int
}

func (s *semHandle) P() error {
	return s.op(-1)
}

func (s *semHandle) V() error {
	return s.op(1)
}

func (s *semHandle) op(delta int16) error {
	b := sembuf{num: 0, op: delta, flg: semUndo}
	_, _, errno := unix.Syscall(unix.SYS_SEMOP, uintptr(s.id), uintptr(unsafe.Pointer(&b)), 1)
	switch errno {
	case 0:
		return nil
	case unix.EINTR:
		return ErrInterrupted
	default:
		return fmt.Errorf("semop %+d: %w", delta, errno)
	}
}

// value reads the semaphore count; 1 means free.
func (s *semHandle) value() (int, error) {
	v, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(s.id), 0, semGetVal, 0, 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("semctl GETVAL: %w", errno)
	}
	return int(v), nil
}

// Close is a no-op: SysV semaphores have no per-process handle.
func (s *semHandle) Close() error { return nil }
