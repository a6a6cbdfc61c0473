/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"errors"
	"fmt"

	internalshm "github.com/srediag/shmseg/internal/shm"
)

var (
	// ErrInvalidName is returned when a segment name is empty.
	ErrInvalidName = errors.New("invalid segment name")
	// ErrInvalidCapacity is returned when a capacity cannot hold the header.
	ErrInvalidCapacity = errors.New("invalid segment capacity")
	// ErrCapacityMismatch is returned when an existing segment was created
	// with a different capacity than the one requested.
	ErrCapacityMismatch = errors.New("segment capacity mismatch")
	// ErrAlreadyAttached is returned by Attach on an attached session.
	ErrAlreadyAttached = errors.New("session already attached")
	// ErrSessionClosed is returned by Attach on a detached session.
	ErrSessionClosed = errors.New("session detached")
	// ErrNotAttached is returned by data operations before Attach or after Detach.
	ErrNotAttached = errors.New("session not attached")
	// ErrOutOfBounds is returned when offset+size exceeds the usable size.
	ErrOutOfBounds = errors.New("range exceeds usable size")
	// ErrShortSegment is returned by Read when the committed header records a
	// capacity too small for the requested range.
	ErrShortSegment = errors.New("segment shorter than requested range")
	// ErrNotLocked reports a release or unsafe access without holding the lock.
	ErrNotLocked = errors.New("lock not held by this session")
	// ErrDoubleAcquire reports an acquire while the session already holds the lock.
	ErrDoubleAcquire = errors.New("lock already held by this session")
	// ErrLengthExceedsUsable reports a commit length larger than the usable size.
	ErrLengthExceedsUsable = errors.New("valid length exceeds usable size")
	// ErrRingTooSmall is returned by Ring.Init for a zero capacity.
	ErrRingTooSmall = errors.New("ring capacity must be positive")
	// ErrRingTooLarge is returned by Ring.Init when the ring does not fit.
	ErrRingTooLarge = errors.New("ring capacity exceeds payload region")
	// ErrRingNotInitialized is returned by ring operations before Init.
	ErrRingNotInitialized = errors.New("ring not initialized")
	// ErrRingCorrupt is returned when the ring header is inconsistent.
	ErrRingCorrupt = errors.New("ring header corrupt")
	// ErrRingOverflow is returned by Push when data is larger than the ring.
	ErrRingOverflow = errors.New("data larger than ring capacity")
	// ErrRetryBudgetExhausted reports that every lock attempt was interrupted.
	ErrRetryBudgetExhausted = errors.New("lock retry budget exhausted")

	// ErrInterrupted is what providers return when a lock wait is
	// interrupted by a signal. It never reaches callers of this package.
	ErrInterrupted = internalshm.ErrInterrupted
	// ErrNotExist is returned by a handshake attach on an unknown name.
	ErrNotExist = internalshm.ErrNotExist
)

// Kind classifies an Error.
type Kind int

const (
	// KindConfiguration is an invalid name, key or size; the session is not built.
	KindConfiguration Kind = iota + 1
	// KindResource is an OS failure creating or attaching a segment or lock.
	KindResource
	// KindProtocol is API misuse. It is raised as a panic.
	KindProtocol
	// KindLockExhaustion is a lock acquire or release that could not complete.
	// It is handed to Config.Fatal.
	KindLockExhaustion
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindResource:
		return "resource"
	case KindProtocol:
		return "protocol"
	case KindLockExhaustion:
		return "lock exhaustion"
	default:
		return "unknown"
	}
}

// Error carries the kind, operation and segment name of a failure.
type Error struct {
	Kind Kind
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("shm %s: %s error: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("shm %s %q: %s error: %v", e.Op, e.Name, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func configErr(op, name string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Name: name, Err: err}
}

func resourceErr(op, name string, err error) error {
	return &Error{Kind: KindResource, Op: op, Name: name, Err: err}
}

func protocolErr(op, name string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Name: name, Err: err}
}
