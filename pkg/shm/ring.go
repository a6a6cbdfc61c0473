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
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// Ring treats a session's payload as a circular byte log: a RingHeader
// followed by BufferCapacity bytes that Push overwrites oldest-first. There
// is no read cursor; readers take a Snapshot and order it themselves.
type Ring struct {
	s *Session
}

// NewRing returns a ring view over s. s must stay attached while the ring is
// in use.
func NewRing(s *Session) *Ring {
	return &Ring{s: s}
}

// Session returns the underlying session.
func (r *Ring) Session() *Session { return r.s }

// Init writes a fresh ring header with the given capacity and a zero cursor.
// It commits length RingHeaderSize.
func (r *Ring) Init(bufferCapacity uint32) (err error) {
	s := r.s
	if err = s.checkAttached("ring init"); err != nil {
		return err
	}
	defer func() { s.metrics.observe("ring_init", 0, err) }()
	if bufferCapacity == 0 {
		return fmt.Errorf("ring init %q: %w", s.name, ErrRingTooSmall)
	}
	if s.usable < RingHeaderSize || bufferCapacity > s.usable-RingHeaderSize {
		return fmt.Errorf("ring init %q: %d bytes with usable size %d: %w",
			s.name, bufferCapacity, s.usable, ErrRingTooLarge)
	}
	s.acquire("ring init")
	defer s.release("ring init")
	var hdr [RingHeaderSize]byte
	EncodeRingHeader(hdr[:], RingHeader{BufferCapacity: bufferCapacity})
	return s.UnsafeWrite(0, hdr[:])
}

// Push appends data at the write cursor, wrapping at the end of the ring,
// and commits length BufferCapacity. Data longer than the ring is rejected.
func (r *Ring) Push(data []byte) (err error) {
	s := r.s
	if err = s.checkAttached("push"); err != nil {
		return err
	}
	defer func() { s.metrics.observe("push", len(data), err) }()
	s.acquire("push")
	defer s.release("push")

	rh, err := r.unsafeHeader()
	if err != nil {
		return err
	}
	if uint64(len(data)) > uint64(rh.BufferCapacity) {
		return fmt.Errorf("push %d bytes to %q with ring capacity %d: %w",
			len(data), s.name, rh.BufferCapacity, ErrRingOverflow)
	}
	ring := s.payload()[RingHeaderSize : RingHeaderSize+rh.BufferCapacity]
	n := uint32(len(data))
	if first := rh.BufferCapacity - rh.WriteCursor; n > first {
		copy(ring[rh.WriteCursor:], data[:first])
		copy(ring, data[first:])
	} else {
		copy(ring[rh.WriteCursor:], data)
	}
	rh.WriteCursor = uint32((uint64(rh.WriteCursor) + uint64(n)) % uint64(rh.BufferCapacity))
	EncodeRingHeader(s.payload(), rh)
	s.commit(rh.BufferCapacity)
	return nil
}

// Header returns the ring header under the lock.
func (r *Ring) Header() (RingHeader, error) {
	s := r.s
	if err := s.checkAttached("ring header"); err != nil {
		return RingHeader{}, err
	}
	s.acquire("ring header")
	defer s.release("ring header")
	return r.unsafeHeader()
}

// Snapshot copies the segment header, ring header and ring data in one
// critical section.
func (r *Ring) Snapshot() (snap RingSnapshot, err error) {
	s := r.s
	if err = s.checkAttached("ring snapshot"); err != nil {
		return snap, err
	}
	defer func() { s.metrics.observe("snapshot", len(snap.Data), err) }()
	s.acquire("ring snapshot")
	defer s.release("ring snapshot")

	rh, err := r.unsafeHeader()
	if err != nil {
		return snap, err
	}
	snap.Header = s.UnsafeHeaderSnapshot()
	snap.Ring = rh
	snap.Data = make([]byte, rh.BufferCapacity)
	copy(snap.Data, s.payload()[RingHeaderSize:])
	return snap, nil
}

// unsafeHeader decodes and validates the ring header. The lock must be held.
func (r *Ring) unsafeHeader() (RingHeader, error) {
	s := r.s
	if s.usable < RingHeaderSize {
		return RingHeader{}, fmt.Errorf("ring %q: usable size %d: %w", s.name, s.usable, ErrRingNotInitialized)
	}
	rh := DecodeRingHeader(s.payload())
	switch {
	case rh.BufferCapacity == 0:
		return rh, fmt.Errorf("ring %q: %w", s.name, ErrRingNotInitialized)
	case rh.BufferCapacity > s.usable-RingHeaderSize:
		return rh, fmt.Errorf("ring %q: capacity %d with usable size %d: %w",
			s.name, rh.BufferCapacity, s.usable, ErrRingCorrupt)
	case rh.WriteCursor >= rh.BufferCapacity:
		return rh, fmt.Errorf("ring %q: cursor %d with capacity %d: %w",
			s.name, rh.WriteCursor, rh.BufferCapacity, ErrRingCorrupt)
	}
	return rh, nil
}

// RingSnapshot is a consistent copy of a ring.
type RingSnapshot struct {
	Header Header
	Ring   RingHeader
	// Data is the raw ring region; Data[Ring.WriteCursor] is the oldest byte
	// once the ring has wrapped.
	Data []byte
}

// Ordered returns the ring contents oldest byte first.
func (rs RingSnapshot) Ordered() []byte {
	c := rs.cursor()
	out := make([]byte, 0, len(rs.Data))
	out = append(out, rs.Data[c:]...)
	return append(out, rs.Data[:c]...)
}

// WriteTo writes the ring contents oldest byte first in a single Write.
func (rs RingSnapshot) WriteTo(w io.Writer) (int64, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	c := rs.cursor()
	_, _ = buf.Write(rs.Data[c:])
	_, _ = buf.Write(rs.Data[:c])
	return buf.WriteTo(w)
}

func (rs RingSnapshot) cursor() uint32 {
	if int(rs.Ring.WriteCursor) > len(rs.Data) {
		return 0
	}
	return rs.Ring.WriteCursor
}
