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
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmseg/internal/logging"
	internalshm "github.com/srediag/shmseg/internal/shm"
)

type sessionState int

const (
	stateUnattached sessionState = iota
	stateAttached
	stateDetached
)

// Session is one process's attachment to a named segment. It owns the
// mapping and a handle on the segment's lock.
//
// A Session is not safe for concurrent use: the cross-process lock protects
// the shared memory, not this struct. Give each goroutine its own Session.
type Session struct {
	cfg     *Config
	log     *logging.Logger
	tracer  trace.Tracer
	metrics *sessionMetrics

	name     string
	key      Key
	capacity uint32
	usable   uint32
	mapping  []byte // as returned by the provider, for Unmap
	mem      []byte // mapping[:capacity]
	lock     *lockManager
	locked   bool
	state    sessionState
}

// NewSession returns an unattached session. A nil cfg means DefaultConfig().
func NewSession(cfg *Config) (*Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, configErr("new session", "", err)
	}
	c, err := cfg.resolve()
	if err != nil {
		return nil, resourceErr("new session", "", err)
	}
	return &Session{
		cfg:    c,
		log:    c.logger("shm"),
		tracer: tracerFor(c),
	}, nil
}

// Open is NewSession followed by Attach.
func Open(name string, capacity uint32, cfg *Config) (*Session, error) {
	s, err := NewSession(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Attach(name, capacity); err != nil {
		return nil, err
	}
	return s, nil
}

// Attach maps the segment called name. A non-zero capacity creates the
// segment if needed and must match the capacity it was created with. A zero
// capacity performs a handshake: it maps just the header of an existing
// segment, reads the agreed capacity, and attaches at that size.
func (s *Session) Attach(name string, capacity uint32) (err error) {
	_, span := s.tracer.Start(context.Background(), "shm.Attach", trace.WithAttributes(
		attribute.String("segment", name),
		attribute.Int64("capacity", int64(capacity)),
	))
	defer func() { endSpan(span, err) }()

	switch s.state {
	case stateAttached:
		return configErr("attach", name, ErrAlreadyAttached)
	case stateDetached:
		return configErr("attach", name, ErrSessionClosed)
	}
	key, err := DeriveKey(name)
	if err != nil {
		return err
	}
	if s.metrics == nil || s.metrics.segment != name {
		if s.metrics, err = newSessionMetrics(s.cfg, name); err != nil {
			return configErr("attach", name, err)
		}
	}
	s.name = name

	create := true
	if capacity == 0 {
		if capacity, err = s.probeCapacity(key); err != nil {
			return err
		}
		create = false
	}
	if capacity <= HeaderSize {
		return configErr("attach", name, fmt.Errorf("%w: %d must exceed the %d byte header",
			ErrInvalidCapacity, capacity, HeaderSize))
	}
	return s.attach(key, capacity, create)
}

func (s *Session) attach(key Key, capacity uint32, create bool) error {
	segs := s.cfg.Segments
	var (
		h   SegmentHandle
		err error
	)
	if create {
		h, err = segs.CreateOrOpen(key, int(capacity))
	} else {
		h, err = segs.Open(key, int(capacity))
	}
	if err != nil {
		return resourceErr("attach", s.name, err)
	}
	mapping, err := segs.Map(h)
	if err != nil {
		return resourceErr("attach", s.name, err)
	}
	if len(mapping) < int(capacity) {
		_ = segs.Unmap(mapping)
		return resourceErr("attach", s.name, fmt.Errorf("mapped %d bytes, want %d", len(mapping), capacity))
	}
	lh, err := s.cfg.Mutexes.Open(key)
	if err != nil {
		_ = segs.Unmap(mapping)
		return resourceErr("attach", s.name, err)
	}

	s.key = key
	s.capacity = capacity
	s.usable = capacity - HeaderSize
	s.mapping = mapping
	s.mem = mapping[:capacity]
	s.lock = s.newLockManager(lh)
	s.state = stateAttached

	// Publish the capacity of a fresh segment so a handshake can find it.
	s.acquire("attach")
	hdr := s.UnsafeHeaderSnapshot()
	if hdr.Capacity != 0 && hdr.Capacity != capacity {
		s.release("attach")
		_ = s.teardown()
		s.state = stateUnattached
		return configErr("attach", s.name, fmt.Errorf("%w: segment has %d bytes, requested %d",
			ErrCapacityMismatch, hdr.Capacity, capacity))
	}
	if hdr.Capacity == 0 {
		s.commit(0)
	}
	s.release("attach")
	s.log.Infof("attached %q key=%s capacity=%d", s.name, key, capacity)
	return nil
}

// probeCapacity reads the committed capacity of an existing segment through
// a header-sized mapping.
func (s *Session) probeCapacity(key Key) (uint32, error) {
	segs := s.cfg.Segments
	h, err := segs.Open(key, HeaderSize)
	if err != nil {
		return 0, resourceErr("attach", s.name, err)
	}
	mem, err := segs.Map(h)
	if err != nil {
		return 0, resourceErr("attach", s.name, err)
	}
	defer func() { _ = segs.Unmap(mem) }()
	lh, err := s.cfg.Mutexes.Open(key)
	if err != nil {
		return 0, resourceErr("attach", s.name, err)
	}
	lm := s.newLockManager(lh)
	defer func() { _ = lm.close() }()

	lm.acquire()
	hdr := DecodeHeader(mem)
	lm.release()
	if hdr.Capacity <= HeaderSize {
		return 0, resourceErr("attach", s.name, fmt.Errorf("%w: no capacity committed in header", ErrNotExist))
	}
	s.log.Debugf("handshake %q: committed capacity %d", s.name, hdr.Capacity)
	return hdr.Capacity, nil
}

// Detach unmaps the segment and closes the lock handle. The OS objects stay
// alive for other sessions. Detach is idempotent; a detached session cannot
// be attached again.
func (s *Session) Detach() (err error) {
	if s.state != stateAttached {
		if s.state == stateUnattached {
			s.state = stateDetached
		}
		return nil
	}
	_, span := s.tracer.Start(context.Background(), "shm.Detach", trace.WithAttributes(attribute.String("segment", s.name)))
	defer func() { endSpan(span, err) }()

	if s.locked {
		s.log.Warnf("detaching %q while holding its lock, releasing it", s.name)
		s.release("detach")
	}
	err = s.teardown()
	s.state = stateDetached
	s.log.Infof("detached %q", s.name)
	return err
}

func (s *Session) teardown() error {
	var errs []error
	if err := s.cfg.Segments.Unmap(s.mapping); err != nil {
		errs = append(errs, err)
	}
	if err := s.lock.close(); err != nil {
		errs = append(errs, err)
	}
	s.mapping, s.mem, s.lock = nil, nil, nil
	if len(errs) > 0 {
		return resourceErr("detach", s.name, errors.Join(errs...))
	}
	return nil
}

// Write copies data into the payload at offset and commits a header with
// length offset+len(data), all under the lock. A range past the usable size
// returns ErrOutOfBounds and changes nothing.
func (s *Session) Write(offset uint32, data []byte) (err error) {
	if err = s.checkAttached("write"); err != nil {
		return err
	}
	defer func() { s.metrics.observe("write", len(data), err) }()
	s.acquire("write")
	defer s.release("write")
	return s.UnsafeWrite(offset, data)
}

// Read copies size bytes at offset under the lock. It returns an empty slice
// and ErrShortSegment when the committed header capacity does not cover the
// range.
func (s *Session) Read(offset, size uint32) (out []byte, err error) {
	if err = s.checkAttached("read"); err != nil {
		return nil, err
	}
	defer func() { s.metrics.observe("read", len(out), err) }()
	s.acquire("read")
	defer s.release("read")
	return s.UnsafeRead(offset, size)
}

// ClearAllData commits a zero length and zeroes the whole payload.
func (s *Session) ClearAllData() (err error) {
	if err = s.checkAttached("clear"); err != nil {
		return err
	}
	_, span := s.tracer.Start(context.Background(), "shm.ClearAllData", trace.WithAttributes(attribute.String("segment", s.name)))
	defer func() {
		s.metrics.observe("clear", 0, err)
		endSpan(span, err)
	}()
	s.acquire("clear")
	defer s.release("clear")
	s.commit(0)
	clear(s.payload())
	return nil
}

// Length returns the committed payload length.
func (s *Session) Length() (uint32, error) {
	hdr, err := s.HeaderSnapshot()
	return hdr.Length, err
}

// HeaderSnapshot returns the last committed header.
func (s *Session) HeaderSnapshot() (Header, error) {
	if err := s.checkAttached("header"); err != nil {
		return Header{}, err
	}
	s.acquire("header")
	defer s.release("header")
	return s.UnsafeHeaderSnapshot(), nil
}

// AcquireForWrite takes the lock and returns the payload region for direct
// use. It must be paired with ReleaseAfterWrite or ReleaseWithoutCommit.
func (s *Session) AcquireForWrite() []byte {
	if s.state != stateAttached {
		panic(protocolErr("acquire for write", s.name, ErrNotAttached))
	}
	s.acquire("acquire for write")
	return s.payload()
}

// ReleaseAfterWrite commits validLength (at most the usable size) and
// releases the lock.
func (s *Session) ReleaseAfterWrite(validLength uint32) {
	const op = "release after write"
	if !s.locked {
		panic(protocolErr(op, s.name, ErrNotLocked))
	}
	if validLength > s.usable {
		s.release(op)
		panic(protocolErr(op, s.name, fmt.Errorf("%w: %d > %d", ErrLengthExceedsUsable, validLength, s.usable)))
	}
	s.commit(validLength)
	s.release(op)
}

// ReleaseWithoutCommit releases the lock and leaves the header untouched.
func (s *Session) ReleaseWithoutCommit() {
	s.release("release without commit")
}

// UnsafeWrite is Write for callers that already hold the lock through
// AcquireForWrite.
func (s *Session) UnsafeWrite(offset uint32, data []byte) error {
	s.mustHoldLock("unsafe write")
	end := uint64(offset) + uint64(len(data))
	if end > uint64(s.usable) {
		s.log.Warnf("%q: write [%d,%d) exceeds usable size %d", s.name, offset, end, s.usable)
		return fmt.Errorf("write [%d,%d) of %q with usable size %d: %w", offset, end, s.name, s.usable, ErrOutOfBounds)
	}
	copy(s.payload()[offset:end], data)
	s.commit(uint32(end))
	return nil
}

// UnsafeRead is Read for callers that already hold the lock.
func (s *Session) UnsafeRead(offset, size uint32) ([]byte, error) {
	s.mustHoldLock("unsafe read")
	end := uint64(offset) + uint64(size)
	if end > uint64(s.usable) {
		return nil, fmt.Errorf("read [%d,%d) of %q with usable size %d: %w", offset, end, s.name, s.usable, ErrOutOfBounds)
	}
	if hdr := s.UnsafeHeaderSnapshot(); uint64(hdr.Capacity) < end {
		s.log.Errorf("%q: committed capacity %d < %d", s.name, hdr.Capacity, end)
		return []byte{}, fmt.Errorf("read [%d,%d) of %q with committed capacity %d: %w", offset, end, s.name, hdr.Capacity, ErrShortSegment)
	}
	out := make([]byte, size)
	copy(out, s.payload()[offset:end])
	return out, nil
}

// UnsafeHeaderSnapshot decodes the header. The caller must hold the lock.
func (s *Session) UnsafeHeaderSnapshot() Header {
	s.mustHoldLock("unsafe header")
	return DecodeHeader(s.mem)
}

func (s *Session) Name() string       { return s.name }
func (s *Session) Key() Key           { return s.key }
func (s *Session) Capacity() uint32   { return s.capacity }
func (s *Session) UsableSize() uint32 { return s.usable }
func (s *Session) Attached() bool     { return s.state == stateAttached }

// HoldsLock reports whether this session is inside a critical section.
func (s *Session) HoldsLock() bool { return s.locked }

func (s *Session) payload() []byte {
	return s.mem[HeaderSize:s.capacity]
}

// commit writes a fresh header for length. The lock must be held.
func (s *Session) commit(length uint32) {
	EncodeHeader(s.mem, Header{
		Length:       length,
		Capacity:     s.capacity,
		WriterPID:    uint32(s.cfg.Pid),
		LastUpdateMs: uint64(s.cfg.Now().UnixMilli()),
	})
}

func (s *Session) acquire(op string) {
	if s.locked {
		panic(protocolErr(op, s.name, ErrDoubleAcquire))
	}
	s.lock.acquire()
	s.locked = true
}

func (s *Session) release(op string) {
	if !s.locked {
		panic(protocolErr(op, s.name, ErrNotLocked))
	}
	s.locked = false
	s.lock.release()
}

func (s *Session) mustHoldLock(op string) {
	if s.state != stateAttached {
		panic(protocolErr(op, s.name, ErrNotAttached))
	}
	if !s.locked {
		panic(protocolErr(op, s.name, ErrNotLocked))
	}
}

func (s *Session) checkAttached(op string) error {
	if s.state != stateAttached {
		return fmt.Errorf("shm %s %q: %w", op, s.name, ErrNotAttached)
	}
	return nil
}

// Remove destroys the OS objects behind name when the configured backend
// supports it. Attached sessions keep their mappings.
func Remove(name string, cfg *Config) error {
	key, err := DeriveKey(name)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := VerifyConfig(cfg); err != nil {
		return configErr("remove", name, err)
	}
	c, err := cfg.resolve()
	if err != nil {
		return resourceErr("remove", name, err)
	}
	r, ok := c.Segments.(Remover)
	if !ok {
		return configErr("remove", name, internalshm.ErrUnsupported)
	}
	if err := r.Remove(key); err != nil {
		return resourceErr("remove", name, err)
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
