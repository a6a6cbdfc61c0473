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
	"bytes"
	"testing"

	"github.com/stretchr/testify/suite"
)

type SessionTestSuite struct {
	suite.Suite
	cfg *Config
}

func (s *SessionTestSuite) SetupTest() {
	s.cfg = newTestConfig(s.T())
}

func (s *SessionTestSuite) open(name string, capacity uint32) *Session {
	sess, err := Open(name, capacity, s.cfg)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = sess.Detach() })
	return sess
}

func (s *SessionTestSuite) TestWriteThenReadFromSecondSession() {
	a := s.open("orders", 1024)
	b := s.open("orders", 1024)
	s.Equal(uint32(1004), a.UsableSize())

	s.Require().NoError(a.Write(0, []byte{1, 2, 3}))
	n, err := a.Length()
	s.Require().NoError(err)
	s.Equal(uint32(3), n)

	got, err := b.Read(0, 3)
	s.Require().NoError(err)
	s.Equal([]byte{1, 2, 3}, got)
}

func (s *SessionTestSuite) TestAttachCommitsHeader() {
	a := s.open("fresh", 256)
	hdr, err := a.HeaderSnapshot()
	s.Require().NoError(err)
	s.Equal(Header{Length: 0, Capacity: 256, WriterPID: testPid, LastUpdateMs: uint64(testNow.UnixMilli())}, hdr)
	s.Equal(uint32(236), hdr.Usable())
}

func (s *SessionTestSuite) TestSecondAttachKeepsData() {
	a := s.open("keep", 128)
	s.Require().NoError(a.Write(0, []byte("persist")))

	b := s.open("keep", 128)
	n, err := b.Length()
	s.Require().NoError(err)
	s.Equal(uint32(7), n)
}

func (s *SessionTestSuite) TestHandshakeLearnsCapacity() {
	a := s.open("handshake", 512)
	s.Require().NoError(a.Write(0, []byte("hi")))

	b := s.open("handshake", 0)
	s.Equal(uint32(512), b.Capacity())
	got, err := b.Read(0, 2)
	s.Require().NoError(err)
	s.Equal("hi", string(got))
}

func (s *SessionTestSuite) TestHandshakeUnknownName() {
	_, err := Open("nobody", 0, s.cfg)
	s.Require().Error(err)
	s.True(IsKind(err, KindResource))
	s.ErrorIs(err, ErrNotExist)
}

func (s *SessionTestSuite) TestCapacityMismatch() {
	s.open("sized", 256)
	_, err := Open("sized", 128, s.cfg)
	s.Require().Error(err)
	s.True(IsKind(err, KindConfiguration))
	s.ErrorIs(err, ErrCapacityMismatch)

	// The OS refuses to map more than the segment holds.
	_, err = Open("sized", 512, s.cfg)
	s.Require().Error(err)
	s.True(IsKind(err, KindResource))
}

func (s *SessionTestSuite) TestInvalidArguments() {
	_, err := Open("", 128, s.cfg)
	s.True(IsKind(err, KindConfiguration))
	s.ErrorIs(err, ErrInvalidName)

	_, err = Open("tiny", HeaderSize, s.cfg)
	s.True(IsKind(err, KindConfiguration))
	s.ErrorIs(err, ErrInvalidCapacity)
}

func (s *SessionTestSuite) TestWriteBounds() {
	a := s.open("bounds", 64) // usable 44
	s.Require().NoError(a.Write(40, []byte{1, 2, 3, 4}))

	err := a.Write(41, []byte{1, 2, 3, 4})
	s.ErrorIs(err, ErrOutOfBounds)
	err = a.Write(^uint32(0), []byte{1})
	s.ErrorIs(err, ErrOutOfBounds)

	n, err := a.Length()
	s.Require().NoError(err)
	s.Equal(uint32(44), n, "failed writes must not commit")
}

func (s *SessionTestSuite) TestWriteEmptyCommitsOffset() {
	a := s.open("empty", 64)
	s.Require().NoError(a.Write(10, nil))
	n, err := a.Length()
	s.Require().NoError(err)
	s.Equal(uint32(10), n)
}

func (s *SessionTestSuite) TestReadBounds() {
	a := s.open("readbounds", 64)
	_, err := a.Read(40, 5)
	s.ErrorIs(err, ErrOutOfBounds)

	got, err := a.Read(40, 4)
	s.Require().NoError(err)
	s.Equal([]byte{0, 0, 0, 0}, got)
}

func (s *SessionTestSuite) TestReadShortSegment() {
	a := s.open("short", 128)
	// Another process committed a smaller capacity in the header.
	a.AcquireForWrite()
	EncodeHeader(a.mem, Header{Capacity: 30})
	a.ReleaseWithoutCommit()

	got, err := a.Read(10, 30)
	s.ErrorIs(err, ErrShortSegment)
	s.NotNil(got)
	s.Empty(got)
}

func (s *SessionTestSuite) TestClearAllData() {
	a := s.open("clear", 64)
	s.Require().NoError(a.Write(0, bytes.Repeat([]byte{0xff}, 44)))
	s.Require().NoError(a.ClearAllData())

	n, err := a.Length()
	s.Require().NoError(err)
	s.Zero(n)
	got, err := a.Read(0, 44)
	s.Require().NoError(err)
	s.Equal(make([]byte, 44), got)
}

func (s *SessionTestSuite) TestZeroCopyWrite() {
	a := s.open("zerocopy", 64)
	b := s.open("zerocopy", 64)

	buf := a.AcquireForWrite()
	s.Len(buf, 44)
	s.True(a.HoldsLock())
	copy(buf, "direct")
	a.ReleaseAfterWrite(6)
	s.False(a.HoldsLock())

	got, err := b.Read(0, 6)
	s.Require().NoError(err)
	s.Equal("direct", string(got))
}

func (s *SessionTestSuite) TestUnsafeOpsInsideCriticalSection() {
	a := s.open("unsafe", 64)
	a.AcquireForWrite()
	s.Require().NoError(a.UnsafeWrite(2, []byte("xy")))
	got, err := a.UnsafeRead(2, 2)
	s.Require().NoError(err)
	s.Equal("xy", string(got))
	s.Equal(uint32(4), a.UnsafeHeaderSnapshot().Length)
	a.ReleaseWithoutCommit()

	n, err := a.Length()
	s.Require().NoError(err)
	s.Equal(uint32(4), n)
}

func (s *SessionTestSuite) TestReleaseWithoutCommitKeepsHeader() {
	a := s.open("nocommit", 64)
	s.Require().NoError(a.Write(0, []byte("abc")))
	before, err := a.HeaderSnapshot()
	s.Require().NoError(err)

	buf := a.AcquireForWrite()
	copy(buf, "zzzzzz")
	a.ReleaseWithoutCommit()

	after, err := a.HeaderSnapshot()
	s.Require().NoError(err)
	s.Equal(before, after)
}

func (s *SessionTestSuite) TestProtocolMisusePanics() {
	a := s.open("misuse", 64)

	s.panicsWith(ErrNotLocked, func() { a.ReleaseWithoutCommit() })
	s.panicsWith(ErrNotLocked, func() { a.ReleaseAfterWrite(1) })
	s.panicsWith(ErrNotLocked, func() { _ = a.UnsafeWrite(0, []byte{1}) })
	s.panicsWith(ErrNotLocked, func() { _, _ = a.UnsafeRead(0, 1) })

	a.AcquireForWrite()
	s.panicsWith(ErrDoubleAcquire, func() { a.AcquireForWrite() })
	s.panicsWith(ErrDoubleAcquire, func() { _ = a.Write(0, []byte{1}) })
	a.ReleaseWithoutCommit()

	a.AcquireForWrite()
	s.panicsWith(ErrLengthExceedsUsable, func() { a.ReleaseAfterWrite(45) })
	s.False(a.HoldsLock(), "an invalid commit still releases the lock")
	n, err := a.Length()
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *SessionTestSuite) panicsWith(target error, f func()) {
	defer func() {
		r := recover()
		s.Require().NotNil(r, "expected panic wrapping %v", target)
		err, ok := r.(*Error)
		s.Require().True(ok, "panic value %T", r)
		s.Equal(KindProtocol, err.Kind)
		s.ErrorIs(err, target)
	}()
	f()
}

func (s *SessionTestSuite) TestLifecycle() {
	sess, err := NewSession(s.cfg)
	s.Require().NoError(err)
	s.False(sess.Attached())

	_, err = sess.Read(0, 1)
	s.ErrorIs(err, ErrNotAttached)

	s.Require().NoError(sess.Attach("life", 64))
	s.ErrorIs(sess.Attach("life", 64), ErrAlreadyAttached)

	s.Require().NoError(sess.Detach())
	s.Require().NoError(sess.Detach())
	s.False(sess.Attached())
	s.ErrorIs(sess.Write(0, []byte{1}), ErrNotAttached)
	s.ErrorIs(sess.Attach("life", 64), ErrSessionClosed)
}

func (s *SessionTestSuite) TestDetachWhileLockedReleases() {
	a := s.open("locked", 64)
	b := s.open("locked", 64)
	a.AcquireForWrite()
	s.Require().NoError(a.Detach())

	s.Require().NoError(b.Write(0, []byte("free")))
}

func (s *SessionTestSuite) TestRemove() {
	a := s.open("gone", 64)
	s.Require().NoError(a.Detach())
	s.Require().NoError(Remove("gone", s.cfg))

	_, err := Open("gone", 0, s.cfg)
	s.ErrorIs(err, ErrNotExist)
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
