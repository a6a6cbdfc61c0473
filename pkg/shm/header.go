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
	"encoding/binary"
	"time"
)

// Memory layout. All integers are little-endian.
//
//	segment:  [0,20) Header | [20,capacity) payload
//	header:   length u32 | capacity u32 | writerPid u32 | lastUpdateMs u64
//	ring:     payload [0,8) RingHeader | [8, 8+bufferCapacity) ring data
//	ringhdr:  writeCursor u32 | bufferCapacity u32
const (
	HeaderSize = 20

	headerLengthOffset     = 0
	headerCapacityOffset   = 4
	headerWriterPidOffset  = 8
	headerLastUpdateOffset = 12

	RingHeaderSize = 8

	ringCursorOffset   = 0
	ringCapacityOffset = 4
)

// Header is the metadata committed at offset 0 of every segment.
type Header struct {
	// Length is the number of valid payload bytes currently published.
	Length uint32
	// Capacity is the total segment size including the header.
	Capacity uint32
	// WriterPID is the process id of the last committer.
	WriterPID uint32
	// LastUpdateMs is the wall-clock time of the last commit in Unix milliseconds.
	LastUpdateMs uint64
}

// LastUpdate returns LastUpdateMs as a time.
func (h Header) LastUpdate() time.Time {
	return time.UnixMilli(int64(h.LastUpdateMs))
}

// Usable returns the payload size implied by Capacity.
func (h Header) Usable() uint32 {
	if h.Capacity < HeaderSize {
		return 0
	}
	return h.Capacity - HeaderSize
}

// DecodeHeader reads a Header from the first HeaderSize bytes of src.
func DecodeHeader(src []byte) Header {
	_ = src[HeaderSize-1]
	return Header{
		Length:       binary.LittleEndian.Uint32(src[headerLengthOffset:]),
		Capacity:     binary.LittleEndian.Uint32(src[headerCapacityOffset:]),
		WriterPID:    binary.LittleEndian.Uint32(src[headerWriterPidOffset:]),
		LastUpdateMs: binary.LittleEndian.Uint64(src[headerLastUpdateOffset:]),
	}
}

// EncodeHeader writes h into the first HeaderSize bytes of dst with a single
// copy, so a reader holding the lock never sees a half-written header.
func EncodeHeader(dst []byte, h Header) {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint32(b[headerLengthOffset:], h.Length)
	binary.LittleEndian.PutUint32(b[headerCapacityOffset:], h.Capacity)
	binary.LittleEndian.PutUint32(b[headerWriterPidOffset:], h.WriterPID)
	binary.LittleEndian.PutUint64(b[headerLastUpdateOffset:], h.LastUpdateMs)
	copy(dst[:HeaderSize], b[:])
}

// RingHeader sits at the start of the payload in ring mode.
type RingHeader struct {
	// WriteCursor is the next write offset, always below BufferCapacity.
	WriteCursor uint32
	// BufferCapacity is the ring data size fixed by Init.
	BufferCapacity uint32
}

func DecodeRingHeader(src []byte) RingHeader {
	_ = src[RingHeaderSize-1]
	return RingHeader{
		WriteCursor:    binary.LittleEndian.Uint32(src[ringCursorOffset:]),
		BufferCapacity: binary.LittleEndian.Uint32(src[ringCapacityOffset:]),
	}
}

func EncodeRingHeader(dst []byte, r RingHeader) {
	var b [RingHeaderSize]byte
	binary.LittleEndian.PutUint32(b[ringCursorOffset:], r.WriteCursor)
	binary.LittleEndian.PutUint32(b[ringCapacityOffset:], r.BufferCapacity)
	copy(dst[:RingHeaderSize], b[:])
}
