package shm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T, cfg *Config, name string, capacity, ringCap uint32) *Ring {
	t.Helper()
	sess, err := Open(name, capacity, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Detach() })
	r := NewRing(sess)
	if ringCap > 0 {
		require.NoError(t, r.Init(ringCap))
	}
	return r
}

func TestRingInit(t *testing.T) {
	r := newTestRing(t, newTestConfig(t), "ring-init", 1024, 100)

	rh, err := r.Header()
	require.NoError(t, err)
	assert.Equal(t, RingHeader{WriteCursor: 0, BufferCapacity: 100}, rh)

	n, err := r.Session().Length()
	require.NoError(t, err)
	assert.Equal(t, uint32(RingHeaderSize), n)
}

func TestRingInitRejectsBadCapacity(t *testing.T) {
	r := newTestRing(t, newTestConfig(t), "ring-bad", 64, 0) // usable 44

	assert.ErrorIs(t, r.Init(0), ErrRingTooSmall)
	assert.ErrorIs(t, r.Init(37), ErrRingTooLarge)
	assert.NoError(t, r.Init(36))

	require.NoError(t, r.Push([]byte("x")))
	assert.ErrorIs(t, r.Init(37), ErrRingTooLarge)
	rh, err := r.Header()
	require.NoError(t, err)
	assert.Equal(t, RingHeader{WriteCursor: 1, BufferCapacity: 36}, rh, "a rejected init leaves the ring intact")
}

func TestRingPushWraps(t *testing.T) {
	r := newTestRing(t, newTestConfig(t), "ring-wrap", 1024, 100)
	aa := bytes.Repeat([]byte{0xAA}, 60)
	bb := bytes.Repeat([]byte{0xBB}, 60)

	require.NoError(t, r.Push(aa))
	rh, err := r.Header()
	require.NoError(t, err)
	assert.Equal(t, uint32(60), rh.WriteCursor)

	require.NoError(t, r.Push(bb))
	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint32(20), snap.Ring.WriteCursor)
	assert.Equal(t, uint32(100), snap.Header.Length)

	assert.Equal(t, bb[:20], snap.Data[0:20], "tail of the second push wraps to the start")
	assert.Equal(t, aa[:40], snap.Data[20:60], "untouched part of the first push")
	assert.Equal(t, bb[:40], snap.Data[60:100], "head of the second push fills the end")

	want := append(append([]byte{}, aa[:40]...), bb...)
	assert.Equal(t, want, snap.Ordered())

	var out bytes.Buffer
	n, err := snap.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
	assert.Equal(t, want, out.Bytes())
}

func TestRingPushExactFill(t *testing.T) {
	r := newTestRing(t, newTestConfig(t), "ring-fill", 256, 16)
	data := []byte("0123456789abcdef")

	require.NoError(t, r.Push(data[:6]))
	require.NoError(t, r.Push(data[6:]))
	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Zero(t, snap.Ring.WriteCursor)
	assert.Equal(t, data, snap.Data)
	assert.Equal(t, data, snap.Ordered())

	// A push of exactly the capacity replaces everything.
	full := []byte("ABCDEFGHIJKLMNOP")
	require.NoError(t, r.Push(full))
	snap, err = r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, full, snap.Data)
}

func TestRingPushOverflow(t *testing.T) {
	r := newTestRing(t, newTestConfig(t), "ring-overflow", 256, 16)
	require.NoError(t, r.Push([]byte("abc")))

	err := r.Push(make([]byte, 17))
	assert.ErrorIs(t, err, ErrRingOverflow)

	rh, err := r.Header()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), rh.WriteCursor, "rejected push leaves the cursor")
}

func TestRingEmptyPush(t *testing.T) {
	r := newTestRing(t, newTestConfig(t), "ring-empty", 256, 16)
	require.NoError(t, r.Push(nil))
	rh, err := r.Header()
	require.NoError(t, err)
	assert.Zero(t, rh.WriteCursor)
}

func TestRingNotInitialized(t *testing.T) {
	r := newTestRing(t, newTestConfig(t), "ring-uninit", 256, 0)
	assert.ErrorIs(t, r.Push([]byte{1}), ErrRingNotInitialized)
	_, err := r.Snapshot()
	assert.ErrorIs(t, err, ErrRingNotInitialized)
}

func TestRingCorruptHeader(t *testing.T) {
	r := newTestRing(t, newTestConfig(t), "ring-corrupt", 256, 16)
	sess := r.Session()

	sess.AcquireForWrite()
	require.NoError(t, sess.UnsafeWrite(0, ringHeaderBytes(RingHeader{WriteCursor: 16, BufferCapacity: 16})))
	sess.ReleaseWithoutCommit()
	assert.ErrorIs(t, r.Push([]byte{1}), ErrRingCorrupt)

	sess.AcquireForWrite()
	require.NoError(t, sess.UnsafeWrite(0, ringHeaderBytes(RingHeader{BufferCapacity: 1 << 20})))
	sess.ReleaseWithoutCommit()
	assert.ErrorIs(t, r.Push([]byte{1}), ErrRingCorrupt)
}

func TestRingSharedAcrossSessions(t *testing.T) {
	cfg := newTestConfig(t)
	writer := newTestRing(t, cfg, "ring-shared", 512, 64)
	reader := newTestRing(t, cfg, "ring-shared", 0, 0)

	require.NoError(t, writer.Push([]byte("hello")))
	snap, err := reader.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), snap.Ring.WriteCursor)
	assert.Equal(t, "hello", string(snap.Data[:5]))
}

const recordSize = 37

// record builds a self-checking push: writer id, sequence, then fill bytes
// derived from both.
func record(id, seq uint32) []byte {
	b := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(b, id)
	binary.LittleEndian.PutUint32(b[4:], seq)
	for j := 8; j < recordSize; j++ {
		b[j] = recordFill(id, seq, j)
	}
	return b
}

func recordFill(id, seq uint32, j int) byte {
	return byte(id*131 + seq*7 + uint32(j))
}

func parseRecord(b []byte) (id, seq uint32, err error) {
	id = binary.LittleEndian.Uint32(b)
	seq = binary.LittleEndian.Uint32(b[4:])
	for j := 8; j < recordSize; j++ {
		if b[j] != recordFill(id, seq, j) {
			return id, seq, fmt.Errorf("record (%d, %d) torn at byte %d", id, seq, j)
		}
	}
	return id, seq, nil
}

func TestParseRecordDetectsTornRecord(t *testing.T) {
	id, seq, err := parseRecord(record(3, 150))
	require.NoError(t, err)
	assert.Equal(t, [2]uint32{3, 150}, [2]uint32{id, seq})

	torn := record(3, 150)
	copy(torn[4:8], record(5, 42)[4:8])
	_, _, err = parseRecord(torn)
	assert.Error(t, err)

	torn = record(3, 150)
	copy(torn[20:], record(3, 151)[20:])
	_, _, err = parseRecord(torn)
	assert.Error(t, err)
}

// Concurrent pushes from independent sessions never interleave inside a
// record. The ring size is not a multiple of the record size, so records
// straddle the wrap point.
func TestRingConcurrentPush(t *testing.T) {
	const (
		writers = 8
		pushes  = 500
		ringCap = 1800
	)
	for _, backend := range []Backend{BackendMemory, BackendFile, BackendSysV} {
		t.Run(string(backend), func(t *testing.T) {
			cfg := backendConfig(t, backend)
			name := fmt.Sprintf("ring-concurrent-%s-%d", backend, os.Getpid())
			creator, err := Open(name, 4096, cfg)
			if err != nil && backend != BackendMemory {
				t.Skipf("%s backend refused: %v", backend, err)
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = Remove(name, cfg) })
			t.Cleanup(func() { _ = creator.Detach() })
			require.NoError(t, NewRing(creator).Init(ringCap))

			pool, err := ants.NewPool(writers)
			require.NoError(t, err)
			defer pool.Release()

			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				sess, err := Open(name, 0, cfg)
				require.NoError(t, err)
				t.Cleanup(func() { _ = sess.Detach() })
				r := NewRing(sess)
				id := uint32(w)
				wg.Add(1)
				require.NoError(t, pool.Submit(func() {
					defer wg.Done()
					for i := 0; i < pushes; i++ {
						if err := r.Push(record(id, uint32(i))); err != nil {
							t.Errorf("writer %d push %d: %v", id, i, err)
							return
						}
					}
				}))
			}
			wg.Wait()

			snap, err := NewRing(creator).Snapshot()
			require.NoError(t, err)
			assert.Equal(t, uint32(writers*pushes*recordSize%ringCap), snap.Ring.WriteCursor)

			ordered := snap.Ordered()
			require.Len(t, ordered, ringCap)
			last := make(map[uint32]uint32)
			// Walk complete records from newest to oldest; the leading
			// partial record is skipped.
			for end := len(ordered); end >= recordSize; end -= recordSize {
				id, seq, err := parseRecord(ordered[end-recordSize : end])
				require.NoError(t, err, "record ending at %d", end)
				require.Less(t, id, uint32(writers))
				require.Less(t, seq, uint32(pushes))
				if prev, ok := last[id]; ok {
					assert.Less(t, seq, prev, "writer %d order", id)
				}
				last[id] = seq
			}
		})
	}
}

func ringHeaderBytes(rh RingHeader) []byte {
	b := make([]byte, RingHeaderSize)
	EncodeRingHeader(b, rh)
	return b
}
