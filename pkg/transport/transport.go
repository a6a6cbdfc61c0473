// Package transport moves byte messages between processes over a shared
// segment, either as a single latest value or as a ring of records.
package transport

import (
	"errors"
	"fmt"

	"github.com/srediag/shmseg/pkg/shm"
)

var (
	// ErrNotStarted is returned by Send and Receive before Start or after Stop.
	ErrNotStarted = errors.New("transport not started")
	// ErrStarted is returned by Start on a running transport.
	ErrStarted = errors.New("transport already started")
)

// Transport is the contract shared by all transports.
type Transport interface {
	// Start attaches to the segment.
	Start() error
	// Stop detaches. The segment survives for other processes.
	Stop() error
	// Send publishes data.
	Send(data []byte) error
	// Receive returns the currently published data.
	Receive() ([]byte, error)
}

var (
	_ Transport = (*Segment)(nil)
	_ Transport = (*Ring)(nil)
)

// Segment publishes one message at a time: Send replaces the payload and
// Receive returns the last committed payload.
type Segment struct {
	name     string
	capacity uint32
	cfg      *shm.Config
	sess     *shm.Session
}

// NewSegment returns a transport over the segment name. A zero capacity
// joins an existing segment.
func NewSegment(name string, capacity uint32, cfg *shm.Config) *Segment {
	return &Segment{name: name, capacity: capacity, cfg: cfg}
}

func (t *Segment) Start() error {
	if t.sess != nil {
		return ErrStarted
	}
	sess, err := shm.Open(t.name, t.capacity, t.cfg)
	if err != nil {
		return err
	}
	t.sess = sess
	return nil
}

func (t *Segment) Stop() error {
	if t.sess == nil {
		return nil
	}
	err := t.sess.Detach()
	t.sess = nil
	return err
}

// Send commits data at offset 0; the committed length becomes len(data).
func (t *Segment) Send(data []byte) error {
	if t.sess == nil {
		return ErrNotStarted
	}
	if uint64(len(data)) > uint64(t.sess.UsableSize()) {
		return fmt.Errorf("send %d bytes over %q: %w", len(data), t.name, shm.ErrOutOfBounds)
	}
	return t.sess.Write(0, data)
}

// Receive reads the committed length and payload in one critical section.
func (t *Segment) Receive() (out []byte, err error) {
	if t.sess == nil {
		return nil, ErrNotStarted
	}
	t.sess.AcquireForWrite()
	defer t.sess.ReleaseWithoutCommit()
	hdr := t.sess.UnsafeHeaderSnapshot()
	return t.sess.UnsafeRead(0, hdr.Length)
}

// Session exposes the underlying session while started.
func (t *Segment) Session() *shm.Session { return t.sess }

// Ring appends records to a ring: Send pushes and Receive returns the whole
// ring oldest byte first.
type Ring struct {
	name       string
	capacity   uint32
	ringCap    uint32
	cfg        *shm.Config
	ring       *shm.Ring
	initialize bool
}

// NewRing returns a ring transport. When ringCapacity is non-zero Start
// (re)initializes the ring with it; otherwise Start joins an existing ring.
func NewRing(name string, capacity, ringCapacity uint32, cfg *shm.Config) *Ring {
	return &Ring{
		name:       name,
		capacity:   capacity,
		ringCap:    ringCapacity,
		cfg:        cfg,
		initialize: ringCapacity > 0,
	}
}

func (t *Ring) Start() error {
	if t.ring != nil {
		return ErrStarted
	}
	sess, err := shm.Open(t.name, t.capacity, t.cfg)
	if err != nil {
		return err
	}
	r := shm.NewRing(sess)
	if t.initialize {
		if err := r.Init(t.ringCap); err != nil {
			_ = sess.Detach()
			return err
		}
	}
	t.ring = r
	return nil
}

func (t *Ring) Stop() error {
	if t.ring == nil {
		return nil
	}
	err := t.ring.Session().Detach()
	t.ring = nil
	return err
}

func (t *Ring) Send(data []byte) error {
	if t.ring == nil {
		return ErrNotStarted
	}
	return t.ring.Push(data)
}

func (t *Ring) Receive() ([]byte, error) {
	if t.ring == nil {
		return nil, ErrNotStarted
	}
	snap, err := t.ring.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Ordered(), nil
}

// Snapshot returns the raw ring snapshot.
func (t *Ring) Snapshot() (shm.RingSnapshot, error) {
	if t.ring == nil {
		return shm.RingSnapshot{}, ErrNotStarted
	}
	return t.ring.Snapshot()
}
