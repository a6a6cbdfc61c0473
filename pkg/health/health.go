// Package health exposes liveness and readiness of a shared segment as
// HTTP probes.
package health

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/srediag/shmseg/pkg/shm"
)

var (
	ErrNotAttached = errors.New("segment not attached")
	ErrWriterGone  = errors.New("last writer process is gone")
	ErrStale       = errors.New("segment not updated recently")
)

// Provider reports the health of a segment.
type Provider interface {
	// Liveness fails when the observer itself is broken.
	Liveness() error
	// Readiness fails when the segment's data should not be trusted.
	Readiness() error
}

// Options selects the readiness checks. Zero values disable the optional ones.
type Options struct {
	// MaxAge fails readiness when the last commit is older.
	MaxAge time.Duration
	// Ring validates the ring header.
	Ring bool
	// Timeout bounds each check when served over HTTP.
	Timeout time.Duration
}

// Monitor probes one session. Probes may run concurrently; the monitor
// serializes them because a Session is single-goroutine.
type Monitor struct {
	mu   sync.Mutex
	sess *shm.Session
	ring *shm.Ring
	opts Options

	now       func() time.Time
	pidExists func(pid int32) (bool, error)
}

var _ Provider = (*Monitor)(nil)

func NewMonitor(sess *shm.Session, opts Options) *Monitor {
	m := &Monitor{
		sess:      sess,
		opts:      opts,
		now:       time.Now,
		pidExists: process.PidExists,
	}
	if opts.Ring {
		m.ring = shm.NewRing(sess)
	}
	return m
}

func (m *Monitor) Liveness() error {
	return m.Attached()
}

func (m *Monitor) Readiness() error {
	checks := []func() error{m.Attached, m.WriterAlive}
	if m.opts.MaxAge > 0 {
		checks = append(checks, m.Fresh)
	}
	if m.ring != nil {
		checks = append(checks, m.RingValid)
	}
	var errs []error
	for _, c := range checks {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Attached fails once the session has been detached.
func (m *Monitor) Attached() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sess.Attached() {
		return ErrNotAttached
	}
	return nil
}

// WriterAlive fails when the pid of the last commit no longer exists. A
// segment nobody has committed to yet is healthy.
func (m *Monitor) WriterAlive() error {
	hdr, err := m.header()
	if err != nil {
		return err
	}
	if hdr.WriterPID == 0 {
		return nil
	}
	ok, err := m.pidExists(int32(hdr.WriterPID))
	if err != nil {
		return fmt.Errorf("writer pid %d: %w", hdr.WriterPID, err)
	}
	if !ok {
		return fmt.Errorf("pid %d: %w", hdr.WriterPID, ErrWriterGone)
	}
	return nil
}

// Fresh fails when the last commit is older than Options.MaxAge.
func (m *Monitor) Fresh() error {
	hdr, err := m.header()
	if err != nil {
		return err
	}
	if age := m.now().Sub(hdr.LastUpdate()); age > m.opts.MaxAge {
		return fmt.Errorf("last commit %s ago: %w", age.Truncate(time.Millisecond), ErrStale)
	}
	return nil
}

// RingValid fails when the ring header is missing or inconsistent.
func (m *Monitor) RingValid() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ring == nil {
		return nil
	}
	_, err := m.ring.Header()
	return err
}

func (m *Monitor) header() (shm.Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.HeaderSnapshot()
}

// Register adds the monitor's checks to h, named after the segment.
func (m *Monitor) Register(h healthcheck.Handler) {
	name := m.sess.Name()
	h.AddLivenessCheck(name+"-attached", m.wrap(m.Attached))
	h.AddReadinessCheck(name+"-writer", m.wrap(m.WriterAlive))
	if m.opts.MaxAge > 0 {
		h.AddReadinessCheck(name+"-fresh", m.wrap(m.Fresh))
	}
	if m.ring != nil {
		h.AddReadinessCheck(name+"-ring", m.wrap(m.RingValid))
	}
}

func (m *Monitor) wrap(c healthcheck.Check) healthcheck.Check {
	if m.opts.Timeout > 0 {
		return healthcheck.Timeout(c, m.opts.Timeout)
	}
	return c
}
