// Package watch turns header commits of a segment into a stream of events.
//
// There is no notification primitive between processes, so a Watcher polls
// the header and queues an Event whenever the length, writer or commit time
// changes. The queue is bounded; when the consumer falls behind the oldest
// events are dropped.
package watch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/shmseg/internal/logging"
	"github.com/srediag/shmseg/pkg/shm"
)

const (
	DefaultInterval  = 100 * time.Millisecond
	DefaultQueueSize = 1024
)

var (
	// ErrTimeout is returned by Next when no event arrived in time.
	ErrTimeout = errors.New("no change before timeout")
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("watcher closed")
)

// Event is one observed commit.
type Event struct {
	// Seq numbers events from 1 in observation order, including dropped ones.
	Seq      uint64
	Header   shm.Header
	Observed time.Time
}

// HeaderSource is what a Watcher polls. *shm.Session satisfies it.
type HeaderSource interface {
	HeaderSnapshot() (shm.Header, error)
}

type Options struct {
	Interval  time.Duration
	QueueSize int64
}

// Watcher polls one source. The source must not be used concurrently by
// anything else while Run is active.
type Watcher struct {
	src      HeaderSource
	interval time.Duration
	size     int64
	events   *queue.Queue
	log      *logging.Logger

	seq     atomic.Uint64
	dropped atomic.Uint64
}

func New(src HeaderSource, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Watcher{
		src:      src,
		interval: opts.Interval,
		size:     opts.QueueSize,
		events:   queue.New(opts.QueueSize),
		log:      logging.Default.Named("watch"),
	}
}

// Run polls until ctx is done or the source fails. The first successful
// poll always produces an event.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var (
		last  shm.Header
		first = true
	)
	for {
		hdr, err := w.src.HeaderSnapshot()
		if err != nil {
			return err
		}
		if first || changed(last, hdr) {
			w.emit(Event{Seq: w.seq.Add(1), Header: hdr, Observed: time.Now()})
			last, first = hdr, false
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func changed(a, b shm.Header) bool {
	return a.Length != b.Length || a.WriterPID != b.WriterPID ||
		a.LastUpdateMs != b.LastUpdateMs || a.Capacity != b.Capacity
}

func (w *Watcher) emit(ev Event) {
	for w.events.Len() >= w.size {
		if _, err := w.events.Poll(1, time.Millisecond); err != nil {
			break
		}
		w.dropped.Add(1)
	}
	if err := w.events.Put(ev); err != nil {
		w.log.Debugf("event %d not queued: %v", ev.Seq, err)
	}
}

// Next returns the oldest queued event. A non-positive timeout waits forever.
func (w *Watcher) Next(timeout time.Duration) (Event, error) {
	var (
		items []interface{}
		err   error
	)
	if timeout <= 0 {
		items, err = w.events.Get(1)
	} else {
		items, err = w.events.Poll(1, timeout)
	}
	switch {
	case errors.Is(err, queue.ErrTimeout):
		return Event{}, ErrTimeout
	case errors.Is(err, queue.ErrDisposed):
		return Event{}, ErrClosed
	case err != nil:
		return Event{}, err
	case len(items) == 0:
		return Event{}, ErrTimeout
	}
	return items[0].(Event), nil
}

// Pending returns the number of queued events.
func (w *Watcher) Pending() int64 { return w.events.Len() }

// Dropped returns how many events were discarded because the queue was full.
func (w *Watcher) Dropped() uint64 { return w.dropped.Load() }

// Close releases a consumer blocked in Next. Run keeps its own lifetime.
func (w *Watcher) Close() {
	w.events.Dispose()
}
