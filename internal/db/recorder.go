package db

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/tiltdrive/internal/config"
	"github.com/banshee-data/tiltdrive/internal/control"
	"github.com/banshee-data/tiltdrive/internal/dispatch"
	"github.com/banshee-data/tiltdrive/internal/monitoring"
	"github.com/banshee-data/tiltdrive/internal/timeutil"
)

const DefaultRecorderBuffer = 256

type op struct {
	name string
	fn   func(*DB) error
}

// Recorder writes session history on its own goroutine so callers never wait
// on disk. When its queue is full, records are dropped and counted.
type Recorder struct {
	db    *DB
	clock timeutil.Clock
	ops   chan op
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewRecorder(db *DB, buffer int, clock timeutil.Clock) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	r := &Recorder{
		db:    db,
		clock: clock,
		ops:   make(chan op, buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for o := range r.ops {
		if err := o.fn(r.db); err != nil {
			r.failed.Add(1)
			monitoring.Logf("recorder: %s: %v", o.name, err)
		}
	}
}

func (r *Recorder) enqueue(name string, fn func(*DB) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ops <- op{name: name, fn: fn}:
	default:
		if r.dropped.Add(1) == 1 {
			monitoring.Logf("recorder: queue full, dropping %s", name)
		}
	}
}

// StartSession allocates a session id and queues its creation.
func (r *Recorder) StartSession(cfg *config.ControlConfig) string {
	id := uuid.NewString()
	at := r.clock.Now()
	cfg = cfg.Clone()
	r.enqueue("start session", func(db *DB) error {
		return db.StartSession(id, at, cfg)
	})
	return id
}

func (r *Recorder) EndSession(id string) {
	at := r.clock.Now()
	r.enqueue("end session", func(db *DB) error {
		return db.EndSession(id, at)
	})
}

func (r *Recorder) RecordTransmission(id string, t dispatch.Transmission) {
	r.enqueue("record transmission", func(db *DB) error {
		return db.RecordTransmission(id, t)
	})
}

func (r *Recorder) RecordCalibration(id string, o control.Offset) {
	at := r.clock.Now()
	r.enqueue("record calibration", func(db *DB) error {
		return db.RecordCalibration(id, at, o)
	})
}

// Dropped returns how many records were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Failed returns how many queued records the database rejected.
func (r *Recorder) Failed() uint64 {
	return r.failed.Load()
}

// Close stops accepting records and waits for the queue to drain.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ops)
	}
	r.mu.Unlock()
	<-r.done
}
