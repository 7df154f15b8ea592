package poller

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Interest is the set of readiness conditions a descriptor is watched for
type Interest uint8

const (
	Read Interest = 1 << iota
	Write
)

// Event is the set of conditions reported for a descriptor in one round
type Event uint8

const (
	EventRead Event = 1 << iota
	EventWrite
	EventHangup
	EventError
)

// Has reports whether all bits of f are set
func (e Event) Has(f Event) bool {
	return e&f == f
}

// Callback receives the triggered events of its descriptor
type Callback func(ev Event)

var (
	ErrRegistered    = errors.New("poller: descriptor already registered")
	ErrNotRegistered = errors.New("poller: descriptor not registered")
	ErrClosed        = errors.New("poller: closed")
)

// Poller is the I/O multiplexing interface.
//
// All methods must be called from the goroutine that drives Poll; the
// registration table is not synchronized.
type Poller interface {
	// Register starts watching fd. A descriptor can be registered once.
	Register(fd int, interest Interest, cb Callback) error
	// SetInterest replaces the interest mask of a registered descriptor
	SetInterest(fd int, interest Interest) error
	// Unregister stops watching fd; unknown descriptors are ignored
	Unregister(fd int) error
	// Poll waits up to timeoutMs (negative blocks) and dispatches one round.
	// It returns the number of callbacks invoked.
	Poll(timeoutMs int) (int, error)
	Close() error
}

// Option configures a Poller
type Option func(*options)

type options struct {
	log       logrus.FieldLogger
	maxEvents int
}

// WithLogger sets the logger used for recovered callback panics
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithMaxEvents bounds how many ready descriptors one round can report
func WithMaxEvents(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEvents = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		log:       logrus.StandardLogger(),
		maxEvents: 1024,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type registration struct {
	interest Interest
	cb       Callback
}

type readyEvent struct {
	fd  int
	ev  Event
	reg *registration
}

// table is the registration table and ready list shared by the backends
type table struct {
	regs  map[int]*registration
	ready []readyEvent
	pos   map[int]int
	log   logrus.FieldLogger
}

func newTable(log logrus.FieldLogger) table {
	return table{
		regs: make(map[int]*registration),
		pos:  make(map[int]int),
		log:  log,
	}
}

// queue records ev for fd in the current round, merging repeated reports
func (t *table) queue(fd int, ev Event) {
	reg, ok := t.regs[fd]
	if !ok {
		return
	}
	if i, ok := t.pos[fd]; ok {
		t.ready[i].ev |= ev
		return
	}
	t.pos[fd] = len(t.ready)
	t.ready = append(t.ready, readyEvent{fd: fd, ev: ev, reg: reg})
}

// drain dispatches the queued round. A descriptor unregistered or
// re-registered by an earlier callback of the same round is skipped.
func (t *table) drain() int {
	dispatched := 0
	for i := range t.ready {
		r := t.ready[i]
		if t.regs[r.fd] != r.reg {
			continue
		}
		ev := r.ev
		if r.reg.interest&Write == 0 {
			ev &^= EventWrite
		}
		if ev == 0 {
			continue
		}
		t.call(r.fd, r.reg.cb, ev)
		dispatched++
	}
	t.ready = t.ready[:0]
	clear(t.pos)
	return dispatched
}

func (t *table) call(fd int, cb Callback, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			t.log.WithFields(logrus.Fields{"fd": fd, "events": ev}).
				Errorf("poller: callback panic: %v", rec)
		}
	}()
	cb(ev)
}

// Run polls p until ctx is cancelled, calling tick after every round.
// Cancellation is noticed within one interval; it returns nil in that case.
func Run(ctx context.Context, p Poller, interval time.Duration, tick func()) error {
	timeout := int(interval / time.Millisecond)
	if timeout <= 0 {
		timeout = 100
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := p.Poll(timeout); err != nil {
			return err
		}
		if tick != nil {
			tick()
		}
	}
}
