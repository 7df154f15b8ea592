//go:build darwin

package poller

import (
	"github.com/pokrasko/http-webchat/core/errs"
	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based multiplexer. Filters are added without
// EV_CLEAR so readiness stays level-triggered.
type KqueuePoller struct {
	table
	kqfd   int
	events []unix.Kevent_t
	closed bool
}

// New creates a Poller (macOS)
func New(opts ...Option) (Poller, error) {
	o := buildOptions(opts)

	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, errs.E(errs.Setup, "kqueue create", err)
	}
	unix.CloseOnExec(kqfd)

	return &KqueuePoller{
		table:  newTable(o.log),
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, o.maxEvents),
	}, nil
}

// changes builds the filter edits that turn from into to
func changes(fd int, from, to Interest) []unix.Kevent_t {
	var ch []unix.Kevent_t
	edit := func(bit Interest, filter int) {
		var ev unix.Kevent_t
		switch {
		case from&bit == 0 && to&bit != 0:
			unix.SetKevent(&ev, fd, filter, unix.EV_ADD|unix.EV_ENABLE)
		case from&bit != 0 && to&bit == 0:
			unix.SetKevent(&ev, fd, filter, unix.EV_DELETE)
		default:
			return
		}
		ch = append(ch, ev)
	}
	edit(Read, unix.EVFILT_READ)
	edit(Write, unix.EVFILT_WRITE)
	return ch
}

func (p *KqueuePoller) apply(ch []unix.Kevent_t) error {
	if len(ch) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kqfd, ch, nil, nil)
	return err
}

// Register adds fd to the watch list
func (p *KqueuePoller) Register(fd int, interest Interest, cb Callback) error {
	if p.closed {
		return errs.E(errs.Setup, "kqueue register", ErrClosed)
	}
	if _, ok := p.regs[fd]; ok {
		return errs.E(errs.Setup, "kqueue register", ErrRegistered)
	}

	if err := p.apply(changes(fd, 0, interest)); err != nil {
		return errs.E(errs.Setup, "kevent add", err)
	}

	p.regs[fd] = &registration{interest: interest, cb: cb}
	return nil
}

// SetInterest modifies the watched conditions of fd
func (p *KqueuePoller) SetInterest(fd int, interest Interest) error {
	reg, ok := p.regs[fd]
	if !ok {
		return errs.E(errs.Misuse, "kqueue set interest", ErrNotRegistered)
	}

	if err := p.apply(changes(fd, reg.interest, interest)); err != nil {
		return errs.E(errs.Conn, "kevent modify", err)
	}

	reg.interest = interest
	return nil
}

// Unregister removes fd from the watch list
func (p *KqueuePoller) Unregister(fd int) error {
	reg, ok := p.regs[fd]
	if !ok {
		return nil
	}
	delete(p.regs, fd)

	if err := p.apply(changes(fd, reg.interest, 0)); err != nil {
		return errs.E(errs.Conn, "kevent delete", err)
	}
	return nil
}

// Poll waits for I/O events and dispatches them
func (p *KqueuePoller) Poll(timeoutMs int) (int, error) {
	if p.closed {
		return 0, errs.E(errs.Setup, "kevent wait", ErrClosed)
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errs.E(errs.Setup, "kevent wait", err)
	}

	for i := 0; i < n; i++ {
		raw := p.events[i]
		var ev Event
		switch {
		case raw.Flags&unix.EV_ERROR != 0:
			ev = EventError
		case raw.Filter == unix.EVFILT_READ:
			ev = EventRead
		case raw.Filter == unix.EVFILT_WRITE:
			ev = EventWrite
		}
		p.queue(int(raw.Ident), ev)
	}

	return p.drain(), nil
}

// Close closes the kqueue descriptor. Registered descriptors are not closed.
func (p *KqueuePoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	clear(p.regs)
	return unix.Close(p.kqfd)
}
