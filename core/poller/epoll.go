//go:build linux

package poller

import (
	"github.com/pokrasko/http-webchat/core/errs"
	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based, level-triggered multiplexer
type EpollPoller struct {
	table
	epfd   int
	events []unix.EpollEvent
	closed bool
}

// New creates a Poller (Linux)
func New(opts ...Option) (Poller, error) {
	o := buildOptions(opts)

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errs.E(errs.Setup, "epoll create", err)
	}

	return &EpollPoller{
		table:  newTable(o.log),
		epfd:   epfd,
		events: make([]unix.EpollEvent, o.maxEvents),
	}, nil
}

func epollEvents(interest Interest) uint32 {
	var ev uint32
	if interest&Read != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Register adds fd to the watch list
func (p *EpollPoller) Register(fd int, interest Interest, cb Callback) error {
	if p.closed {
		return errs.E(errs.Setup, "epoll register", ErrClosed)
	}
	if _, ok := p.regs[fd]; ok {
		return errs.E(errs.Setup, "epoll register", ErrRegistered)
	}

	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errs.E(errs.Setup, "epoll ctl add", err)
	}

	p.regs[fd] = &registration{interest: interest, cb: cb}
	return nil
}

// SetInterest modifies the watched conditions of fd
func (p *EpollPoller) SetInterest(fd int, interest Interest) error {
	reg, ok := p.regs[fd]
	if !ok {
		return errs.E(errs.Misuse, "epoll set interest", ErrNotRegistered)
	}
	if reg.interest == interest {
		return nil
	}

	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return errs.E(errs.Conn, "epoll ctl mod", err)
	}

	reg.interest = interest
	return nil
}

// Unregister removes fd from the watch list
func (p *EpollPoller) Unregister(fd int) error {
	if _, ok := p.regs[fd]; !ok {
		return nil
	}
	delete(p.regs, fd)

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errs.E(errs.Conn, "epoll ctl del", err)
	}
	return nil
}

// Poll waits for I/O events and dispatches them
func (p *EpollPoller) Poll(timeoutMs int) (int, error) {
	if p.closed {
		return 0, errs.E(errs.Setup, "epoll wait", ErrClosed)
	}

	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errs.E(errs.Setup, "epoll wait", err)
	}

	for i := 0; i < n; i++ {
		raw := p.events[i]
		var ev Event
		if raw.Events&unix.EPOLLIN != 0 {
			ev |= EventRead
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			ev |= EventWrite
		}
		if raw.Events&unix.EPOLLHUP != 0 {
			ev |= EventHangup
		}
		if raw.Events&unix.EPOLLERR != 0 {
			ev |= EventError
		}
		p.queue(int(raw.Fd), ev)
	}

	return p.drain(), nil
}

// Close closes the epoll descriptor. Registered descriptors are not closed.
func (p *EpollPoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	clear(p.regs)
	return unix.Close(p.epfd)
}
