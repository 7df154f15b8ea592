package socket

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pokrasko/http-webchat/core/errs"
	"github.com/pokrasko/http-webchat/core/poller"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// AcceptHandler receives every accepted connection, already registered
// for reading
type AcceptHandler func(c *Conn)

// Listener owns a bound, listening, non-blocking descriptor
type Listener struct {
	fd     int
	host   string
	port   int
	poller poller.Poller
	accept AcceptHandler
	opts   options
	log    logrus.FieldLogger
	closed bool

	paused   bool
	pausedAt time.Time

	acceptFd func(fd int) (int, unix.Sockaddr, error)
}

// Listen binds host:port and registers the listener for read readiness.
// Port 0 picks an ephemeral port. Every failure is a setup error and leaves
// no descriptor behind.
func Listen(p poller.Poller, host string, port int, accept AcceptHandler, opts ...Option) (*Listener, error) {
	o := buildOptions(opts)

	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, errs.E(errs.Setup, "resolve", err)
	}
	family, sa := sockaddrOf(addr)

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errs.E(errs.Setup, "socket", err)
	}
	unix.CloseOnExec(fd)

	fail := func(op string, err error) (*Listener, error) {
		unix.Close(fd)
		return nil, errs.E(errs.Setup, op, fmt.Errorf("%s: %w", addr, err))
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fail("listen", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("set nonblock", err)
	}

	bound := port
	if local, err := unix.Getsockname(fd); err == nil {
		_, bound = peerOf(local)
	}

	l := &Listener{
		fd:     fd,
		host:   host,
		port:   bound,
		poller: p,
		accept: accept,
		opts:   o,

		acceptFd: unix.Accept,
	}
	l.log = o.log.WithFields(logrus.Fields{"fd": fd, "listen": l.Addr()})

	if err := p.Register(fd, poller.Read, l.handle); err != nil {
		return fail("register", err)
	}
	return l, nil
}

func sockaddrOf(a *net.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := a.IP.To4(); a.IP == nil || ip4 != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	return unix.AF_INET6, sa
}

// Fd returns the listening descriptor
func (l *Listener) Fd() int { return l.fd }

// Port returns the bound port
func (l *Listener) Port() int { return l.port }

// Addr returns host:port as bound
func (l *Listener) Addr() string {
	return net.JoinHostPort(l.host, strconv.Itoa(l.port))
}

// Paused reports whether accepting is suspended after descriptor exhaustion
func (l *Listener) Paused() bool { return l.paused }

// Resume restores read interest once the listener has been paused for at
// least d
func (l *Listener) Resume(d time.Duration) {
	if !l.paused || l.closed || time.Since(l.pausedAt) < d {
		return
	}
	if err := l.poller.SetInterest(l.fd, poller.Read); err != nil {
		l.log.WithError(err).Warn("socket: resuming listener failed")
		return
	}
	l.paused = false
}

// pause drops read interest so a level-triggered backlog does not spin the
// reactor while no descriptor can be allocated
func (l *Listener) pause() {
	if err := l.poller.SetInterest(l.fd, 0); err != nil {
		l.log.WithError(err).Warn("socket: pausing listener failed")
		return
	}
	l.paused, l.pausedAt = true, time.Now()
}

// Close stops accepting and releases the descriptor
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.poller.Unregister(l.fd)
	if err := unix.Close(l.fd); err != nil {
		return errs.E(errs.Setup, "close listener", err)
	}
	return nil
}

func (l *Listener) handle(ev poller.Event) {
	if ev.Has(poller.EventError) {
		l.log.Warn("socket: error event on listener")
	}
	if ev.Has(poller.EventRead) {
		l.acceptAll()
	}
}

// acceptAll accepts pending connections until none is immediately available
func (l *Listener) acceptAll() {
	for !l.closed {
		nfd, sa, err := l.acceptFd(l.fd)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED, unix.EPROTO, unix.EPERM:
				l.opts.stats.AcceptFailed()
				l.log.WithError(err).Debug("socket: accept failed, continuing")
				continue
			default:
				// Resource exhaustion: leave the rest pending until Resume.
				l.opts.stats.AcceptFailed()
				l.log.WithError(err).Warn("socket: accept failed, pausing listener")
				l.pause()
				return
			}
		}

		host, port := peerOf(sa)
		if l.opts.noDelay {
			unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		}

		c, err := newConn(l.poller, nfd, host, port, l.opts)
		if err != nil {
			unix.Close(nfd)
			l.opts.stats.AcceptFailed()
			l.log.WithError(err).Warn("socket: connection setup failed")
			continue
		}

		l.opts.stats.Accepted()
		l.accept(c)
	}
}
