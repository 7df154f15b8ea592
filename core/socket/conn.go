package socket

import (
	"net"
	"strconv"
	"time"

	"github.com/eapache/queue"
	"github.com/pokrasko/http-webchat/core/errs"
	"github.com/pokrasko/http-webchat/core/poller"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DataHandler receives the whole unconsumed input buffer. The slice is only
// valid until the handler returns or calls Consume.
type DataHandler = func(data []byte)

// CloseHandler is invoked once when the connection closes
type CloseHandler = func()

// Conn is a non-blocking, buffered byte stream over one connected descriptor.
// It is owned by the reactor goroutine; none of its methods are safe for
// concurrent use.
//
// A zero-length read is treated as a half-close: bytes received before it
// are delivered, reading stops and the connection closes once queued output
// has been sent (see Shutdown). A hang-up or error event closes at once and
// discards anything unread or unsent.
type Conn struct {
	fd     int
	host   string
	port   int
	poller poller.Poller
	opts   options
	log    logrus.FieldLogger

	in       []byte
	out      *queue.Queue // pending []byte chunks, oldest first
	outHead  int          // bytes of the front chunk already sent
	outLen   int
	interest poller.Interest

	onData  DataHandler
	onClose CloseHandler

	closing    bool
	closed     bool
	lastActive time.Time
}

// Adopt wraps an already connected descriptor and registers it for reading.
// On failure the descriptor is left open for the caller.
func Adopt(p poller.Poller, fd int, opts ...Option) (*Conn, error) {
	o := buildOptions(opts)

	host, port := "", 0
	if sa, err := unix.Getpeername(fd); err == nil {
		host, port = peerOf(sa)
	}
	return newConn(p, fd, host, port, o)
}

func newConn(p poller.Poller, fd int, host string, port int, o options) (*Conn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, errs.E(errs.Conn, "set nonblock", err)
	}
	unix.CloseOnExec(fd)

	c := &Conn{
		fd:         fd,
		host:       host,
		port:       port,
		poller:     p,
		opts:       o,
		out:        queue.New(),
		interest:   poller.Read,
		lastActive: time.Now(),
	}
	c.log = o.log.WithFields(logrus.Fields{"fd": fd, "peer": c.RemoteAddr()})

	if err := p.Register(fd, poller.Read, c.handle); err != nil {
		return nil, err
	}
	return c, nil
}

func peerOf(sa unix.Sockaddr) (string, int) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), a.Port
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String(), a.Port
	case *unix.SockaddrUnix:
		return a.Name, 0
	}
	return "", 0
}

// Fd returns the descriptor
func (c *Conn) Fd() int { return c.fd }

// RemoteHost returns the numeric peer host
func (c *Conn) RemoteHost() string { return c.host }

// RemotePort returns the peer port
func (c *Conn) RemotePort() int { return c.port }

// RemoteAddr returns host:port of the peer
func (c *Conn) RemoteAddr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Buffered returns the number of received bytes not yet consumed
func (c *Conn) Buffered() int { return len(c.in) }

// Pending returns the number of queued bytes not yet sent
func (c *Conn) Pending() int { return c.outLen }

// Interest returns the currently registered interest mask
func (c *Conn) Interest() poller.Interest { return c.interest }

// Closed reports whether Close has run
func (c *Conn) Closed() bool { return c.closed }

// Closing reports whether Shutdown is waiting for output to drain
func (c *Conn) Closing() bool { return c.closing }

// LastActive returns the time of the last successful read or write
func (c *Conn) LastActive() time.Time { return c.lastActive }

// OnData sets the data handler. Bytes buffered before the call are
// delivered synchronously.
func (c *Conn) OnData(h DataHandler) {
	c.onData = h
	if h != nil && len(c.in) > 0 && !c.closed {
		c.deliver()
	}
}

// OnClose sets the close handler
func (c *Conn) OnClose(h CloseHandler) {
	c.onClose = h
}

// Consume drops the first n bytes of the input buffer
func (c *Conn) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(c.in) {
		c.in = c.in[:0]
		return
	}
	m := copy(c.in, c.in[n:])
	c.in = c.in[:m]
}

// Write queues b for transmission. b is copied.
func (c *Conn) Write(b []byte) error {
	if c.closed {
		return errs.E(errs.Conn, "write", ErrClosed)
	}
	if len(b) == 0 {
		return nil
	}

	wasEmpty := c.outLen == 0
	c.out.Add(append([]byte(nil), b...))
	c.outLen += len(b)

	if wasEmpty {
		if err := c.setInterest(c.interest | poller.Write); err != nil {
			c.log.WithError(err).Warn("socket: enabling write interest failed, closing")
			c.Close()
			return err
		}
	}
	return nil
}

// Shutdown closes the connection once queued output has been sent.
// No further input is read.
func (c *Conn) Shutdown() {
	if c.closed {
		return
	}
	if c.outLen == 0 {
		c.Close()
		return
	}
	c.closing = true
	if err := c.setInterest(poller.Write); err != nil {
		c.Close()
	}
}

// Close releases the descriptor, discards unsent output and runs the close
// handler. Only the first call has any effect.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.poller.Unregister(c.fd); err != nil {
		c.log.WithError(err).Debug("socket: unregister failed")
	}

	if c.outLen > 0 {
		c.log.WithField("discarded", c.outLen).Debug("socket: closing with unsent output")
	}
	c.out = queue.New()
	c.outHead, c.outLen = 0, 0
	c.in = nil

	if h := c.onClose; h != nil {
		c.onClose = nil
		c.runCloseHandler(h)
	}
	c.onData = nil

	c.opts.stats.Closed()
	if err := unix.Close(c.fd); err != nil {
		return errs.E(errs.Conn, "close", err)
	}
	return nil
}

func (c *Conn) runCloseHandler(h CloseHandler) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Errorf("socket: close handler panic: %v", rec)
		}
	}()
	h()
}

func (c *Conn) setInterest(i poller.Interest) error {
	if i == c.interest {
		return nil
	}
	if err := c.poller.SetInterest(c.fd, i); err != nil {
		return err
	}
	c.interest = i
	return nil
}

// handle is the poller callback
func (c *Conn) handle(ev poller.Event) {
	if ev&(poller.EventHangup|poller.EventError) != 0 {
		c.Close()
		return
	}
	if ev.Has(poller.EventRead) && !c.closing {
		c.readReady()
		if c.closed {
			return
		}
	}
	if ev.Has(poller.EventWrite) {
		c.writeReady()
	}
}

// readReady drains the socket into the input buffer
func (c *Conn) readReady() {
	buf := c.opts.pool.Get(c.opts.readSize)
	defer c.opts.pool.Put(buf)

	received, eof := false, false
	for !eof {
		n, err := unix.Read(c.fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			c.log.WithError(err).Debug("socket: read failed, closing")
			c.Close()
			return
		}
		if n == 0 {
			eof = true
			break
		}
		c.in = append(c.in, buf[:n]...)
		c.opts.stats.Read(n)
		received = true
	}

	if received {
		c.lastActive = time.Now()
		c.deliver()
		if c.closed {
			return
		}
	}
	if eof {
		// Let a response to data received before EOF go out first.
		c.Shutdown()
	}
}

func (c *Conn) deliver() {
	if c.onData == nil || len(c.in) == 0 {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Errorf("socket: data handler panic, closing: %v", rec)
			c.Close()
		}
	}()
	c.onData(c.in)
}

// writeReady sends queued chunks until the queue empties or the send would block
func (c *Conn) writeReady() {
	for c.out.Length() > 0 {
		chunk := c.out.Peek().([]byte)
		n, err := unix.Write(c.fd, chunk[c.outHead:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			c.log.WithError(err).Debug("socket: write failed, closing")
			c.Close()
			return
		}
		if n <= 0 {
			return
		}

		c.opts.stats.Wrote(n)
		c.lastActive = time.Now()
		c.outHead += n
		c.outLen -= n
		if c.outHead == len(chunk) {
			c.out.Remove()
			c.outHead = 0
		}
	}

	if c.closing {
		c.Close()
		return
	}
	if err := c.setInterest(c.interest &^ poller.Write); err != nil {
		c.log.WithError(err).Warn("socket: dropping write interest failed, closing")
		c.Close()
	}
}
