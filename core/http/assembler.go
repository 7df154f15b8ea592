package http

import (
	"github.com/sirupsen/logrus"
)

// Stream is the byte source an Assembler reads from. socket.Conn implements it.
type Stream interface {
	OnData(func(data []byte))
	OnClose(func())
	Consume(n int)
	Close() error
}

// Factory creates the message for the next exchange on a stream
type Factory func() *Message

// Done receives each completed message. On close it receives the truncated
// in-progress message, or nil when the stream closed between messages.
type Done func(m *Message)

// AssemblerOption configures an Assembler
type AssemblerOption func(*Assembler)

// WithAssemblerLogger sets the logger for parse failures
func WithAssemblerLogger(l logrus.FieldLogger) AssemblerOption {
	return func(a *Assembler) {
		if l != nil {
			a.log = l
		}
	}
}

// WithParseErrorHook is called with the failed message before the stream
// is closed
func WithParseErrorHook(fn func(m *Message, err error)) AssemblerOption {
	return func(a *Assembler) {
		a.onError = fn
	}
}

// Assembler turns the byte stream of one connection into a sequence of
// messages. At most one message is in progress at a time; pipelined bytes
// that follow a completed message start the next one.
type Assembler struct {
	stream  Stream
	factory Factory
	done    Done
	log     logrus.FieldLogger
	onError func(m *Message, err error)

	pending *Message
	closed  bool
}

// ReadMessages attaches an Assembler to s
func ReadMessages(s Stream, factory Factory, done Done, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		stream:  s,
		factory: factory,
		done:    done,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}

	// The close handler goes first: OnData may deliver buffered bytes
	// synchronously and a parse failure closes the stream.
	s.OnClose(a.onClose)
	s.OnData(a.onData)
	return a
}

// Pending returns the message being assembled, if any
func (a *Assembler) Pending() *Message { return a.pending }

func (a *Assembler) onData(data []byte) {
	consumed := 0
	for !a.closed && consumed < len(data) {
		if a.pending == nil {
			a.pending = a.factory()
		}
		m := a.pending

		n, err := m.Feed(data[consumed:])
		consumed += n
		if err != nil {
			a.fail(m, err)
			return
		}

		if !m.Complete() {
			break
		}
		a.pending = nil
		a.done(m)
	}
	if !a.closed {
		a.stream.Consume(consumed)
	}
}

func (a *Assembler) fail(m *Message, err error) {
	a.log.WithError(err).Debug("http: parse failed, closing stream")
	if a.onError != nil {
		a.onError(m, err)
	}
	a.stream.Close()
}

func (a *Assembler) onClose() {
	if a.closed {
		return
	}
	a.closed = true

	m := a.pending
	a.pending = nil
	if m != nil && m.blank() {
		m = nil
	}
	if m != nil {
		m.Truncate()
	}
	a.done(m)
}
