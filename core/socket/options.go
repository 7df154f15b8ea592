package socket

import (
	"errors"

	"github.com/pokrasko/http-webchat/core/observability"
	"github.com/pokrasko/http-webchat/core/pools"
	"github.com/sirupsen/logrus"
)

var (
	ErrClosed = errors.New("socket: closed")
)

// Option configures listeners and the connections they accept
type Option func(*options)

type options struct {
	log      logrus.FieldLogger
	stats    *observability.Stats
	pool     *pools.BytePool
	readSize int
	noDelay  bool
}

// WithLogger sets the logger for socket errors
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithStats reports accepted/closed connections and byte counts to s
func WithStats(s *observability.Stats) Option {
	return func(o *options) {
		o.stats = s
	}
}

// WithBytePool shares read scratch buffers between connections
func WithBytePool(p *pools.BytePool) Option {
	return func(o *options) {
		o.pool = p
	}
}

// WithReadSize sets the size of a single read
func WithReadSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readSize = n
		}
	}
}

// WithNoDelay toggles TCP_NODELAY on accepted connections
func WithNoDelay(on bool) Option {
	return func(o *options) {
		o.noDelay = on
	}
}

func buildOptions(opts []Option) options {
	o := options{
		log:      logrus.StandardLogger(),
		readSize: 4096,
		noDelay:  true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.pool == nil {
		o.pool = pools.NewBytePool()
	}
	return o
}
