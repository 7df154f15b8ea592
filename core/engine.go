package core

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pokrasko/http-webchat/core/errs"
	"github.com/pokrasko/http-webchat/core/http"
	"github.com/pokrasko/http-webchat/core/middleware"
	"github.com/pokrasko/http-webchat/core/observability"
	"github.com/pokrasko/http-webchat/core/poller"
	"github.com/pokrasko/http-webchat/core/pools"
	"github.com/pokrasko/http-webchat/core/router"
	"github.com/pokrasko/http-webchat/core/socket"
	"github.com/sirupsen/logrus"
)

// HandlerFunc answers a request. Returning nil produces a 404.
type HandlerFunc = router.Handler

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	IdleTimeout  time.Duration
	PollInterval time.Duration
	MaxLineBytes int
	MaxBodyBytes uint64
	Logger       logrus.FieldLogger
}

// Engine serves HTTP/1.x on a single reactor goroutine
type Engine struct {
	opts    Options
	log     logrus.FieldLogger
	router  *router.Router
	chain   *middleware.Pipeline
	handler HandlerFunc // fallback when no route matches

	stats    *observability.Stats
	monitor  *observability.ExchangeMonitor
	bytePool *pools.BytePool

	conns map[int]*socket.Conn
	ln    *socket.Listener
	port  int
	ready chan struct{}
}

// NewEngine creates a new engine instance
func NewEngine(opts Options) *Engine {
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = http.DefaultMaxLineBytes
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Engine{
		opts:     opts,
		log:      opts.Logger,
		router:   router.New(),
		chain:    middleware.NewPipeline(),
		stats:    observability.NewStats(),
		monitor:  observability.NewExchangeMonitor(),
		bytePool: pools.NewBytePool(),
		conns:    make(map[int]*socket.Conn),
		ready:    make(chan struct{}),
	}
}

// GET registers a GET route. HEAD requests fall back to GET routes.
func (e *Engine) GET(path string, h HandlerFunc) {
	e.router.Add(http.MethodGet, path, h)
}

// HEAD registers a HEAD route
func (e *Engine) HEAD(path string, h HandlerFunc) {
	e.router.Add(http.MethodHead, path, h)
}

// POST registers a POST route
func (e *Engine) POST(path string, h HandlerFunc) {
	e.router.Add(http.MethodPost, path, h)
}

// Handle sets the handler for requests no route matches
func (e *Engine) Handle(h HandlerFunc) {
	e.handler = h
}

// Use appends middlewares run around every handler
func (e *Engine) Use(mw ...middleware.Middleware) {
	e.chain.Use(mw...)
}

// Stats returns a snapshot of the engine counters. Safe from any goroutine.
func (e *Engine) Stats() observability.Snapshot {
	return e.stats.Snapshot()
}

// Monitor returns the per-route latency monitor
func (e *Engine) Monitor() *observability.ExchangeMonitor {
	return e.monitor
}

// Ready is closed once the listener is bound
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Port returns the bound port. Valid after Ready is closed.
func (e *Engine) Port() int {
	return e.port
}

// Run binds addr and serves on the calling goroutine until ctx is cancelled.
// Failing to create the poller or bind the listener is returned as an
// errs.Setup error.
func (e *Engine) Run(ctx context.Context, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return errs.E(errs.Setup, "parse address", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errs.E(errs.Setup, "parse address", fmt.Errorf("bad port %q: %w", portStr, err))
	}

	p, err := poller.New(poller.WithLogger(e.log))
	if err != nil {
		return err
	}
	defer p.Close()

	ln, err := socket.Listen(p, host, port, e.accept,
		socket.WithLogger(e.log),
		socket.WithStats(e.stats),
		socket.WithBytePool(e.bytePool),
	)
	if err != nil {
		return err
	}
	defer ln.Close()

	e.ln = ln
	e.port = ln.Port()
	close(e.ready)
	e.log.WithField("addr", ln.Addr()).Info("server listening")

	err = poller.Run(ctx, p, e.opts.PollInterval, e.sweep)
	e.closeAll()
	e.log.WithField("served", e.stats.Snapshot().Messages).Info("server stopped")
	return err
}

func (e *Engine) accept(c *socket.Conn) {
	e.conns[c.Fd()] = c
	log := e.log.WithFields(logrus.Fields{"fd": c.Fd(), "peer": c.RemoteAddr()})

	http.ReadMessages(c, e.newRequest,
		func(req *http.Message) { e.serve(c, req) },
		http.WithAssemblerLogger(log),
		http.WithParseErrorHook(func(*http.Message, error) { e.stats.ParseError() }),
	)
}

func (e *Engine) newRequest() *http.Message {
	m := http.NewRequestParser()
	m.MaxLineBytes = e.opts.MaxLineBytes
	m.MaxBodyBytes = e.opts.MaxBodyBytes
	return m
}

// serve answers one complete request. It is also called once when the
// connection closes, with the truncated request or nil.
func (e *Engine) serve(c *socket.Conn, req *http.Message) {
	if c.Closed() {
		delete(e.conns, c.Fd())
		if req != nil && req.Truncated() && req.Err() == nil {
			e.stats.Truncated()
		}
		return
	}
	if c.Closing() {
		// Pipelined after a request that ended the connection.
		return
	}

	start := time.Now()
	e.stats.Message()

	resp, route := e.dispatch(req)
	if resp == nil {
		resp = notFound(req)
	}
	if err := e.prepare(req, resp); err != nil {
		e.log.WithError(err).Warn("unusable response, sending 500")
		resp = http.NewResponse(500, "", req.Version())
		e.prepare(req, resp)
	}

	var out []byte
	var err error
	if req.Method() == http.MethodHead {
		out, err = resp.SerializeHead()
	} else {
		out, err = resp.Serialize()
	}
	if err == nil {
		err = c.Write(out)
	}
	if err != nil {
		e.log.WithError(err).Debug("response not sent")
	}

	e.monitor.Record(route, time.Since(start), resp.Status() >= 500)
	if !req.Persistent() {
		c.Shutdown()
	}
}

// dispatch runs the matching route through the middleware chain
func (e *Engine) dispatch(req *http.Message) (*http.Message, string) {
	method := req.Method()
	h, params, pattern := e.router.Find(method, req.Target())
	if h == nil && method == http.MethodHead {
		h, params, pattern = e.router.Find(http.MethodGet, req.Target())
	}
	if h == nil {
		h, pattern = e.handler, "*"
	}
	route := method.String() + " " + pattern
	if h == nil {
		return nil, route
	}
	return e.chain.Then(h)(req, params), route
}

func notFound(req *http.Message) *http.Message {
	resp := http.NewResponse(404, "", req.Version())
	resp.SetHeader(HeaderContentType, "text/plain; charset=utf-8")
	resp.AppendBody([]byte("404 page not found\n"))
	return resp
}

// prepare sets the connection headers and finishes resp
func (e *Engine) prepare(req *http.Message, resp *http.Message) error {
	if resp.State() != http.StateFinished {
		switch {
		case !req.Persistent():
			resp.SetHeader(HeaderConnection, "close")
		case req.ShouldKeepAlive():
			resp.SetHeader(HeaderConnection, "keep-alive")
		}
	}
	return resp.Finish()
}

// sweep resumes a paused listener and closes connections idle for longer
// than IdleTimeout
func (e *Engine) sweep() {
	e.ln.Resume(e.opts.PollInterval)
	if e.opts.IdleTimeout < 0 {
		return
	}
	now := time.Now()
	for _, c := range e.conns {
		if now.Sub(c.LastActive()) > e.opts.IdleTimeout {
			e.stats.IdleClosed()
			c.Close()
		}
	}
}

func (e *Engine) closeAll() {
	for _, c := range e.conns {
		c.Close()
	}
}
