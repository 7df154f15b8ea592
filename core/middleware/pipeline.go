package middleware

import (
	"strconv"
	"time"

	"github.com/pokrasko/http-webchat/core/http"
	"github.com/pokrasko/http-webchat/core/router"
	"github.com/sirupsen/logrus"
)

// Middleware wraps a handler
type Middleware func(next router.Handler) router.Handler

// Pipeline is an ordered middleware chain. The first middleware added is
// the outermost.
type Pipeline struct {
	middlewares []Middleware
}

// NewPipeline creates an empty pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{
		middlewares: make([]Middleware, 0, 8),
	}
}

// Use appends middlewares to the pipeline
func (p *Pipeline) Use(mw ...Middleware) *Pipeline {
	p.middlewares = append(p.middlewares, mw...)
	return p
}

// Len returns the number of middlewares
func (p *Pipeline) Len() int {
	return len(p.middlewares)
}

// Then wraps final with every middleware in the pipeline
func (p *Pipeline) Then(final router.Handler) router.Handler {
	// Fast path: no middlewares
	if len(p.middlewares) == 0 {
		return final
	}
	h := final
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		h = p.middlewares[i](h)
	}
	return h
}

// Common middleware implementations

// Recovery turns a handler panic into a 500 response
func Recovery(log logrus.FieldLogger) Middleware {
	return func(next router.Handler) router.Handler {
		return func(req *http.Message, params router.Params) (resp *http.Message) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithField("target", req.Target()).Errorf("handler panic recovered: %v", rec)
					resp = http.NewResponse(500, "", req.Version())
				}
			}()
			return next(req, params)
		}
	}
}

// Logger logs every exchange at debug level
func Logger(log logrus.FieldLogger) Middleware {
	return func(next router.Handler) router.Handler {
		return func(req *http.Message, params router.Params) *http.Message {
			start := time.Now()
			resp := next(req, params)

			status := 404
			if resp != nil {
				status = resp.Status()
			}
			log.WithFields(logrus.Fields{
				"method":  req.Method().String(),
				"target":  req.Target(),
				"status":  status,
				"elapsed": time.Since(start),
			}).Debug("exchange")
			return resp
		}
	}
}

// CORS allows cross-origin requests from any origin
func CORS() Middleware {
	return func(next router.Handler) router.Handler {
		return func(req *http.Message, params router.Params) *http.Message {
			resp := next(req, params)
			if resp == nil || resp.State() == http.StateFinished {
				return resp
			}
			resp.SetHeader("Access-Control-Allow-Origin", "*")
			resp.SetHeader("Access-Control-Allow-Methods", "GET, HEAD, POST")
			resp.SetHeader("Access-Control-Allow-Headers", "Content-Type")
			return resp
		}
	}
}

// RequestID numbers responses with an X-Request-ID header
func RequestID() Middleware {
	var counter uint64

	return func(next router.Handler) router.Handler {
		return func(req *http.Message, params router.Params) *http.Message {
			counter++
			id := counter
			resp := next(req, params)
			if resp != nil && resp.State() != http.StateFinished {
				resp.SetHeader("X-Request-ID", strconv.FormatUint(id, 10))
			}
			return resp
		}
	}
}
