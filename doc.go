/*
Package webchat is a single-threaded, reactor-style HTTP/1.x server core.

One goroutine owns an epoll (Linux) or kqueue (macOS) multiplexer and
dispatches readiness events to callbacks. Sockets are non-blocking and
buffered in both directions, so no handler ever blocks the loop.

Quick Start

	package main

	import (
	    "github.com/pokrasko/http-webchat/app"
	    "github.com/pokrasko/http-webchat/config"
	    "github.com/pokrasko/http-webchat/core/http"
	    "github.com/pokrasko/http-webchat/core/router"
	)

	func main() {
	    application := app.New(config.New())

	    application.Engine().GET("/hello/:name", func(req *http.Message, p router.Params) *http.Message {
	        resp := http.NewResponse(200, "", req.Version())
	        resp.AppendBody([]byte("Hello, " + p["name"]))
	        return resp
	    })

	    application.Run()
	}

Modules

  - app: application lifecycle and signal handling
  - config: flags, WEBCHAT_* environment and JSON file configuration
  - core: the Engine tying listener, parser and routes together
  - core/errs: error kinds (setup, connection, protocol, misuse)
  - core/poller: readiness multiplexer (epoll/kqueue)
  - core/socket: listening socket and buffered connections
  - core/http: HTTP/1.x message state machine and per-connection assembler
  - core/router: segment tree router
  - core/middleware: handler middleware
  - core/pools: read buffer pool
  - core/observability: counters and per-route latency

A complete chat server built on these packages lives in examples/chat.
*/
package webchat
