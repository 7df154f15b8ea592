//go:build linux || darwin

package core

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pokrasko/http-webchat/core/errs"
	"github.com/pokrasko/http-webchat/core/http"
	"github.com/pokrasko/http-webchat/core/router"
	"github.com/sirupsen/logrus"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

// startEngine runs e on a loopback ephemeral port until the test ends
func startEngine(t *testing.T, opts Options, setup func(e *Engine)) *Engine {
	t.Helper()
	opts.Logger = quietLogger()
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	e := NewEngine(opts)
	if setup != nil {
		setup(e)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, "127.0.0.1:0") }()

	select {
	case <-e.Ready():
	case err := <-done:
		t.Fatalf("Run: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return e
}

func dial(t *testing.T, e *Engine) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(e.Port())))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { c.Close() })
	return c
}

// responseReader parses consecutive responses from one client connection
type responseReader struct {
	conn net.Conn
	buf  []byte
}

func (r *responseReader) next(t *testing.T, method http.Method) *http.Message {
	t.Helper()
	m := http.NewResponseParser(method)
	chunk := make([]byte, 4096)
	for {
		n, err := m.Feed(r.buf)
		if err != nil {
			t.Fatalf("response parse: %v", err)
		}
		r.buf = r.buf[n:]
		if m.Complete() {
			return m
		}

		got, err := r.conn.Read(chunk)
		if err != nil {
			t.Fatalf("read response: %v (partial %q)", err, r.buf)
		}
		r.buf = append(r.buf, chunk[:got]...)
	}
}

func expectEOF(t *testing.T, c net.Conn) {
	t.Helper()
	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("Expected clean EOF, got %v", err)
	}
	if len(b) != 0 {
		t.Fatalf("Expected no more bytes, got %q", b)
	}
}

func hello(req *http.Message, params router.Params) *http.Message {
	resp := http.NewResponse(200, "", req.Version())
	resp.SetHeader(HeaderContentType, "text/plain")
	resp.AppendBody([]byte("hello " + params["name"]))
	return resp
}

func TestEngineServesRoute(t *testing.T) {
	e := startEngine(t, Options{}, func(e *Engine) {
		e.GET("/hello/:name", hello)
	})
	c := dial(t, e)
	c.Write([]byte("GET /hello/world HTTP/1.1\r\nHost: x\r\n\r\n"))

	r := &responseReader{conn: c}
	resp := r.next(t, http.MethodGet)
	if resp.Status() != 200 || string(resp.Body()) != "hello world" {
		t.Errorf("Unexpected response %d %q", resp.Status(), resp.Body())
	}
	if v, _ := resp.Header("content-length"); v != "11" {
		t.Errorf("Expected Content-Length 11, got %q", v)
	}
}

func TestEngineNotFound(t *testing.T) {
	e := startEngine(t, Options{}, nil)
	c := dial(t, e)
	c.Write([]byte("GET /missing HTTP/1.1\r\n\r\n"))

	resp := (&responseReader{conn: c}).next(t, http.MethodGet)
	if resp.Status() != 404 {
		t.Errorf("Expected 404, got %d", resp.Status())
	}
}

func TestEngineFallbackHandler(t *testing.T) {
	e := startEngine(t, Options{}, func(e *Engine) {
		e.Handle(func(req *http.Message, _ router.Params) *http.Message {
			resp := http.NewResponse(200, "", "")
			resp.AppendBody([]byte(req.Target()))
			return resp
		})
	})
	c := dial(t, e)
	c.Write([]byte("GET /anything?x=1 HTTP/1.1\r\n\r\n"))

	resp := (&responseReader{conn: c}).next(t, http.MethodGet)
	if string(resp.Body()) != "/anything?x=1" {
		t.Errorf("Unexpected body %q", resp.Body())
	}
}

func TestEnginePipelining(t *testing.T) {
	e := startEngine(t, Options{}, func(e *Engine) {
		e.GET("/hello/:name", hello)
		e.POST("/echo", func(req *http.Message, _ router.Params) *http.Message {
			resp := http.NewResponse(200, "", "")
			resp.AppendBody(req.Body())
			return resp
		})
	})
	c := dial(t, e)
	c.Write([]byte("GET /hello/a HTTP/1.1\r\n\r\n" +
		"POST /echo HTTP/1.1\r\nContent-Length: 4\r\n\r\nping" +
		"GET /hello/b HTTP/1.1\r\n\r\n"))

	r := &responseReader{conn: c}
	for _, want := range []string{"hello a", "ping", "hello b"} {
		if got := string(r.next(t, http.MethodGet).Body()); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}

func TestEngineConnectionClose(t *testing.T) {
	e := startEngine(t, Options{}, func(e *Engine) {
		e.GET("/hello/:name", hello)
	})
	c := dial(t, e)
	c.Write([]byte("GET /hello/x HTTP/1.1\r\nConnection: close\r\n\r\n"))

	r := &responseReader{conn: c}
	resp := r.next(t, http.MethodGet)
	if v, _ := resp.Header("Connection"); v != "close" {
		t.Errorf("Expected Connection: close, got %q", v)
	}
	expectEOF(t, c)
}

func TestEngineHTTP10KeepAlive(t *testing.T) {
	e := startEngine(t, Options{}, func(e *Engine) {
		e.GET("/hello/:name", hello)
	})
	c := dial(t, e)
	c.Write([]byte("GET /hello/x HTTP/1.0\r\nConnection: keep-alive\r\n\r\nGET /hello/y HTTP/1.0\r\n\r\n"))

	r := &responseReader{conn: c}
	first := r.next(t, http.MethodGet)
	if v, _ := first.Header("Connection"); v != "keep-alive" {
		t.Errorf("Expected keep-alive echoed, got %q", v)
	}
	if string(r.next(t, http.MethodGet).Body()) != "hello y" {
		t.Error("Expected second response on the kept connection")
	}
	expectEOF(t, c)
}

func TestEngineHeadOmitsBody(t *testing.T) {
	e := startEngine(t, Options{}, func(e *Engine) {
		e.GET("/hello/:name", hello)
	})
	c := dial(t, e)
	c.Write([]byte("HEAD /hello/x HTTP/1.1\r\n\r\nGET /hello/y HTTP/1.1\r\n\r\n"))

	r := &responseReader{conn: c}
	head := r.next(t, http.MethodHead)
	if v, _ := head.Header("Content-Length"); v != "7" || len(head.Body()) != 0 {
		t.Errorf("Unexpected HEAD response length=%q body=%q", v, head.Body())
	}
	if string(r.next(t, http.MethodGet).Body()) != "hello y" {
		t.Error("Expected GET response right after the HEAD headers")
	}
}

func TestEngineParseErrorCloses(t *testing.T) {
	e := startEngine(t, Options{}, nil)
	c := dial(t, e)
	c.Write([]byte("GET / HTTP/1.1\r\nBadHeader\r\n\r\n"))

	expectEOF(t, c)
	if e.Stats().ParseErrors != 1 {
		t.Errorf("Expected one parse error, got %+v", e.Stats())
	}
}

func TestEngineIdleTimeout(t *testing.T) {
	e := startEngine(t, Options{IdleTimeout: 50 * time.Millisecond}, nil)
	c := dial(t, e)

	expectEOF(t, c)
	if e.Stats().IdleClosed != 1 {
		t.Errorf("Expected one idle close, got %+v", e.Stats())
	}
}

func TestEngineTruncatedRequest(t *testing.T) {
	e := startEngine(t, Options{}, nil)
	c := dial(t, e)
	c.Write([]byte("POST /upload HTTP/1.1\r\nContent-Length: 100\r\n\r\npartial"))
	c.(*net.TCPConn).CloseWrite()

	expectEOF(t, c)
	deadline := time.Now().Add(5 * time.Second)
	for e.Stats().Truncated != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected one truncated request, got %+v", e.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngineStopsOnCancel(t *testing.T) {
	e := NewEngine(Options{Logger: quietLogger(), PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, "127.0.0.1:0") }()
	<-e.Ready()

	c := dial(t, e)
	deadline := time.Now().Add(5 * time.Second)
	for e.Stats().Accepted != 1 {
		if time.Now().After(deadline) {
			t.Fatal("connection not accepted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil on cancel, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	expectEOF(t, c)
}

func TestEngineBindFailureIsSetupError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer busy.Close()

	e := NewEngine(Options{Logger: quietLogger()})
	err = e.Run(context.Background(), busy.Addr().String())
	if !errs.Is(err, errs.Setup) {
		t.Errorf("Expected setup error, got %v", err)
	}

	err = NewEngine(Options{Logger: quietLogger()}).Run(context.Background(), "no-port")
	if !errs.Is(err, errs.Setup) {
		t.Errorf("Expected setup error for bad address, got %v", err)
	}
}

func TestEngineReport(t *testing.T) {
	e := startEngine(t, Options{}, func(e *Engine) {
		e.GET("/hello/:name", hello)
	})
	c := dial(t, e)
	c.Write([]byte("GET /hello/r HTTP/1.1\r\n\r\n"))
	(&responseReader{conn: c}).next(t, http.MethodGet)

	if rm := e.Monitor().Route("GET /hello/:name"); rm.Count.Load() != 1 {
		t.Errorf("Expected one recorded exchange, got %d", rm.Count.Load())
	}
	if r := e.Report(); r.Connections.Accepted != 1 || r.ReadBuffers.Gets == 0 {
		t.Errorf("Unexpected report %+v", r)
	}
	if !strings.Contains(e.ReportJSON(), `"accepted": 1`) {
		t.Errorf("Unexpected JSON report %s", e.ReportJSON())
	}
}
