//go:build linux || darwin

package poller

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/pokrasko/http-webchat/core/errs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func newTestPoller(t *testing.T) Poller {
	t.Helper()
	p, err := New(WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New poller: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollDispatchesRead(t *testing.T) {
	p := newTestPoller(t)
	a, b := socketPair(t)

	var got Event
	if err := p.Register(a, Read, func(ev Event) { got = ev }); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := unix.Write(b, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, err := p.Poll(1000)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 dispatch, got %d", n)
	}
	if !got.Has(EventRead) {
		t.Errorf("Expected read event, got %b", got)
	}
}

func TestReadStaysSignaledUntilDrained(t *testing.T) {
	p := newTestPoller(t)
	a, b := socketPair(t)

	calls := 0
	p.Register(a, Read, func(ev Event) { calls++ })
	unix.Write(b, []byte("x"))

	p.Poll(1000)
	p.Poll(100)
	if calls != 2 {
		t.Fatalf("Expected level-triggered read twice, got %d", calls)
	}

	buf := make([]byte, 8)
	unix.Read(a, buf)
	if n, _ := p.Poll(50); n != 0 {
		t.Errorf("Expected no dispatch after draining, got %d", n)
	}
}

func TestWriteInterestRemoved(t *testing.T) {
	p := newTestPoller(t)
	a, _ := socketPair(t)

	writes := 0
	p.Register(a, Read|Write, func(ev Event) {
		if ev.Has(EventWrite) {
			writes++
		}
	})

	p.Poll(1000)
	if writes != 1 {
		t.Fatalf("Expected one write-ready dispatch, got %d", writes)
	}

	if err := p.SetInterest(a, Read); err != nil {
		t.Fatalf("SetInterest: %v", err)
	}
	if n, _ := p.Poll(50); n != 0 {
		t.Errorf("Expected no dispatch without write interest, got %d", n)
	}
	if writes != 1 {
		t.Errorf("Write callback fired after interest removal (%d)", writes)
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	p := newTestPoller(t)
	a, _ := socketPair(t)

	if err := p.Register(a, Read, func(Event) {}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := p.Register(a, Read, func(Event) {})
	if !errors.Is(err, ErrRegistered) {
		t.Fatalf("Expected ErrRegistered, got %v", err)
	}
	if !errs.Is(err, errs.Setup) {
		t.Errorf("Expected setup kind, got %s", errs.KindOf(err))
	}
}

func TestSetInterestUnknownFd(t *testing.T) {
	p := newTestPoller(t)

	err := p.SetInterest(12345, Read)
	if !errs.Is(err, errs.Misuse) {
		t.Errorf("Expected misuse error, got %v", err)
	}
	if err := p.Unregister(12345); err != nil {
		t.Errorf("Unregister of unknown fd should be a no-op, got %v", err)
	}
}

func TestPanicInCallbackIsolated(t *testing.T) {
	p := newTestPoller(t)
	a1, b1 := socketPair(t)
	a2, b2 := socketPair(t)

	calls := 0
	p.Register(a1, Read, func(Event) {
		calls++
		panic("boom")
	})
	p.Register(a2, Read, func(Event) {
		calls++
		panic("boom again")
	})
	unix.Write(b1, []byte("1"))
	unix.Write(b2, []byte("2"))

	// Both may not be ready in the very first round
	deadline := time.Now().Add(time.Second)
	for calls < 2 && time.Now().Before(deadline) {
		if _, err := p.Poll(100); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}
	if calls < 2 {
		t.Errorf("Expected both callbacks despite panics, got %d", calls)
	}
}

func TestUnregisterDuringRound(t *testing.T) {
	p := newTestPoller(t)
	a1, b1 := socketPair(t)
	a2, b2 := socketPair(t)

	calls := 0
	p.Register(a1, Read, func(Event) {
		calls++
		p.Unregister(a2)
	})
	p.Register(a2, Read, func(Event) {
		calls++
		p.Unregister(a1)
	})
	unix.Write(b1, []byte("1"))
	unix.Write(b2, []byte("2"))
	time.Sleep(10 * time.Millisecond)

	p.Poll(1000)
	if calls != 1 {
		t.Errorf("Expected exactly one callback, got %d", calls)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	p := newTestPoller(t)
	ctx, cancel := context.WithCancel(context.Background())

	ticks := 0
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, p, 10*time.Millisecond, func() {
			ticks++
			if ticks == 3 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if ticks != 3 {
		t.Errorf("Expected 3 ticks, got %d", ticks)
	}
}

func BenchmarkPollRound(b *testing.B) {
	p, err := New(WithLogger(quietLogger()))
	if err != nil {
		b.Fatal(err)
	}
	defer p.Close()

	fds, _ := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	p.Register(fds[0], Read, func(Event) {})
	unix.Write(fds[1], []byte("x"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Poll(0)
	}
}
