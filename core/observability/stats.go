package observability

import "sync/atomic"

// Stats counts reactor activity. The reactor goroutine writes it, any
// goroutine may take a Snapshot. All methods are safe on a nil *Stats.
type Stats struct {
	accepted    atomic.Uint64
	acceptFails atomic.Uint64
	closed      atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	messages    atomic.Uint64
	truncated   atomic.Uint64
	parseErrors atomic.Uint64
	idleClosed  atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats
type Snapshot struct {
	Accepted    uint64 `json:"accepted"`
	AcceptFails uint64 `json:"accept_failures"`
	Closed      uint64 `json:"closed"`
	Active      uint64 `json:"active"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
	Messages    uint64 `json:"messages"`
	Truncated   uint64 `json:"truncated"`
	ParseErrors uint64 `json:"parse_errors"`
	IdleClosed  uint64 `json:"idle_closed"`
}

func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) Accepted() {
	if s != nil {
		s.accepted.Add(1)
	}
}

func (s *Stats) AcceptFailed() {
	if s != nil {
		s.acceptFails.Add(1)
	}
}

func (s *Stats) Closed() {
	if s != nil {
		s.closed.Add(1)
	}
}

func (s *Stats) Read(n int) {
	if s != nil && n > 0 {
		s.bytesIn.Add(uint64(n))
	}
}

func (s *Stats) Wrote(n int) {
	if s != nil && n > 0 {
		s.bytesOut.Add(uint64(n))
	}
}

func (s *Stats) Message() {
	if s != nil {
		s.messages.Add(1)
	}
}

func (s *Stats) Truncated() {
	if s != nil {
		s.truncated.Add(1)
	}
}

func (s *Stats) ParseError() {
	if s != nil {
		s.parseErrors.Add(1)
	}
}

func (s *Stats) IdleClosed() {
	if s != nil {
		s.idleClosed.Add(1)
	}
}

// Snapshot copies the counters
func (s *Stats) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{
		Accepted:    s.accepted.Load(),
		AcceptFails: s.acceptFails.Load(),
		Closed:      s.closed.Load(),
		BytesIn:     s.bytesIn.Load(),
		BytesOut:    s.bytesOut.Load(),
		Messages:    s.messages.Load(),
		Truncated:   s.truncated.Load(),
		ParseErrors: s.parseErrors.Load(),
		IdleClosed:  s.idleClosed.Load(),
	}
	if snap.Accepted > snap.Closed {
		snap.Active = snap.Accepted - snap.Closed
	}
	return snap
}
