package core

import (
	"encoding/json"
	"fmt"

	"github.com/pokrasko/http-webchat/core/observability"
)

// Report is a point-in-time view of the engine
type Report struct {
	Connections observability.Snapshot     `json:"connections"`
	ReadBuffers ReadBufferStats            `json:"read_buffers"`
	Bottlenecks []observability.Bottleneck `json:"bottlenecks,omitempty"`
}

type ReadBufferStats struct {
	Gets      uint64 `json:"gets"`
	Oversized uint64 `json:"oversized"`
}

// Report collects counters, read buffer usage and slow or failing routes.
// Safe from any goroutine.
func (e *Engine) Report() Report {
	pool := e.bytePool.Stats()
	return Report{
		Connections: e.stats.Snapshot(),
		ReadBuffers: ReadBufferStats{
			Gets:      pool.Gets,
			Oversized: pool.Oversized,
		},
		Bottlenecks: e.monitor.Bottlenecks(),
	}
}

// ReportJSON returns the report as indented JSON
func (e *Engine) ReportJSON() string {
	data, _ := json.MarshalIndent(e.Report(), "", "  ")
	return string(data)
}

// ReportText returns the report as human-readable text
func (e *Engine) ReportText() string {
	r := e.Report()
	s := fmt.Sprintf(`Engine Statistics
=================

Connections:
  Accepted:     %d
  Active:       %d
  Idle closed:  %d

Traffic:
  Bytes in:     %d
  Bytes out:    %d
  Messages:     %d
  Truncated:    %d
  Parse errors: %d

Read buffers:
  Gets:         %d
  Oversized:    %d
`,
		r.Connections.Accepted, r.Connections.Active, r.Connections.IdleClosed,
		r.Connections.BytesIn, r.Connections.BytesOut, r.Connections.Messages,
		r.Connections.Truncated, r.Connections.ParseErrors,
		r.ReadBuffers.Gets, r.ReadBuffers.Oversized,
	)
	for _, b := range r.Bottlenecks {
		s += fmt.Sprintf("\n[%s] %s: %s", b.Type, b.Route, b.Details)
	}
	return s
}
