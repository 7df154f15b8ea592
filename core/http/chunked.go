package http

import (
	"fmt"
	"strconv"
	"strings"
)

type chunkPhase uint8

const (
	chunkSize chunkPhase = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// chunkReader tracks the position inside a chunked body
type chunkReader struct {
	phase     chunkPhase
	remaining uint64
	done      bool
}

func (c *chunkReader) inData() bool {
	return c.phase == chunkData
}

// chunkLine handles a size line, the terminator after chunk data, or a
// trailer line
func (m *Message) chunkLine(line string) error {
	const op = "read chunk"
	c := &m.chunk

	switch c.phase {
	case chunkSize:
		size := line
		if i := strings.IndexByte(size, ';'); i >= 0 {
			size = size[:i]
		}
		size = strings.Trim(size, " \t")
		n, err := strconv.ParseUint(size, 16, 64)
		if err != nil {
			return protocolErr(op, fmt.Errorf("%w: size %q", ErrChunkFormat, line))
		}
		if n == 0 {
			c.phase = chunkTrailer
			return nil
		}
		if m.MaxBodyBytes > 0 && uint64(len(m.body))+n > m.MaxBodyBytes {
			return protocolErr(op, fmt.Errorf("%w: %d", ErrBodyTooLarge, uint64(len(m.body))+n))
		}
		c.remaining = n
		c.phase = chunkData

	case chunkDataEnd:
		if line != "" {
			return protocolErr(op, fmt.Errorf("%w: data overruns chunk size", ErrChunkFormat))
		}
		c.phase = chunkSize

	case chunkTrailer:
		// Trailer fields are read and dropped.
		if line == "" {
			c.done = true
			m.state = StateFinished
			return nil
		}
		return m.countHeaderLine(op)
	}
	return nil
}

func (m *Message) readChunkData(data []byte) (int, error) {
	c := &m.chunk
	n := len(data)
	if uint64(n) > c.remaining {
		n = int(c.remaining)
	}
	m.body = append(m.body, data[:n]...)
	c.remaining -= uint64(n)
	if c.remaining == 0 {
		c.phase = chunkDataEnd
	}
	return n, nil
}
