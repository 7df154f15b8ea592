package http

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// State is the position of a Message in its lifecycle
type State uint8

const (
	// StateStart waits for the start line
	StateStart State = iota
	// StateHeaders accumulates header lines until the blank line
	StateHeaders
	// StateBody is entered after the blank line when a body is expected
	StateBody
	// StateFinished is terminal
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateHeaders:
		return "HEADERS"
	case StateBody:
		return "BODY"
	case StateFinished:
		return "FINISHED"
	}
	return "UNKNOWN"
}

// DefaultMaxLineBytes bounds a single start or header line
const DefaultMaxLineBytes = 8 << 10

// DefaultMaxHeaders bounds the header (and trailer) lines of one message
const DefaultMaxHeaders = 100

const (
	Version10 = "HTTP/1.0"
	Version11 = "HTTP/1.1"
)

// Message is an HTTP/1.x request or response. A Message is either parsed
// from the wire (NewRequestParser, NewResponseParser) or constructed for
// sending (NewRequest, NewResponse); some operations are only valid in one
// of the two modes.
type Message struct {
	parsing  bool
	response bool
	state    State

	method Method
	target string

	status    int
	reason    string
	reqMethod Method // request being answered, parsed responses only

	version string
	header  Header
	body    []byte

	bodyExpected  bool
	partial       bool // an incomplete line is waiting for more bytes
	headerLines   int
	chunked       bool
	chunk         chunkReader
	contentLength uint64
	hasLength     bool
	untilClose    bool
	truncated     bool
	err           error

	// MaxLineBytes bounds a start, header, chunk-size or trailer line.
	// Zero means DefaultMaxLineBytes.
	MaxLineBytes int
	// MaxHeaders bounds the number of header and trailer lines.
	// Zero means DefaultMaxHeaders.
	MaxHeaders int
	// MaxBodyBytes bounds the body of a parsed message. Zero means unbounded.
	MaxBodyBytes uint64
}

// NewRequestParser returns a message that parses a request from the wire
func NewRequestParser() *Message {
	return &Message{parsing: true}
}

// NewResponseParser returns a message that parses the response to a
// request sent with reqMethod
func NewResponseParser(reqMethod Method) *Message {
	return &Message{parsing: true, response: true, reqMethod: reqMethod}
}

// NewRequest constructs a request for sending. An empty version means HTTP/1.1.
func NewRequest(method Method, target, version string) (*Message, error) {
	if !method.valid() {
		return nil, misuseErr("new request", fmt.Errorf("%w: %d", ErrUnknownMethod, method))
	}
	if version == "" {
		version = Version11
	}
	if target == "" {
		target = "/"
	}
	return &Message{
		method:       method,
		target:       target,
		version:      version,
		bodyExpected: method == MethodPost,
	}, nil
}

// NewResponse constructs a response for sending. An empty reason is replaced
// by StatusText(status); an empty version means HTTP/1.1.
func NewResponse(status int, reason, version string) *Message {
	if reason == "" {
		reason = StatusText(status)
	}
	if version == "" {
		version = Version11
	}
	return &Message{
		response:     true,
		status:       status,
		reason:       reason,
		version:      version,
		bodyExpected: statusAllowsBody(status),
	}
}

func statusAllowsBody(status int) bool {
	return !(status >= 100 && status < 200) && status != 204 && status != 304
}

func (m *Message) State() State { return m.state }
func (m *Message) Method() Method { return m.method }
func (m *Message) Target() string { return m.target }
func (m *Message) Status() int { return m.status }
func (m *Message) Reason() string { return m.reason }
func (m *Message) Version() string { return m.version }
func (m *Message) Body() []byte { return m.body }
func (m *Message) BodyExpected() bool { return m.bodyExpected }
func (m *Message) Chunked() bool { return m.chunked }
func (m *Message) Headers() *Header { return &m.header }
func (m *Message) Truncated() bool { return m.truncated }
func (m *Message) Err() error { return m.err }

// Header returns the value of name. Absent and empty headers are told apart
// by the boolean.
func (m *Message) Header(name string) (string, bool) {
	return m.header.Get(name)
}

// SetHeader stores a header, replacing any previous value under the same
// case-insensitive name
func (m *Message) SetHeader(name, value string) error {
	if m.state == StateFinished {
		return misuseErr("set header", ErrWrongState)
	}
	if !httpguts.ValidHeaderFieldName(name) {
		return misuseErr("set header", fmt.Errorf("%w: %q", ErrInvalidName, name))
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return misuseErr("set header", fmt.Errorf("%w: %q", ErrInvalidValue, value))
	}
	m.header.Set(name, value)
	if !m.parsing && m.state == StateStart {
		m.state = StateHeaders
	}
	return nil
}

// ParseHeader parses one header line without its terminator. An empty line
// ends the header section.
func (m *Message) ParseHeader(line string) error {
	const op = "parse header"
	if !m.parsing {
		return misuseErr(op, ErrWrongMode)
	}
	if m.state != StateStart && m.state != StateHeaders {
		return misuseErr(op, ErrWrongState)
	}
	if line == "" {
		return m.endHeaders()
	}
	m.state = StateHeaders
	if err := m.countHeaderLine(op); err != nil {
		return err
	}

	colon := strings.IndexByte(line, ':')
	switch {
	case colon < 0:
		return protocolErr(op, fmt.Errorf("%w: %q", ErrNoColon, line))
	case colon == 0:
		return protocolErr(op, fmt.Errorf("%w: %q", ErrEmptyName, line))
	}

	name := line[:colon]
	if !httpguts.ValidHeaderFieldName(name) {
		return protocolErr(op, fmt.Errorf("%w: %q", ErrInvalidName, name))
	}
	value := strings.Trim(line[colon+1:], " \t")
	if value == "" {
		return protocolErr(op, fmt.Errorf("%w: %q", ErrEmptyValue, name))
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return protocolErr(op, fmt.Errorf("%w: %q", ErrInvalidValue, name))
	}

	m.header.Set(name, value)
	return nil
}

// endHeaders decides the framing once the blank line has been seen
func (m *Message) endHeaders() error {
	const op = "end headers"

	if m.response {
		m.bodyExpected = m.reqMethod != MethodHead && statusAllowsBody(m.status)
	} else {
		m.bodyExpected = m.method == MethodPost
	}

	te, hasTE := m.header.Get("Transfer-Encoding")
	cl, hasCL := m.header.Get("Content-Length")

	if m.bodyExpected {
		switch {
		case hasTE && hasCL:
			return protocolErr(op, ErrLengthAndChunked)
		case hasTE:
			if !strings.EqualFold(te, "chunked") {
				return protocolErr(op, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, te))
			}
			m.chunked = true
		case hasCL:
			n, err := parseLength(cl)
			if err != nil {
				return protocolErr(op, err)
			}
			if m.MaxBodyBytes > 0 && n > m.MaxBodyBytes {
				return protocolErr(op, fmt.Errorf("%w: %d", ErrBodyTooLarge, n))
			}
			m.contentLength, m.hasLength = n, true
		case m.response:
			m.untilClose = true
		default:
			return protocolErr(op, ErrNoLength)
		}
	}

	if !m.bodyExpected || (m.hasLength && m.contentLength == 0) {
		m.state = StateFinished
		return nil
	}
	m.state = StateBody
	return nil
}

func (m *Message) countHeaderLine(op string) error {
	limit := m.MaxHeaders
	if limit <= 0 {
		limit = DefaultMaxHeaders
	}
	m.headerLines++
	if m.headerLines > limit {
		return protocolErr(op, fmt.Errorf("%w: more than %d", ErrTooManyHeaders, limit))
	}
	return nil
}

func parseLength(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadLength, s)
	}
	return n, nil
}

// AppendBody appends b to the body. A constructed message that expects a
// body enters StateBody on the first call.
func (m *Message) AppendBody(b []byte) error {
	const op = "append body"
	if !m.bodyExpected {
		return misuseErr(op, ErrNoBodyExpected)
	}
	switch {
	case m.state == StateBody:
	case (m.state == StateStart || m.state == StateHeaders) && !m.parsing:
		m.state = StateBody
	default:
		return misuseErr(op, ErrWrongState)
	}
	m.body = append(m.body, b...)
	return nil
}

// DeclaredBodySize returns the framing length of the body. For chunked
// messages it is the decoded length and is only known once the last chunk
// has been read.
func (m *Message) DeclaredBodySize() (uint64, error) {
	const op = "declared body size"
	if m.state != StateBody && m.state != StateFinished {
		return 0, protocolErr(op, ErrHeadersIncomplete)
	}
	if m.chunked {
		if !m.chunk.done {
			return 0, protocolErr(op, ErrNoLength)
		}
		return uint64(len(m.body)), nil
	}
	if m.hasLength {
		return m.contentLength, nil
	}
	cl, ok := m.header.Get("Content-Length")
	if !ok {
		return 0, protocolErr(op, ErrNoLength)
	}
	n, err := parseLength(cl)
	if err != nil {
		return 0, protocolErr(op, err)
	}
	return n, nil
}

// Finish completes a constructed message. Content-Length is set from the
// body when a body is expected. Calling Finish again has no effect.
func (m *Message) Finish() error {
	if m.parsing {
		return misuseErr("finish", ErrWrongMode)
	}
	if m.state == StateFinished {
		return nil
	}
	if m.bodyExpected {
		m.header.Del("Transfer-Encoding")
		m.header.Set("Content-Length", strconv.Itoa(len(m.body)))
		m.contentLength, m.hasLength = uint64(len(m.body)), true
	}
	m.state = StateFinished
	return nil
}

// Serialize renders the finished message in wire format
func (m *Message) Serialize() ([]byte, error) {
	return m.serialize(m.bodyExpected)
}

// SerializeHead renders the start line and headers only, as sent in answer
// to a HEAD request
func (m *Message) SerializeHead() ([]byte, error) {
	return m.serialize(false)
}

func (m *Message) serialize(withBody bool) ([]byte, error) {
	if m.state != StateFinished {
		return nil, misuseErr("serialize", ErrNotFinished)
	}

	var buf bytes.Buffer
	buf.Grow(128 + len(m.body))
	if m.response {
		fmt.Fprintf(&buf, "%s %03d %s\r\n", m.version, m.status, m.reason)
	} else {
		fmt.Fprintf(&buf, "%s %s %s\r\n", m.method, m.target, m.version)
	}

	// Decoded chunked and read-until-close bodies go out with a fixed length.
	reframe := m.bodyExpected && !m.header.Has("Content-Length")
	m.header.Each(func(name, value string) {
		if reframe && strings.EqualFold(name, "Transfer-Encoding") {
			return
		}
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	})
	if reframe {
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(m.body))
	}
	buf.WriteString("\r\n")

	if withBody {
		buf.Write(m.body)
	}
	return buf.Bytes(), nil
}

// ShouldKeepAlive reports whether the Connection header is "keep-alive"
func (m *Message) ShouldKeepAlive() bool {
	return strings.EqualFold(m.header.Value("Connection"), "keep-alive")
}

// Persistent reports whether the connection may carry another exchange
// after this message: an explicit close token ends it, HTTP/1.0 needs an
// explicit keep-alive token.
func (m *Message) Persistent() bool {
	if m.truncated || m.err != nil {
		return false
	}
	tokens := []string{m.header.Value("Connection")}
	if httpguts.HeaderValuesContainsToken(tokens, "close") {
		return false
	}
	if m.version == Version10 {
		return httpguts.HeaderValuesContainsToken(tokens, "keep-alive")
	}
	return true
}

// Complete reports whether a parsed message has all of its bytes
func (m *Message) Complete() bool {
	if m.state == StateFinished {
		return true
	}
	if m.state != StateBody || m.untilClose {
		return false
	}
	n, err := m.DeclaredBodySize()
	return err == nil && uint64(len(m.body)) == n
}

// Truncate ends a parsed message that the peer stopped sending. A body read
// until close finishes normally; anything else is marked truncated.
func (m *Message) Truncate() {
	if !m.parsing || m.state == StateFinished {
		return
	}
	if !(m.state == StateBody && m.untilClose) {
		m.truncated = true
	}
	m.state = StateFinished
}

// blank reports whether nothing but separator lines has reached the message
func (m *Message) blank() bool {
	return m.state == StateStart && !m.partial && m.err == nil
}

// Feed parses as much of data as belongs to this message and returns the
// number of bytes used. Incomplete lines are left unconsumed; the caller
// passes them again together with the bytes that follow. Feed stops at the
// end of the message so pipelined bytes remain for the next one.
func (m *Message) Feed(data []byte) (int, error) {
	if !m.parsing {
		return 0, misuseErr("feed", ErrWrongMode)
	}
	if m.err != nil {
		return 0, m.err
	}
	n, err := m.feed(data)
	if err != nil {
		m.err = err
	}
	return n, err
}

func (m *Message) feed(data []byte) (int, error) {
	used := 0
	for used < len(data) && m.state != StateFinished {
		rest := data[used:]

		if m.state == StateBody && !m.chunked {
			n, err := m.readBody(rest)
			used += n
			if err != nil {
				return used, err
			}
			continue
		}
		if m.state == StateBody && m.chunked && m.chunk.inData() {
			n, err := m.readChunkData(rest)
			used += n
			if err != nil {
				return used, err
			}
			continue
		}

		line, n, err := m.nextLine(rest)
		if err != nil {
			return used, err
		}
		if n == 0 {
			m.partial = len(bytes.Trim(rest, "\r")) > 0
			break
		}
		used += n
		m.partial = false

		switch {
		case m.state == StateBody:
			err = m.chunkLine(line)
		case m.state == StateStart:
			if line == "" {
				// Stray CRLF between pipelined messages.
				continue
			}
			err = m.parseStartLine(line)
		default:
			err = m.ParseHeader(line)
		}
		if err != nil {
			return used, err
		}
	}
	return used, nil
}

// nextLine returns the next line without its terminator and the number of
// bytes it spans, or n == 0 when no full line is buffered yet
func (m *Message) nextLine(data []byte) (line string, n int, err error) {
	limit := m.MaxLineBytes
	if limit <= 0 {
		limit = DefaultMaxLineBytes
	}
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		if len(data) > limit {
			return "", 0, protocolErr("read line", ErrLineTooLong)
		}
		return "", 0, nil
	}
	if i > limit {
		return "", 0, protocolErr("read line", ErrLineTooLong)
	}
	end := i
	if end > 0 && data[end-1] == '\r' {
		end--
	}
	return string(data[:end]), i + 1, nil
}

func (m *Message) readBody(data []byte) (int, error) {
	if m.untilClose {
		if m.MaxBodyBytes > 0 && uint64(len(m.body)+len(data)) > m.MaxBodyBytes {
			return 0, protocolErr("read body", fmt.Errorf("%w: more than %d", ErrBodyTooLarge, m.MaxBodyBytes))
		}
		m.body = append(m.body, data...)
		return len(data), nil
	}
	need := m.contentLength - uint64(len(m.body))
	n := len(data)
	if uint64(n) > need {
		n = int(need)
	}
	m.body = append(m.body, data[:n]...)
	if uint64(len(m.body)) == m.contentLength {
		m.state = StateFinished
	}
	return n, nil
}

func (m *Message) parseStartLine(line string) error {
	const op = "parse start line"
	m.state = StateHeaders

	if m.response {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 {
			return protocolErr(op, fmt.Errorf("%w: %q", ErrStartLine, line))
		}
		if err := checkVersion(parts[0]); err != nil {
			return protocolErr(op, err)
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil || len(parts[1]) != 3 || code < 100 {
			return protocolErr(op, fmt.Errorf("%w: %q", ErrBadStatus, parts[1]))
		}
		m.version, m.status = parts[0], code
		if len(parts) == 3 {
			m.reason = parts[2]
		}
		return nil
	}

	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[1] == "" {
		return protocolErr(op, fmt.Errorf("%w: %q", ErrStartLine, line))
	}
	method, err := ParseMethod(parts[0])
	if err != nil {
		return err
	}
	if err := checkVersion(parts[2]); err != nil {
		return protocolErr(op, err)
	}
	m.method, m.target, m.version = method, parts[1], parts[2]
	return nil
}

func checkVersion(v string) error {
	if v != Version10 && v != Version11 {
		return fmt.Errorf("%w: %q", ErrVersion, v)
	}
	return nil
}
