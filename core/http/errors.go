package http

import (
	"errors"

	"github.com/pokrasko/http-webchat/core/errs"
)

// Parse failures (errs.Protocol)
var (
	ErrNoColon             = errors.New("http: header line has no colon")
	ErrEmptyName           = errors.New("http: empty header name")
	ErrInvalidName         = errors.New("http: invalid header name")
	ErrEmptyValue          = errors.New("http: empty header value")
	ErrInvalidValue        = errors.New("http: invalid header value")
	ErrUnknownMethod       = errors.New("http: unknown method")
	ErrStartLine           = errors.New("http: malformed start line")
	ErrVersion             = errors.New("http: unsupported protocol version")
	ErrBadStatus           = errors.New("http: invalid status code")
	ErrHeadersIncomplete   = errors.New("http: headers not finished")
	ErrNoLength            = errors.New("http: body length unknown")
	ErrBadLength           = errors.New("http: invalid Content-Length")
	ErrLengthAndChunked    = errors.New("http: both Content-Length and chunked Transfer-Encoding")
	ErrUnsupportedEncoding = errors.New("http: unsupported Transfer-Encoding")
	ErrChunkFormat         = errors.New("http: invalid chunk format")
	ErrLineTooLong         = errors.New("http: line too long")
	ErrBodyTooLarge        = errors.New("http: body too large")
	ErrTooManyHeaders      = errors.New("http: too many header lines")
)

// Contract violations (errs.Misuse)
var (
	ErrNotFinished    = errors.New("http: message not finished")
	ErrNoBodyExpected = errors.New("http: message has no body")
	ErrWrongState     = errors.New("http: operation not allowed in current state")
	ErrWrongMode      = errors.New("http: operation not allowed for this message mode")
)

func protocolErr(op string, err error) error {
	return errs.E(errs.Protocol, op, err)
}

func misuseErr(op string, err error) error {
	return errs.E(errs.Misuse, op, err)
}
