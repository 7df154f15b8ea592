package http

import "fmt"

// Method is one of the supported request methods
type Method uint8

const (
	MethodInvalid Method = iota
	MethodGet
	MethodHead
	MethodPost
)

// ParseMethod maps a request-line token to a Method
func ParseMethod(s string) (Method, error) {
	switch s {
	case "GET":
		return MethodGet, nil
	case "HEAD":
		return MethodHead, nil
	case "POST":
		return MethodPost, nil
	}
	return MethodInvalid, protocolErr("parse method", fmt.Errorf("%w: %q", ErrUnknownMethod, s))
}

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodHead:
		return "HEAD"
	case MethodPost:
		return "POST"
	}
	return "INVALID"
}

func (m Method) valid() bool {
	return m >= MethodGet && m <= MethodPost
}

// StatusText returns the reason phrase for a status code
func StatusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 411:
		return "Length Required"
	case 413:
		return "Payload Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
