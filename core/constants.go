package core

import "time"

// HTTP header constants
const (
	HeaderContentType = "Content-Type"
	HeaderConnection  = "Connection"
	HeaderCookie      = "Cookie"
	HeaderSetCookie   = "Set-Cookie"
)

// Engine defaults
const (
	DefaultIdleTimeout  = 60 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)
