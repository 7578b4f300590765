// Package service contains the service layer for the gateway API
package service

import "errors"

// Limit violations surfaced to HTTP and WS callers
var (
	ErrRateLimitExceeded       = errors.New("rate_limit_exceeded")
	ErrConnectionLimitExceeded = errors.New("connection_limit_exceeded")
)
