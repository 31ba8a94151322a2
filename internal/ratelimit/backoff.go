// Package ratelimit computes retry delays for calls against rate-limited APIs.
package ratelimit

import (
	"strconv"
	"strings"
	"time"

	"chatsink/backend/internal/config"
)

// Policy configures bounded exponential backoff.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultPolicy doubles from one second up to one minute.
var DefaultPolicy = Policy{Base: config.BackoffBaseDelay, Max: config.BackoffMaxDelay}

// Delay returns how long to wait before retry number attempt (1-based).
// A positive server hint always wins over the computed value.
func Delay(attempt int, hint time.Duration, p Policy) time.Duration {
	if hint > 0 {
		return hint
	}
	if p.Base <= 0 {
		p.Base = DefaultPolicy.Base
	}
	if p.Max <= 0 {
		p.Max = DefaultPolicy.Max
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Max {
			return p.Max
		}
	}
	if delay > p.Max {
		return p.Max
	}
	return delay
}

// ParseRetryAfter parses a Retry-After header given in seconds.
// It returns 0 when the header is absent or not a non-negative integer.
func ParseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
