package stealth

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type action int

const (
	actionSucceed action = iota
	actionRetry
	actionCooldown
	actionAbort
)

// classify maps a response status to its handling. Rate-limit statuses
// cool down before retrying, hard rejections abort the whole request,
// and everything else that is not a 200 gets retried as transient.
func classify(status int) action {
	switch {
	case status == http.StatusOK:
		return actionSucceed
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return actionCooldown
	case status >= 500:
		return actionRetry
	case status == http.StatusForbidden || status == http.StatusNotFound:
		return actionAbort
	default:
		return actionRetry
	}
}

// cooldown returns the server-directed wait from a Retry-After value,
// accepting both the delta-seconds and the HTTP-date form. An absent or
// malformed value falls back to a random wait between 30 and 120 seconds.
func (c *Client) cooldown(retryAfter string) time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
		if at, err := http.ParseTime(retryAfter); err == nil {
			if wait := time.Until(at); wait > 0 {
				return wait
			}
			return 0
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(30+c.rng.Intn(91)) * time.Second
}

// newNetworkBackoff waits 2^attempt seconds after each failed network
// attempt, capped at a minute. One instance lives per logical request.
func newNetworkBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
