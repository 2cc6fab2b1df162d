// Package errors classifies failures so callers can decide, mechanically, whether to
// retry, give up, or treat the failure as success.
//
// Three classes cover unexpected failures:
//
//	Transient  network hiccups, timeouts, 5xx — retry with backoff
//	Invalid    malformed input, permanent 4xx — don't retry, surface to caller
//	Fatal      programming errors, corrupted state — stop the task
//
// A handful of sentinels cover outcomes that aren't really about retrying at all:
// ErrConflict (a registry POST that 409s because the resource is already registered,
// which the registration client treats as success), ErrNotFound, and ErrShutdown.
//
// RetryConfig.Do wraps pkg/retry so a Transient error keeps retrying while anything
// else stops the loop immediately, without every caller re-deriving that mapping.
package errors
