// Package health tracks the aggregated health of the Node's subsystems (resource
// store, discovery, registration client, expiry sweeper, events engine, HTTP
// facade) for the process's own health reporting, independent of any one NMOS
// resource's health timestamp.
package health

import (
	"regexp"
	"strings"
	"time"
)

var (
	httpURLRegex    = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex    = regexp.MustCompile(`nats://[^\s]+`)
	wsURLRegex      = regexp.MustCompile(`wss?://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health state of one subsystem or of the Node as a whole.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

func (s Status) IsHealthy() bool   { return s.Status == "healthy" }
func (s Status) IsDegraded() bool  { return s.Status == "degraded" }
func (s Status) IsUnhealthy() bool { return s.Status == "unhealthy" }

// WithSubStatus returns a copy of s with subStatus appended.
func (s Status) WithSubStatus(subStatus Status) Status {
	sub := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(sub, s.SubStatuses)
	s.SubStatuses = append(sub, subStatus)
	return s
}

// SanitizeMessage strips URLs, filesystem paths, IPs, ports, and credential-like
// substrings from an error string before it is attached to a Status, so a
// registry or discovery failure message never leaks connection details into a
// health dashboard.
func SanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}
	out := msg
	out = httpURLRegex.ReplaceAllString(out, "[URL]")
	out = natsURLRegex.ReplaceAllString(out, "[URL]")
	out = wsURLRegex.ReplaceAllString(out, "[URL]")
	out = unixPathRegex.ReplaceAllString(out, "[PATH]")
	out = ipAddrRegex.ReplaceAllString(out, "[IP]")
	out = portRegex.ReplaceAllString(out, ":[PORT]")
	if lower := strings.ToLower(out); strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "key") || strings.Contains(lower, "secret") || strings.Contains(lower, "credential") {
		out = credentialRegex.ReplaceAllString(out, "[REDACTED]")
	}
	return out
}
