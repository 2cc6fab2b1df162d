package timestamp

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Version is a Lamport-like pair of (seconds, nanoseconds) since the Unix epoch,
// used as the NMOS "update version" tag on resources and grains. Two Versions are
// ordered first by seconds, then by nanoseconds, so a Version taken strictly after
// another compares greater even when wall-clock resolution can't tell them apart.
type Version struct {
	Seconds     int64
	Nanoseconds int64
}

// String renders a Version in the NMOS wire form "seconds:nanoseconds".
func (v Version) String() string {
	return fmt.Sprintf("%d:%d", v.Seconds, v.Nanoseconds)
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than other.
func (v Version) Compare(other Version) int {
	if v.Seconds != other.Seconds {
		if v.Seconds < other.Seconds {
			return -1
		}
		return 1
	}
	if v.Nanoseconds != other.Nanoseconds {
		if v.Nanoseconds < other.Nanoseconds {
			return -1
		}
		return 1
	}
	return 0
}

// After reports whether v is strictly greater than other.
func (v Version) After(other Version) bool { return v.Compare(other) > 0 }

// ParseVersion parses the NMOS wire form "seconds:nanoseconds".
func ParseVersion(s string) (Version, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Version{}, fmt.Errorf("timestamp: malformed version %q", s)
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Version{}, fmt.Errorf("timestamp: malformed version seconds %q: %w", s, err)
	}
	ns, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Version{}, fmt.Errorf("timestamp: malformed version nanoseconds %q: %w", s, err)
	}
	return Version{Seconds: sec, Nanoseconds: ns}, nil
}

// VersionClock issues strictly increasing Versions, even when called faster than
// the clock's resolution: if the wall clock hasn't advanced since the last call,
// the nanosecond component is bumped by one instead of being allowed to repeat.
type VersionClock struct {
	mu   sync.Mutex
	last Version
}

// Next returns a Version guaranteed to be strictly greater than every Version this
// clock has previously returned.
func (c *VersionClock) Next() Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	v := Version{Seconds: now.Unix(), Nanoseconds: int64(now.Nanosecond())}
	if !v.After(c.last) {
		v = Version{Seconds: c.last.Seconds, Nanoseconds: c.last.Nanoseconds + 1}
	}
	c.last = v
	return v
}
