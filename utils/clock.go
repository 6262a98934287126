package utils

import (
	"strings"
	"sync"
	"time"
)

// Clock is the single source of "now" for token expiry, voucher deadlines
// and ledger timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reports wall-clock time in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a settable Clock for tests and replays.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ToUTC normalizes a stored timestamp. Zone-less values read back from the
// database are assumed to already be UTC.
func ToUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// FormatTimestamp renders t as RFC3339 with a Z suffix.
func FormatTimestamp(t time.Time) string {
	return strings.Replace(t.UTC().Format(time.RFC3339Nano), "+00:00", "Z", 1)
}
