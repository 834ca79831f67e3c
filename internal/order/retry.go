package order

import (
	"fmt"
	"strings"
	"time"
)

// StopSentinel terminates a retry table. Entries after it are ignored.
const StopSentinel = "-"

// RetryTable maps a failure count to the delay before the next
// attempt. A terminating table dead-letters orders whose failure count
// walks past its last entry; a non-terminating table keeps reusing the
// last delay forever.
type RetryTable struct {
	delays   []time.Duration
	terminal bool
}

// ParseRetryTable parses tables like "1s,2s,5s,1m,-". The sentinel
// "-" stops retries regardless of how many entries follow it.
func ParseRetryTable(s string) (RetryTable, error) {
	var t RetryTable
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if field == StopSentinel {
			t.terminal = true
			break
		}
		d, err := time.ParseDuration(field)
		if err != nil {
			return RetryTable{}, fmt.Errorf("order: retry table entry %q: %w", field, err)
		}
		// A requeued order must land strictly later than its failure.
		if d <= 0 {
			return RetryTable{}, fmt.Errorf("order: retry table entry %q: delay must be positive", field)
		}
		t.delays = append(t.delays, d)
	}
	if len(t.delays) == 0 && !t.terminal {
		return RetryTable{}, fmt.Errorf("order: empty retry table %q", s)
	}
	return t, nil
}

// MustRetryTable is ParseRetryTable for compile-time constants.
func MustRetryTable(s string) RetryTable {
	t, err := ParseRetryTable(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Delay returns the delay before the attempt following the given
// failure count (1 after the first failure). The second return is
// false when retries are exhausted.
func (t RetryTable) Delay(failureCount int) (time.Duration, bool) {
	if failureCount < 1 {
		failureCount = 1
	}
	if failureCount <= len(t.delays) {
		return t.delays[failureCount-1], true
	}
	if t.terminal {
		return 0, false
	}
	return t.delays[len(t.delays)-1], true
}

// Attempts returns how many failures the table tolerates before
// dead-lettering, or -1 for a non-terminating table.
func (t RetryTable) Attempts() int {
	if !t.terminal {
		return -1
	}
	return len(t.delays)
}

func (t RetryTable) String() string {
	parts := make([]string, 0, len(t.delays)+1)
	for _, d := range t.delays {
		parts = append(parts, d.String())
	}
	if t.terminal {
		parts = append(parts, StopSentinel)
	}
	return strings.Join(parts, ",")
}
