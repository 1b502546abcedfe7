package downloader

import (
	"fmt"
	"strings"
)

// Priority is a scheduling tier. Higher tiers are drained first and get a
// larger concurrency budget.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

// drainOrder lists tiers from highest to lowest.
var drainOrder = []Priority{Critical, High, Normal, Low}

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) valid() bool {
	return p >= Low && p <= Critical
}

// ParsePriority parses a tier name case-insensitively.
func ParsePriority(s string) (Priority, error) {
	for _, p := range drainOrder {
		if strings.EqualFold(strings.TrimSpace(s), p.String()) {
			return p, nil
		}
	}

	return Low, fmt.Errorf("unknown priority %q", s)
}

// DefaultCaps derives per-tier caps from the platform transfer ceiling u:
// Critical u, High u-1, Normal u-2 and Low 1, each at least 1.
func DefaultCaps(u int) map[Priority]int {
	return map[Priority]int{
		Critical: max(u, 1),
		High:     max(u-1, 1),
		Normal:   max(u-2, 1),
		Low:      1,
	}
}

// CapsFromNames converts configuration keyed by tier name into caps.
func CapsFromNames(names map[string]int) (map[Priority]int, error) {
	caps := make(map[Priority]int, len(names))

	for name, limit := range names {
		p, err := ParsePriority(name)
		if err != nil {
			return nil, err
		}

		if limit < 0 {
			return nil, fmt.Errorf("cap for %s must not be negative", p)
		}

		caps[p] = limit
	}

	return caps, nil
}
