// Package vclock implements the per-file vector clock used to decide
// whether one version of a manifest entry supersedes, is superseded by,
// or conflicts with another.
package vclock

import (
	"encoding/json"
	"sort"
)

// Clock maps peer_id to a monotonically increasing counter.
type Clock struct {
	counts map[string]uint64
}

// New returns an empty clock.
func New() Clock {
	return Clock{counts: make(map[string]uint64)}
}

// FromMap builds a clock from an existing peer_id -> counter map. The map
// is copied; missing or zero entries are simply absent from the result.
func FromMap(m map[string]uint64) Clock {
	c := New()
	for k, v := range m {
		if v != 0 {
			c.counts[k] = v
		}
	}
	return c
}

// Get returns the counter for key, or 0 if absent.
func (c Clock) Get(key string) uint64 {
	return c.counts[key]
}

// Increment adds n to the counter for key (0 if previously absent) and
// returns the updated clock. Clocks are copy-on-write so callers holding
// an older Clock value are unaffected.
func (c Clock) Increment(key string, n uint64) Clock {
	out := c.clone()
	out.counts[key] = out.counts[key] + n
	return out
}

func (c Clock) clone() Clock {
	out := New()
	for k, v := range c.counts {
		out.counts[k] = v
	}
	return out
}

// Values returns a copy of the underlying peer_id -> counter map.
func (c Clock) Values() map[string]uint64 {
	out := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// IsDescendant reports whether c is a descendant of other: for every key
// appearing in either clock, c's counter is >= other's counter (missing
// keys read as 0).
func (c Clock) IsDescendant(other Clock) bool {
	for k, v := range other.counts {
		if c.counts[k] < v {
			return false
		}
	}
	for k, v := range c.counts {
		if v < other.counts[k] {
			return false
		}
	}
	return true
}

// Equal reports strict map equality.
func (c Clock) Equal(other Clock) bool {
	if len(c.counts) != len(other.counts) {
		return false
	}
	for k, v := range c.counts {
		if other.counts[k] != v {
			return false
		}
	}
	return true
}

// keys returns the clock's keys in sorted order, for deterministic
// iteration (logging, tests).
func (c Clock) keys() []string {
	keys := make([]string, 0, len(c.counts))
	for k := range c.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON serializes the clock as an object of non-zero counters,
// per spec.md §4.3.
func (c Clock) MarshalJSON() ([]byte, error) {
	out := make(map[string]uint64, len(c.counts))
	for _, k := range c.keys() {
		if v := c.counts[k]; v != 0 {
			out[k] = v
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a clock from its object form, omitting any
// zero-valued keys present in the wire form.
func (c *Clock) UnmarshalJSON(data []byte) error {
	var raw map[string]uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = FromMap(raw)
	return nil
}
