// Package latency maintains a process-local, per-region exponential
// moving average of observed upstream round-trip latency. It is the
// table the racing dispatcher consults to decide launch order; it is
// read by sorting and written by observation, and both operations must
// be atomic per (region, upstream) pair.
//
// The EMA law and smoothing constant: avg = old*(1-alpha) + new*alpha.
package latency

import (
	"math"
	"sort"
	"sync"
)

// alpha is the fixed EMA smoothing factor from the data model.
const alpha = 0.3

// Table is a RegionKey -> (UpstreamURL -> LatencyMs) map. The zero value
// is ready to use.
type Table struct {
	mu      sync.RWMutex
	regions map[string]map[string]float64
}

// NewTable constructs an empty latency table.
func NewTable() *Table {
	return &Table{regions: make(map[string]map[string]float64)}
}

// Observe applies the EMA update for (region, upstream). ms must be
// non-negative and finite; otherwise the call is a no-op. The first
// observation for a (region, upstream) pair seeds the value directly.
func (t *Table) Observe(region, upstreamURL string, ms float64) {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms < 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.regions == nil {
		t.regions = make(map[string]map[string]float64)
	}
	byUpstream, ok := t.regions[region]
	if !ok {
		byUpstream = make(map[string]float64)
		t.regions[region] = byUpstream
	}

	prev, seeded := byUpstream[upstreamURL]
	if !seeded {
		byUpstream[upstreamURL] = ms
		return
	}
	byUpstream[upstreamURL] = prev + alpha*(ms-prev)
}

// Order returns a copy of upstreams stably sorted by ascending known
// latency for region. Upstreams with no observation sort after all
// observed ones, preserving their relative input order among
// themselves.
func (t *Table) Order(region string, upstreams []string) []string {
	t.mu.RLock()
	byUpstream := t.regions[region]
	// Copy the measurements we need under the lock so the sort below
	// runs against a stable snapshot instead of touching shared state.
	observed := make(map[string]float64, len(byUpstream))
	for _, u := range upstreams {
		if v, ok := byUpstream[u]; ok {
			observed[u] = v
		}
	}
	t.mu.RUnlock()

	ordered := make([]string, len(upstreams))
	copy(ordered, upstreams)

	sort.SliceStable(ordered, func(i, j int) bool {
		li, iOK := observed[ordered[i]]
		lj, jOK := observed[ordered[j]]
		switch {
		case iOK && jOK:
			return li < lj
		case iOK:
			return true
		case jOK:
			return false
		default:
			return false
		}
	})

	return ordered
}

// Snapshot returns a read-only copy of the observed latencies for
// region, for diagnostics and tests.
func (t *Table) Snapshot(region string) map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]float64, len(t.regions[region]))
	for k, v := range t.regions[region] {
		out[k] = v
	}
	return out
}
