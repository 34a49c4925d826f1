package service

import (
	"sort"
	"sync"
	"time"
)

// StateTracker keeps the latest estimate per source for the HTTP endpoints
type StateTracker struct {
	mu        sync.RWMutex
	results   map[string]*EstimateResult
	processed int
	failed    int
	started   time.Time
}

// NewStateTracker creates an empty state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		results: make(map[string]*EstimateResult),
		started: time.Now(),
	}
}

// Record stores a result as the latest for its source
func (st *StateTracker) Record(result *EstimateResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.results[result.SourceID] = result
	st.processed++
}

// RecordFailure counts a request that could not be estimated
func (st *StateTracker) RecordFailure() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failed++
}

// Latest returns the latest result for a source
func (st *StateTracker) Latest(sourceID string) (*EstimateResult, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	r, ok := st.results[sourceID]
	return r, ok
}

// GetResults returns the latest result of every source, ordered by source ID.
// Results are shared and must not be modified.
func (st *StateTracker) GetResults() []*EstimateResult {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]*EstimateResult, 0, len(st.results))
	for _, r := range st.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Stats reports processed and failed request counts
func (st *StateTracker) Stats() (processed, failed int) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.processed, st.failed
}

// Uptime returns the time since the tracker was created
func (st *StateTracker) Uptime() time.Duration {
	return time.Since(st.started)
}
