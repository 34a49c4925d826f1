package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTracker_Latest(t *testing.T) {
	st := NewStateTracker()
	_, ok := st.Latest("a")
	assert.False(t, ok)

	st.Record(sampleResult("b", 1))
	st.Record(sampleResult("a", 2))
	newer := sampleResult("a", 9)
	st.Record(newer)

	got, ok := st.Latest("a")
	require.True(t, ok)
	assert.Same(t, newer, got)

	results := st.GetResults()
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].SourceID)
	assert.Equal(t, "b", results[1].SourceID)

	st.RecordFailure()
	processed, failed := st.Stats()
	assert.Equal(t, 3, processed)
	assert.Equal(t, 1, failed)
	assert.GreaterOrEqual(t, st.Uptime().Nanoseconds(), int64(0))
}

func TestStateTracker_Concurrent(t *testing.T) {
	st := NewStateTracker()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st.Record(sampleResult(string(rune('a'+i%4)), i))
			_ = st.GetResults()
		}(i)
	}
	wg.Wait()

	processed, _ := st.Stats()
	assert.Equal(t, 16, processed)
	assert.Len(t, st.GetResults(), 4)
}
