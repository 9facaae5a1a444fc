package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextIDs(t *testing.T, n int, machineID uint16) []uint64 {
	t.Helper()
	gen := NewIDGenerator(machineID)
	ids := make([]uint64, n)
	for i := range ids {
		id, err := gen.NextID()
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestNewIDGenerator(t *testing.T) {
	t.Run("unique within a generator", func(t *testing.T) {
		ids := nextIDs(t, 1000, 1)
		seen := make(map[uint64]bool, len(ids))
		for _, id := range ids {
			assert.False(t, seen[id], "duplicate id %d", id)
			seen[id] = true
		}
	})

	t.Run("restart never repeats ids", func(t *testing.T) {
		first := nextIDs(t, 50, 1)
		time.Sleep(50 * time.Millisecond)
		second := nextIDs(t, 50, 1)

		last := first[len(first)-1]
		for _, id := range second {
			assert.Greater(t, id, last)
		}
	})

	t.Run("epoch is fixed", func(t *testing.T) {
		assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), IDEpoch)
	})
}
