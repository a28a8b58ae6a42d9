package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnowflakeUnique(t *testing.T) {
	s, err := NewSnowflake(3)
	require.NoError(t, err)

	const n = 5000
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n/10; i++ {
				ids <- s.Generate()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]struct{}, n)
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %d", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)
}

func TestNewSnowflakeRejectsWorker(t *testing.T) {
	_, err := NewSnowflake(maxWorkerID + 1)
	assert.Error(t, err)
}

func TestNumbers(t *testing.T) {
	assert.True(t, strings.HasPrefix(GenerateWithdrawalNo(), "WDR"))
	assert.True(t, strings.HasPrefix(GenerateRunNo(), "RUN"))
	assert.NotEqual(t, GenerateAdjustmentNo(), GenerateAdjustmentNo())
}
