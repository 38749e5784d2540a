package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInit_RejectsBadWorker(t *testing.T) {
	assert.Error(t, Init(-1))
	assert.Error(t, Init(maxWorkerID+1))
}

func TestNextID_Unique(t *testing.T) {
	seen := make(map[int64]struct{})
	for i := 0; i < 10000; i++ {
		id := NextID()
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestNextMillis_StrictlyIncreasingAcrossGoroutines(t *testing.T) {
	const n = 200
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, n)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := NextMillis()
			mu.Lock()
			seen[v] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestGenerateNumbers(t *testing.T) {
	assert.True(t, strings.HasPrefix(GenerateOrderNo(), "ORD"))
	assert.True(t, strings.HasPrefix(GenerateTransactionNo(), "TXN"))
	assert.NotEqual(t, GenerateOrderNo(), GenerateOrderNo())
}
