package history

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyGenStrictlyIncreasing(t *testing.T) {
	gen := NewKeyGen()

	prev := ""
	for i := 0; i < 10000; i++ {
		key := gen.Next()
		require.Greater(t, key, prev, "key %d must exceed its predecessor", i)
		prev = key
	}
}

func TestKeyGenConcurrentUniqueness(t *testing.T) {
	gen := NewKeyGen()

	const workers = 8
	const perWorker = 1000

	var mu sync.Mutex
	seen := make(map[string]bool, workers*perWorker)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				keys = append(keys, gen.Next())
			}
			mu.Lock()
			for _, k := range keys {
				seen[k] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker, "concurrent generation must never collide")
}

func TestKeyGenLexicographicEqualsChronological(t *testing.T) {
	gen := NewKeyGen()

	keys := make([]string, 100)
	for i := range keys {
		keys[i] = gen.Next()
	}

	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	assert.Equal(t, keys, sorted, "issue order and lexicographic order must match")
}
