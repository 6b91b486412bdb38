package idgen

import (
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	id := New()
	assert.Len(t, id, 26)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-hjkmnp-tv-z]+$`), id)
}

func TestUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 1000

	var mu sync.Mutex
	seen := make(map[string]struct{}, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perGoroutine)
			for j := 0; j < perGoroutine; j++ {
				local = append(local, New())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, goroutines*perGoroutine)
}
