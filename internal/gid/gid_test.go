package gid

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStableWithinGoroutine(t *testing.T) {
	a := Get()
	b := Get()
	require.NotZero(t, a)
	assert.Equal(t, a, b)
}

func TestGetDistinctAcrossGoroutines(t *testing.T) {
	const n = 16
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- Get()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		require.NotZero(t, id)
		assert.False(t, seen[id], "duplicate goroutine id %d", id)
		seen[id] = true
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int64
	}{
		{"typical", "goroutine 1234 [running]:", 1234},
		{"single digit", "goroutine 7 [runnable]:", 7},
		{"truncated", "gorout", 0},
		{"no digits", "goroutine  [running]:", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parse([]byte(tt.in)))
		})
	}
}
