package sequence

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequence_Next(t *testing.T) {
	var (
		mu      sync.Mutex
		counter int64
		keys    []string
	)
	inc := IncrFunc(func(_ context.Context, key string) (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		counter++
		keys = append(keys, key)
		return counter, nil
	})

	seq := New(inc, "backplane:seq")

	for want := int64(1); want <= 5; want++ {
		got, err := seq.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, key := range keys {
		assert.Equal(t, "backplane:seq", key)
	}
}

func TestSequence_NextError(t *testing.T) {
	boom := errors.New("medium unavailable")
	seq := New(IncrFunc(func(context.Context, string) (int64, error) {
		return 0, boom
	}), "backplane:seq")

	_, err := seq.Next(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestLocal_Next(t *testing.T) {
	var local Local

	first, err := local.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	second, err := local.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), second)
}

func TestLocal_NextConcurrent(t *testing.T) {
	const goroutines = 50
	const perGoroutine = 20

	var local Local
	var wg sync.WaitGroup
	ids := make(chan int64, goroutines*perGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id, err := local.Next(context.Background())
				assert.NoError(t, err)
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d handed out twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestFormatParseID(t *testing.T) {
	for _, id := range []int64{0, 1, 42, 1<<62 + 7, 1<<63 - 1} {
		t.Run(strconv.FormatInt(id, 10), func(t *testing.T) {
			parsed, err := ParseID(FormatID(id))
			require.NoError(t, err)
			assert.Equal(t, id, parsed)
		})
	}
}

func TestParseID_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "junk", input: "abc"},
		{name: "trailing junk", input: "12x"},
		{name: "negative", input: "-1"},
		{name: "overflow", input: "9223372036854775808"},
		{name: "float", input: "1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseID(tt.input)
			assert.Error(t, err)
		})
	}
}
