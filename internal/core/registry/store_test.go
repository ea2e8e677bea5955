package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlabs/wind/internal/core/wire"
)

func mustPattern(t *testing.T, raw string) Pattern {
	t.Helper()
	pattern, err := ParsePattern(raw)
	require.NoError(t, err)
	return pattern
}

func info(name string) wire.ServiceInfo {
	return wire.ServiceInfo{
		Name:     name,
		Endpoint: "127.0.0.1:9000",
		Kind:     wire.ServicePublisher,
	}
}

func TestStore_RegisterAndGet(t *testing.T) {
	store := NewStore()

	prev := store.Register(info("SENSOR/A/TEMP"), time.Minute)
	assert.Nil(t, prev)

	got, ok := store.Get("SENSOR/A/TEMP")
	require.True(t, ok)
	assert.Equal(t, "SENSOR/A/TEMP", got.Name)
	assert.NotZero(t, got.RegisteredAtUS)

	_, ok = store.Get("SENSOR/B/TEMP")
	assert.False(t, ok)
}

func TestStore_ReRegisterReplaces(t *testing.T) {
	store := NewStore()

	store.Register(info("SENSOR/A/TEMP"), 10*time.Millisecond)
	prev := store.Register(info("SENSOR/A/TEMP"), time.Minute)

	require.NotNil(t, prev, "re-register must return the replaced entry")
	assert.Equal(t, 1, store.Len(), "re-register must leave exactly one entry")

	// The later expiry wins: the entry outlives the first short TTL.
	time.Sleep(30 * time.Millisecond)
	_, ok := store.Get("SENSOR/A/TEMP")
	assert.True(t, ok)
}

func TestStore_TTLExpiry(t *testing.T) {
	store := NewStore()
	store.Register(info("SENSOR/A/TEMP"), 20*time.Millisecond)

	_, ok := store.Get("SENSOR/A/TEMP")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	// Expired entries are invisible to reads even before a sweep runs.
	_, ok = store.Get("SENSOR/A/TEMP")
	assert.False(t, ok)
	assert.Empty(t, store.Lookup(mustPattern(t, "SENSOR/*/TEMP")))

	// The sweeper actually reclaims them.
	removed := store.Sweep(time.Now())
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, store.Len())
}

func TestStore_LookupPattern(t *testing.T) {
	store := NewStore()
	store.Register(info("SENSOR/A/TEMP"), time.Minute)
	store.Register(info("SENSOR/B/TEMP"), time.Minute)
	store.Register(info("SENSOR/A/HUM"), time.Minute)

	matches := store.Lookup(mustPattern(t, "SENSOR/*/TEMP"))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m.Name)
	}
	assert.ElementsMatch(t, []string{"SENSOR/A/TEMP", "SENSOR/B/TEMP"}, names)

	// Segment-count mismatch yields nothing.
	assert.Empty(t, store.Lookup(mustPattern(t, "SENSOR/*")))
}

func TestStore_Unregister(t *testing.T) {
	store := NewStore()
	store.Register(info("CALC"), time.Minute)

	assert.True(t, store.Unregister("CALC"))
	assert.False(t, store.Unregister("CALC"))

	_, ok := store.Get("CALC")
	assert.False(t, ok)
}

func TestStore_Watch(t *testing.T) {
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := store.Watch(ctx, mustPattern(t, "SENSOR/*/TEMP"))

	store.Register(info("SENSOR/A/TEMP"), time.Minute)
	store.Register(info("SENSOR/A/HUM"), time.Minute)
	store.Register(info("SENSOR/B/TEMP"), time.Minute)

	var seen []string
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case got := <-ch:
			seen = append(seen, got.Name)
		case <-timeout:
			t.Fatalf("timed out waiting for watch notifications, saw %v", seen)
		}
	}
	assert.ElementsMatch(t, []string{"SENSOR/A/TEMP", "SENSOR/B/TEMP"}, seen)

	cancel()
	// Channel closes once the context ends.
	for {
		if _, open := <-ch; !open {
			break
		}
	}
}

func TestStore_SweeperRuns(t *testing.T) {
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store.Register(info("SHORT"), 10*time.Millisecond)
	store.StartSweeper(ctx, 20*time.Millisecond, testLogger())

	assert.Eventually(t, func() bool {
		return store.Len() == 0
	}, time.Second, 10*time.Millisecond)
}
