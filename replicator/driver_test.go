package replicator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecliptic-io/authcache/directory"
	"github.com/ecliptic-io/authcache/store"
)

// fakePoller hands out a scripted entry sequence, then blocks until the
// context is cancelled.
type fakePoller struct {
	entries []*directory.Entry
	events  chan directory.Event
}

func newFakePoller(entries ...*directory.Entry) *fakePoller {
	return &fakePoller{
		entries: entries,
		events:  make(chan directory.Event, 8),
	}
}

func (f *fakePoller) GetNext(ctx context.Context) (*directory.Entry, error) {
	if len(f.entries) > 0 {
		entry := f.entries[0]
		f.entries = f.entries[1:]
		return entry, nil
	}
	f.events <- directory.Fresh
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakePoller) Events() <-chan directory.Event { return f.events }
func (f *fakePoller) Close() error                   { return nil }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestLoadStateFreshCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state, err := LoadState(ctx, s)
	require.NoError(t, err)
	assert.True(t, state.Virgin)
	assert.Zero(t, state.ChangeNumber)

	// The virgin flag is written through so the health surface sees it.
	_, present, err := s.Get(ctx, store.VirginKey)
	require.NoError(t, err)
	assert.True(t, present)
}

func TestLoadStateResumes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, store.ChangeNumberKey, "42"))

	state, err := LoadState(ctx, s)
	require.NoError(t, err)
	assert.False(t, state.Virgin)
	assert.Equal(t, uint64(42), state.ChangeNumber)
}

func TestDriverAppliesAndAdvances(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller := newFakePoller(
		addEntry(10, accountDN, map[string][]string{
			"objectclass": {personCls},
			"uuid":        {"a-1"},
			"login":       {"admin"},
		}),
	)
	driver := NewDriver(s, poller, State{ChangeNumber: 9}, DriverConfig{}, testLog())

	done := make(chan error, 1)
	go func() { done <- driver.Run(ctx) }()

	waitFor(t, func() bool { return driver.ChangeNumber() == 10 }, "driver never applied the entry")

	// The record and the change number land in the same commit.
	cn, ok, err := s.Get(context.Background(), store.ChangeNumberKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10", cn)
	_, ok, err = s.Get(context.Background(), store.UUIDKey("a-1"))
	require.NoError(t, err)
	assert.True(t, ok)

	cancel()
	assert.NoError(t, <-done)
}

func TestDriverClearsVirginOnCatchUp(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Set(ctx, store.VirginKey, "true"))

	poller := newFakePoller()
	driver := NewDriver(s, poller, State{Virgin: true}, DriverConfig{}, testLog())
	assert.False(t, driver.Ready())

	done := make(chan error, 1)
	go func() { done <- driver.Run(ctx) }()

	waitFor(t, driver.Ready, "driver never cleared the virgin flag")

	_, present, err := s.Get(context.Background(), store.VirginKey)
	require.NoError(t, err)
	assert.False(t, present)

	cancel()
	assert.NoError(t, <-done)
}

func TestDriverHaltsOnUnprocessableEntry(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bad := addEntry(10, accountDN, map[string][]string{
		"objectclass": {personCls},
		"uuid":        {"a-1"},
	})
	bad.ChangeType = "moddn"

	driver := NewDriver(s, newFakePoller(bad), State{ChangeNumber: 9}, DriverConfig{}, testLog())

	err := driver.Run(ctx)
	var unsupported *UnsupportedOperationError
	require.ErrorAs(t, err, &unsupported)

	// The change number stays pinned before the bad entry.
	assert.Equal(t, uint64(9), driver.ChangeNumber())
	_, ok, getErr := s.Get(context.Background(), store.ChangeNumberKey)
	require.NoError(t, getErr)
	assert.False(t, ok)
}
