package eventlog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
)

func prepared(id string) Draft {
	return Draft{
		Type:        TypeSignalPrepared,
		AggregateID: "signal:" + id,
		Payload:     map[string]any{"signal_id": id, "symbol": "BTC/USDT"},
	}
}

func TestAppendAssignsMonotonicVersions(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	for i := 0; i < 3; i++ {
		e, err := l.Append(ctx, prepared("s1"))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), e.Metadata.Version)
		assert.NotEmpty(t, e.ID)
	}
	other, err := l.Append(ctx, prepared("s2"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Metadata.Version)

	stream, err := l.GetStream(ctx, "signal:s1")
	require.NoError(t, err)
	require.Len(t, stream, 3)
	for i := 1; i < len(stream); i++ {
		assert.Greater(t, stream[i].Metadata.Version, stream[i-1].Metadata.Version)
	}
}

func TestAppendRejectsInvalidSchemaWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store)
	sub := l.Subscribe("test", 8)
	defer sub.Close()

	cases := []struct {
		name  string
		draft Draft
	}{
		{"empty type", Draft{AggregateID: "a", Payload: map[string]any{}}},
		{"bad type", Draft{Type: "Signal Prepared", AggregateID: "a", Payload: map[string]any{}}},
		{"unknown type", Draft{Type: "signal.teleported", AggregateID: "a", Payload: map[string]any{"signal_id": "x"}}},
		{"missing aggregate", Draft{Type: TypeSignalAborted, Payload: map[string]any{"signal_id": "x"}}},
		{"nil payload", Draft{Type: TypeSignalAborted, AggregateID: "a"}},
		{"non-object payload", Draft{Type: TypeSignalAborted, AggregateID: "a", Payload: []int{1, 2}}},
		{"missing required field", Draft{Type: TypeSignalRejected, AggregateID: "a", Payload: map[string]any{"signal_id": "x", "kind": "RISK_VETO"}}},
		{"null required field", Draft{Type: TypeSignalAborted, AggregateID: "a", Payload: map[string]any{"signal_id": nil}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Append(ctx, tc.draft)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrValidation))
		})
	}

	all, _ := store.All(ctx)
	assert.Empty(t, all)
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected publish of %s", e.Type)
	default:
	}
}

func TestSubscribersReceiveAfterDurableWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store)

	all := l.Subscribe("all", 4)
	defer all.Close()
	aborts := l.Subscribe("aborts", 4, TypeSignalAborted)
	defer aborts.Close()

	e, err := l.Append(ctx, prepared("s1"))
	require.NoError(t, err)

	got := <-all.C
	assert.Equal(t, e.ID, got.ID)
	stored, _ := store.Stream(ctx, "signal:s1")
	assert.Len(t, stored, 1)

	select {
	case <-aborts.C:
		t.Fatal("filtered subscriber received a signal.prepared event")
	default:
	}
}

func TestSlowSubscriberDoesNotBlockAppend(t *testing.T) {
	l := New(NewMemoryStore(), WithDeliverTimeout(5*time.Millisecond))
	slow := l.Subscribe("slow", 1)
	defer slow.Close()

	for i := 0; i < 3; i++ {
		_, err := l.Append(context.Background(), prepared("s1"))
		require.NoError(t, err)
	}
	assert.Len(t, slow.C, 1)
}

type flakyStore struct {
	*MemoryStore
	failures int
}

func (f *flakyStore) Append(ctx context.Context, e Event) error {
	if f.failures > 0 {
		f.failures--
		return apperr.Transport("eventlog", "append", errors.New("connection reset"))
	}
	return f.MemoryStore.Append(ctx, e)
}

func TestAppendRetriesTransientStoreFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	l := New(store, WithRetry(fastRetry()))

	e, err := l.Append(context.Background(), prepared("s1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Metadata.Version)
}

func TestAppendSurfacesExhaustedFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100}
	l := New(store, WithRetry(fastRetry()))
	sub := l.Subscribe("s", 1)
	defer sub.Close()

	_, err := l.Append(context.Background(), prepared("s1"))
	require.Error(t, err)
	assert.Len(t, sub.C, 0)
}

func TestFileStoreReplaysAfterReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")

	fs, err := OpenFileStore(path)
	require.NoError(t, err)
	l := New(fs)
	_, err = l.Append(ctx, prepared("s1"))
	require.NoError(t, err)
	_, err = l.Append(ctx, Draft{Type: TypeSignalAborted, AggregateID: "signal:s1", Payload: map[string]any{"signal_id": "s1"}})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// a torn or corrupt line is skipped on load
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, _ = f.WriteString("{not json\n")
	require.NoError(t, f.Close())

	fs2, err := OpenFileStore(path)
	require.NoError(t, err)
	l2 := New(fs2)
	defer l2.Close()

	stream, err := l2.GetStream(ctx, "signal:s1")
	require.NoError(t, err)
	require.Len(t, stream, 2)
	assert.Equal(t, TypeSignalAborted, stream[1].Type)

	next, err := l2.Append(ctx, Draft{Type: TypeSignalExpired, AggregateID: "signal:s1", Payload: map[string]any{"signal_id": "s1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), next.Metadata.Version)

	var types []string
	require.NoError(t, l2.Replay(ctx, func(e Event) error {
		types = append(types, e.Type)
		return nil
	}))
	assert.Equal(t, []string{TypeSignalPrepared, TypeSignalAborted, TypeSignalExpired}, types)
}

func TestConcurrentAppendsKeepPerAggregateOrder(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, prepared("hot"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stream, err := l.GetStream(ctx, "signal:hot")
	require.NoError(t, err)
	require.Len(t, stream, 50)
	for i, e := range stream {
		assert.Equal(t, int64(i+1), e.Metadata.Version)
	}
}
