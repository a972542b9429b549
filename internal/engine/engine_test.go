package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storage-engine/internal/config"
	"storage-engine/internal/tuid"
)

func idFromField(t *testing.T, raw []byte) *tuid.TimeUUID {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	idStr, ok := m["id"].(string)
	require.True(t, ok)
	id, err := tuid.ParseString([]byte(idStr))
	require.NoError(t, err)
	return &id
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := &config.Config{
		ScratchDir:     t.TempDir(),
		Bucket:         t.TempDir(),
		BucketBackend:  "local",
		IndexBlockSize: 2 * 1024 * 1024,
		MinSSTSize:     1024 * 1024 * 1024,
		MaxSSTSize:     2 * 1024 * 1024 * 1024,
		CompressFactor: 0.6,
		BlockCodec:     "snappy",
		PushQueueDepth: 8,
		PushRetryLimit: 5,
	}
	e, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func syntheticEvents(n int, startSeconds, intervalSeconds int64) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, n)
	base := time.Unix(startSeconds, 0).UTC()
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Duration(intervalSeconds) * time.Second)
		out = append(out, map[string]interface{}{
			"time":  ts.UnixNano(),
			"seq":   i,
			"label": fmt.Sprintf("event-%d", i),
		})
	}
	return out
}

// Scenario 1: round-trip insert/scan.
func TestRetrieveRoundTripAndRange(t *testing.T) {
	e := newTestEngine(t)
	events := syntheticEvents(100, 10, 10)

	n, err := e.Insert("ns", "s1", events)
	require.NoError(t, err)
	require.Equal(t, 100, n)

	all, err := e.Retrieve(context.Background(), "ns", "s1", nil, nil, nil, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 100)

	var first, last map[string]interface{}
	require.NoError(t, json.Unmarshal(all[0], &first))
	require.NoError(t, json.Unmarshal(all[99], &last))
	require.Equal(t, float64(0), first["seq"])
	require.Equal(t, float64(99), last["seq"])

	sub, err := e.Retrieve(context.Background(), "ns", "s1", nil, nil, idFromField(t, all[30]), idFromField(t, all[69]), 0, 0)
	require.NoError(t, err)
	// explicit start_id is an exclusive lower bound (Open Question a); the
	// upper bound is symmetric, so [30,69] yields events 31..68: 38 events.
	require.Len(t, sub, 38)
}

// Scenario 2: multi-stream isolation.
func TestMultiStreamIsolation(t *testing.T) {
	e := newTestEngine(t)
	streams := []string{"lol", "cat", "foo", "bar"}
	for _, s := range streams {
		_, err := e.Insert("ns", s, syntheticEvents(100, 10, 10))
		require.NoError(t, err)
	}

	names, err := e.Streams("ns")
	require.NoError(t, err)
	require.Equal(t, []string{"bar", "cat", "foo", "lol"}, names)

	for _, s := range streams {
		recs, err := e.Retrieve(context.Background(), "ns", s, nil, nil, nil, nil, 0, 0)
		require.NoError(t, err)
		require.Len(t, recs, 100)
	}
}

// Scenario 3: range delete.
func TestRangeDeleteSuppressesEvents(t *testing.T) {
	e := newTestEngine(t)
	events := syntheticEvents(100, 10, 10)
	_, err := e.Insert("ns", "s1", events)
	require.NoError(t, err)

	full, err := e.Retrieve(context.Background(), "ns", "s1", nil, nil, nil, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, full, 100)

	var evt30, evt70 map[string]interface{}
	require.NoError(t, json.Unmarshal(full[30], &evt30))
	require.NoError(t, json.Unmarshal(full[70], &evt70))

	count, errs := e.Delete("ns", "s1", nil, nil, idFromField(t, full[30]), idFromField(t, full[70]))
	require.Empty(t, errs)
	require.Equal(t, 41, count) // events[30..70] inclusive

	afterDelete, err := e.Retrieve(context.Background(), "ns", "s1", nil, nil, nil, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, afterDelete, 59) // 100 - 41 suppressed events
}

// Regression: a descending retrieve must suppress events covered by a
// tombstone whose literal events already live in a flushed SST, even though
// a DeleteRecord's header id (its range minimum) pops *last* in a
// largest-id-first sweep.
func TestDescendingRetrieveSuppressesTombstonedEventsInFlushedSST(t *testing.T) {
	e := newTestEngine(t)
	events := syntheticEvents(9, 10, 10)
	_, err := e.Insert("ns", "s1", events)
	require.NoError(t, err)

	full, err := e.Retrieve(context.Background(), "ns", "s1", nil, nil, nil, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, full, 9)

	// Flush every event into an SST, then delete [e2,e8] from the fresh
	// active memtable: the literal events stay behind in the already-flushed
	// SST (spec.md's "optimization, not correctness" memtable-local delete).
	_, err = e.orch.Rotate()
	require.NoError(t, err)
	e.orch.Stop() // wait for the async push to drain before asserting on its output

	startID := idFromField(t, full[1])
	endID := idFromField(t, full[7])
	_, errs := e.Delete("ns", "s1", nil, nil, startID, endID)
	require.Empty(t, errs)

	descending, err := e.Retrieve(context.Background(), "ns", "s1", nil, nil, nil, nil, tuid.Descending, 0)
	require.NoError(t, err)

	var seq []float64
	for _, raw := range descending {
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &ev))
		seq = append(seq, ev["seq"].(float64))
	}
	require.Equal(t, []float64{8, 0}, seq) // only e1 (seq 0) and e9 (seq 8) survive
}

func TestInsertRejectsNothingAndAcceptsAll(t *testing.T) {
	e := newTestEngine(t)
	n, err := e.Insert("ns", "s1", syntheticEvents(5, 100, 1))
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestIsAlive(t *testing.T) {
	e := newTestEngine(t)
	require.True(t, e.IsAlive(context.Background()))
}
