package sstable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storage-engine/internal/record"
	"storage-engine/internal/storage/block"
	"storage-engine/internal/tuid"
)

func newTestStorage(t *testing.T) block.Storage {
	t.Helper()
	storage, err := block.NewLocalFS(block.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return storage
}

func syntheticRecords(n int, startSeconds, intervalSeconds int64) []record.Record {
	out := make([]record.Record, 0, n)
	base := time.Unix(startSeconds, 0).UTC()
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Duration(intervalSeconds) * time.Second)
		id := tuid.FromTime(ts, tuid.LOWEST)
		out = append(out, record.NewEvent(id, map[string]interface{}{"seq": i}))
	}
	return out
}

// Scenario 5: no-overflow, exact record count, empty remainder.
func TestWriterNoSplitProducesOneSST(t *testing.T) {
	storage := newTestStorage(t)
	w := NewWriter(storage, DefaultThresholds(), nil)
	recs := syntheticRecords(1234, 10, 1)

	key, remainder, err := w.Write(context.Background(), "s1", recs, WriteOptions{})
	require.NoError(t, err)
	require.Empty(t, remainder)
	require.NotEmpty(t, key)

	exists, err := storage.Exists(context.Background(), key)
	require.NoError(t, err)
	require.True(t, exists)

	stat, err := storage.Stat(context.Background(), key)
	require.NoError(t, err)
	meta, err := decodeMetadata(stat.CustomMetadata)
	require.NoError(t, err)
	require.Equal(t, 1234, meta.NumRecords)
}

// Scenario 4: splitting at MinSize leaves a non-empty remainder sized within bounds.
func TestWriterSplitLeavesRemainder(t *testing.T) {
	storage := newTestStorage(t)
	thresholds := Thresholds{
		IndexBlockSize: 64 * 1024,
		MinSize:        2 * 1024 * 1024,
		MaxSize:        4 * 1024 * 1024,
		CompressFactor: 0.6,
	}
	w := NewWriter(storage, thresholds, nil)
	recs := syntheticRecords(25000, 10, 1)

	key, remainder, err := w.Write(context.Background(), "s1", recs, WriteOptions{Split: true})
	require.NoError(t, err)
	require.NotEmpty(t, remainder)

	stat, err := storage.Stat(context.Background(), key)
	require.NoError(t, err)
	meta, err := decodeMetadata(stat.CustomMetadata)
	require.NoError(t, err)
	require.GreaterOrEqual(t, meta.Size, thresholds.MinSize)
	require.LessOrEqual(t, meta.Size, thresholds.MaxSize)
	require.Equal(t, len(recs), meta.NumRecords+len(remainder))
}

func TestWriterRejectsEmptyInput(t *testing.T) {
	storage := newTestStorage(t)
	w := NewWriter(storage, DefaultThresholds(), nil)
	_, _, err := w.Write(context.Background(), "s1", nil, WriteOptions{})
	require.Error(t, err)
}

// SST metadata faithfulness: start_id/has_delete reflect the written records.
func TestWriterMetadataReflectsRecords(t *testing.T) {
	storage := newTestStorage(t)
	w := NewWriter(storage, DefaultThresholds(), nil)
	recs := syntheticRecords(50, 10, 1)
	tomb := record.NewDelete(recs[10].Header().ID, recs[20].Header().ID)
	recs = append(recs[:11], append([]record.Record{tomb}, recs[11:]...)...)

	key, _, err := w.Write(context.Background(), "s1", recs, WriteOptions{})
	require.NoError(t, err)

	stat, err := storage.Stat(context.Background(), key)
	require.NoError(t, err)
	meta, err := decodeMetadata(stat.CustomMetadata)
	require.NoError(t, err)
	require.True(t, meta.StartID.Equal(recs[0].Header().ID))
	require.True(t, meta.HasDelete)
}
