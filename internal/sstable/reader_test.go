package sstable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"storage-engine/internal/tuid"
)

func writeTestSST(t *testing.T, stream string, n int) (*Reader, []tuid.TimeUUID) {
	t.Helper()
	storage := newTestStorage(t)
	thresholds := Thresholds{
		IndexBlockSize: 4 * 1024,
		MinSize:        1 << 62,
		MaxSize:        1 << 62,
		CompressFactor: 0.6,
	}
	w := NewWriter(storage, thresholds, nil)
	recs := syntheticRecords(n, 10, 1)
	ids := make([]tuid.TimeUUID, n)
	for i, r := range recs {
		ids[i] = r.Header().ID
	}

	key, remainder, err := w.Write(context.Background(), stream, recs, WriteOptions{})
	require.NoError(t, err)
	require.Empty(t, remainder)

	startHex := ids[0].String()
	reader, err := Open(context.Background(), storage, nil, stream, startHex)
	require.NoError(t, err)
	require.Equal(t, key, reader.PayloadKey)
	return reader, ids
}

// Scenario 7: reverse-scan equivalence over random sub-ranges.
func TestReaderReverseScanMatchesForwardReversed(t *testing.T) {
	reader, ids := writeTestSST(t, "s1", 10000)

	subranges := [][2]int{{0, 50}, {100, 250}, {500, 9999}, {9990, 9999}, {0, 9999}}
	for _, sr := range subranges {
		lo, hi := ids[sr[0]], ids[sr[1]]
		forward, err := reader.Iterator(context.Background(), &lo, &hi, false)
		require.NoError(t, err)
		backward, err := reader.Iterator(context.Background(), &lo, &hi, true)
		require.NoError(t, err)
		require.Equal(t, len(forward), len(backward))
		for i := range forward {
			require.True(t, forward[i].Header().ID.Equal(backward[len(backward)-1-i].Header().ID))
		}
	}
}

func TestReaderFullScanReturnsAllRecordsInOrder(t *testing.T) {
	reader, ids := writeTestSST(t, "s1", 1234)

	all, err := reader.Iterator(context.Background(), nil, nil, false)
	require.NoError(t, err)
	require.Len(t, all, 1234)
	for i := range all {
		require.True(t, all[i].Header().ID.Equal(ids[i]))
	}
}

// Index consistency: index entries are sorted by start_id and every block
// offset lies within the payload's declared size.
func TestReaderIndexIsSortedAndWithinPayloadBounds(t *testing.T) {
	reader, _ := writeTestSST(t, "s1", 5000)

	idx, err := reader.loadIndex(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, idx)
	for i := 1; i < len(idx); i++ {
		require.True(t, idx[i-1].StartID().Compare(idx[i].StartID(), tuid.Ascending) < 0)
	}
	for _, entry := range idx {
		require.GreaterOrEqual(t, entry.Offset, int64(0))
		require.Less(t, entry.Offset, reader.Meta.Size)
	}
}

func TestReaderOpenMissingSSTReturnsMissingError(t *testing.T) {
	storage := newTestStorage(t)
	_, err := Open(context.Background(), storage, nil, "nope", "deadbeef")
	require.Error(t, err)
}
