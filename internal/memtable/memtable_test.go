package memtable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storage-engine/internal/record"
	"storage-engine/internal/tuid"
)

func syntheticIDs(n int, startSeconds, intervalSeconds int64) []tuid.TimeUUID {
	ids := make([]tuid.TimeUUID, 0, n)
	base := time.Unix(startSeconds, 0).UTC()
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Duration(intervalSeconds) * time.Second)
		ids = append(ids, tuid.FromTime(ts, tuid.LOWEST))
	}
	return ids
}

// Scenario 1: round-trip insert/scan.
func TestMemtableRoundTripAndRangeScan(t *testing.T) {
	mt, err := Open(t.TempDir(), "mt-1")
	require.NoError(t, err)
	defer mt.Close()

	ids := syntheticIDs(100, 10, 10)
	for _, id := range ids {
		require.NoError(t, mt.Insert("s1", record.NewEvent(id, nil)))
	}

	full, err := mt.StreamIter("s1", nil, nil)
	require.NoError(t, err)
	require.Len(t, full, 100)
	for i := 1; i < len(full); i++ {
		require.True(t, full[i-1].Header().ID.Compare(full[i].Header().ID, tuid.Ascending) < 0)
	}

	sub, err := mt.StreamIter("s1", &ids[30], &ids[69])
	require.NoError(t, err)
	require.Len(t, sub, 40)

	got, err := mt.Get("s1", ids[0])
	require.NoError(t, err)
	require.True(t, got.Header().ID.Equal(ids[0]))
}

// Scenario 2: multi-stream isolation via streams_iter.
func TestMemtableStreamsIterGroupsAndOrders(t *testing.T) {
	mt, err := Open(t.TempDir(), "mt-2")
	require.NoError(t, err)
	defer mt.Close()

	streams := []string{"lol", "cat", "foo", "bar"}
	ids := syntheticIDs(100, 10, 10)
	for _, s := range streams {
		for _, id := range ids {
			require.NoError(t, mt.Insert(s, record.NewEvent(id, nil)))
		}
	}

	groups, err := mt.StreamsIter()
	require.NoError(t, err)
	require.Len(t, groups, 4)

	var names []string
	for _, g := range groups {
		names = append(names, g.Stream)
		require.Len(t, g.Records, 100)
		for i := 1; i < len(g.Records); i++ {
			require.True(t, g.Records[i-1].Header().ID.Compare(g.Records[i].Header().ID, tuid.Ascending) < 0)
		}
	}
	require.Equal(t, []string{"bar", "cat", "foo", "lol"}, names)
}

// Scenario 3: range delete.
func TestMemtableRangeDelete(t *testing.T) {
	mt, err := Open(t.TempDir(), "mt-3")
	require.NoError(t, err)
	defer mt.Close()

	ids := syntheticIDs(100, 10, 10)
	for _, id := range ids {
		require.NoError(t, mt.Insert("s1", record.NewEvent(id, nil)))
	}

	require.NoError(t, mt.Delete("s1", ids[30], ids[70]))

	full, err := mt.StreamIter("s1", nil, nil)
	require.NoError(t, err)
	require.Len(t, full, 60) // 59 surviving events + 1 DeleteRecord at ids[30]

	got, err := mt.Get("s1", ids[30])
	require.NoError(t, err)
	del, ok := got.(*record.DeleteRecord)
	require.True(t, ok)
	require.True(t, del.EndID.Equal(ids[70]))
}

func TestMemtableGetMissingReturnsNilNotError(t *testing.T) {
	mt, err := Open(t.TempDir(), "mt-4")
	require.NoError(t, err)
	defer mt.Close()

	got, err := mt.Get("s1", tuid.Now(tuid.RANDOM))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMemtableSealRejectsWrites(t *testing.T) {
	mt, err := Open(t.TempDir(), "mt-5")
	require.NoError(t, err)
	defer mt.Close()

	mt.Seal()
	require.True(t, mt.Sealed())
	err = mt.Insert("s1", record.NewEvent(tuid.Now(tuid.RANDOM), nil))
	require.Error(t, err)
}

func TestListScratchMemtablesAndDestroy(t *testing.T) {
	dir := t.TempDir()
	mt, err := Open(dir, "mt-6")
	require.NoError(t, err)
	require.NoError(t, mt.Insert("s1", record.NewEvent(tuid.Now(tuid.RANDOM), nil)))
	require.NoError(t, mt.Close())

	ids, err := ListScratchMemtables(dir)
	require.NoError(t, err)
	require.Contains(t, ids, "mt-6")

	mt2, err := Open(dir, "mt-6")
	require.NoError(t, err)
	require.NoError(t, mt2.Destroy())

	ids, err = ListScratchMemtables(dir)
	require.NoError(t, err)
	require.NotContains(t, ids, "mt-6")
}
