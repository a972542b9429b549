package manifest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storage-engine/internal/record"
	"storage-engine/internal/sstable"
	"storage-engine/internal/storage/block"
	"storage-engine/internal/tuid"
)

func idAt(seconds int64) tuid.TimeUUID {
	return tuid.FromTime(time.Unix(seconds, 0).UTC(), tuid.LOWEST)
}

// Scenario 6: overlap counts over four known intervals.
func TestIntervalTreeOverlapCounts(t *testing.T) {
	tree := &IntervalTree{}
	bounds := [][2]int64{{100, 1100}, {200, 1200}, {500, 1500}, {1400, 2400}}
	for _, b := range bounds {
		tree.Insert(Interval{Start: idAt(b[0]), End: idAt(b[1]), Value: b})
	}

	cases := []struct {
		lo, hi int64
		want   int
	}{
		{150, 300, 2},
		{400, 600, 3},
		{100, 1500, 4},
		{2000, 2100, 1},
	}
	for _, c := range cases {
		got := tree.Overlapping(idAt(c.lo), idAt(c.hi))
		require.Len(t, got, c.want, "range [%d,%d]", c.lo, c.hi)
	}
}

func writeSSTWithBounds(t *testing.T, w *sstable.Writer, stream string, startSeconds, endSeconds int64) {
	t.Helper()
	start := record.NewEvent(idAt(startSeconds), map[string]interface{}{"at": "start"})
	end := record.NewEvent(idAt(endSeconds), map[string]interface{}{"at": "end"})
	_, remainder, err := w.Write(context.Background(), stream, []record.Record{start, end}, sstable.WriteOptions{})
	require.NoError(t, err)
	require.Empty(t, remainder)
}

// Scenario 6 at the Manifest level: Refresh picks up real SSTs and
// OverlappingSSTs answers the same counts the raw interval tree does.
func TestManifestRefreshBuildsOverlapQueryableView(t *testing.T) {
	storage, err := block.NewLocalFS(block.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	w := sstable.NewWriter(storage, sstable.DefaultThresholds(), nil)

	writeSSTWithBounds(t, w, "s1", 100, 1100)
	writeSSTWithBounds(t, w, "s1", 200, 1200)
	writeSSTWithBounds(t, w, "s1", 500, 1500)
	writeSSTWithBounds(t, w, "s1", 1400, 2400)

	man := New(storage, nil)
	require.NoError(t, man.Refresh(context.Background()))

	snap := man.Snapshot()
	require.Len(t, snap.OverlappingSSTs("s1", idAt(150), idAt(300)), 2)
	require.Len(t, snap.OverlappingSSTs("s1", idAt(400), idAt(600)), 3)
	require.Len(t, snap.OverlappingSSTs("s1", idAt(100), idAt(1500)), 4)
	require.Len(t, snap.OverlappingSSTs("s1", idAt(2000), idAt(2100)), 1)
}

func TestManifestStreamsListsLexicographically(t *testing.T) {
	storage, err := block.NewLocalFS(block.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	w := sstable.NewWriter(storage, sstable.DefaultThresholds(), nil)

	for _, s := range []string{"lol", "cat", "foo", "bar"} {
		writeSSTWithBounds(t, w, s, 100, 200)
	}

	man := New(storage, nil)
	require.NoError(t, man.Refresh(context.Background()))
	require.Equal(t, []string{"bar", "cat", "foo", "lol"}, man.Snapshot().Streams())
}

func TestManifestRefreshSkipsUnknownView(t *testing.T) {
	storage, err := block.NewLocalFS(block.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	man := New(storage, nil)
	require.NoError(t, man.Refresh(context.Background()))
	require.Empty(t, man.Snapshot().Streams())
	require.Empty(t, man.Snapshot().OverlappingSSTs("missing", idAt(0), idAt(100)))
}
