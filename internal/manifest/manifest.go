package manifest

import (
	"context"
	"log"
	"strings"
	"sync"

	"storage-engine/internal/sstable"
	"storage-engine/internal/storage/block"
	"storage-engine/internal/tuid"
)

// Manifest enumerates SSTs per stream and answers overlap queries via a
// per-stream interval tree. Refresh() replaces the whole in-memory view
// atomically; readers hold onto a snapshot (via Snapshot) for the duration
// of one scan so an in-flight read is unaffected by a concurrent refresh
// (spec §5).
type Manifest struct {
	storage block.Storage
	codec   sstable.Codec

	mu    sync.RWMutex
	view  *view
}

type view struct {
	tables map[string]map[string]*sstable.Reader // stream -> payload key -> reader
	trees  map[string]*IntervalTree              // stream -> interval tree
}

func newView() *view {
	return &view{
		tables: make(map[string]map[string]*sstable.Reader),
		trees:  make(map[string]*IntervalTree),
	}
}

// New constructs an empty Manifest; call Refresh before serving reads.
func New(storage block.Storage, codec sstable.Codec) *Manifest {
	return &Manifest{storage: storage, codec: codec, view: newView()}
}

// Refresh enumerates sstables/<stream>/sst_* across the bucket and
// rebuilds the per-stream table map and interval trees. A malformed or
// partially-uploaded SST (missing its companion index) is logged and
// skipped rather than failing the whole refresh (spec §7: construction
// errors are fatal to the affected SST handle, not to the engine).
func (m *Manifest) Refresh(ctx context.Context) error {
	entries, err := m.storage.List(ctx, "sstables/")
	if err != nil {
		return err
	}

	next := newView()
	for _, e := range entries {
		if !strings.Contains(e.Path, "/sst_") {
			continue // the companion idx_ object is opened by Reader itself
		}
		stream, startHex, ok := sstable.ParsePayloadKey(e.Path)
		if !ok {
			continue
		}
		reader, err := sstable.Open(ctx, m.storage, m.codec, stream, startHex)
		if err != nil {
			log.Printf("manifest: skipping unreadable sst %s: %v", e.Path, err)
			continue
		}
		if next.tables[stream] == nil {
			next.tables[stream] = make(map[string]*sstable.Reader)
			next.trees[stream] = &IntervalTree{}
		}
		next.tables[stream][e.Path] = reader
		next.trees[stream].Insert(Interval{Start: reader.Meta.StartID, End: reader.Meta.EndID, Value: reader})
	}

	m.mu.Lock()
	m.view = next
	m.mu.Unlock()
	return nil
}

// Snapshot returns the current view for a scan to hold onto for its whole
// duration, so a concurrent Refresh cannot invalidate it mid-scan.
func (m *Manifest) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Snapshot{v: m.view}
}

// Snapshot is an immutable view of the manifest as of the moment it was
// taken.
type Snapshot struct {
	v *view
}

// OverlappingSSTs returns every SST of stream whose [start_id,end_id]
// interval intersects [lo, hi], in no particular order (callers merge them
// by content, not by manifest order).
func (s *Snapshot) OverlappingSSTs(stream string, lo, hi tuid.TimeUUID) []*sstable.Reader {
	tree := s.v.trees[stream]
	if tree == nil {
		return nil
	}
	intervals := tree.Overlapping(lo, hi)
	out := make([]*sstable.Reader, 0, len(intervals))
	for _, iv := range intervals {
		out = append(out, iv.Value.(*sstable.Reader))
	}
	return out
}

// Streams returns every stream name known to this snapshot, in lexicographic order.
func (s *Snapshot) Streams() []string {
	out := make([]string, 0, len(s.v.trees))
	for stream := range s.v.trees {
		out = append(out, stream)
	}
	sortStrings(out)
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
