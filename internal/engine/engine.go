// Package engine implements the router/backend façade (C8): the public
// insert/retrieve/delete/streams/is_alive operations, settings validation,
// and the k-way merge across the active memtable and overlapping SSTs.
//
// Grounded on original_source/kronos/kronos/storage/base.py's
// BaseStorage: the settings-validators assertion loop at construction
// (settings.go), the `_get_timeuuid` bounds synthesis in boundsFor, and
// retrieve/delete's order-to-UUIDType mapping. The background lifecycle
// (New/Stop, Recover-before-serving) follows
// internal/services/storage_manager.go's StorageManager.Start/Stop idiom.
package engine

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"storage-engine/internal/config"
	"storage-engine/internal/flush"
	"storage-engine/internal/manifest"
	"storage-engine/internal/record"
	"storage-engine/internal/sstable"
	"storage-engine/internal/storage/block"
	"storage-engine/internal/tuid"
	"storage-engine/internal/xerrors"
)

// Engine is the storage engine's public façade: one instance owns one
// scratch directory, one bucket, and the background flush/recovery
// orchestrator driving them.
type Engine struct {
	cfg     *config.Config
	storage block.Storage
	codec   sstable.Codec
	writer  *sstable.Writer
	man     *manifest.Manifest
	orch    *flush.Orchestrator

	stopOnce sync.Once
}

// New validates cfg against the settings-validators map, wires up the
// configured object-storage backend, and runs startup recovery before
// returning a ready-to-serve Engine. Callers must call Stop when done.
func New(ctx context.Context, cfg *config.Config, publisher flush.Publisher) (*Engine, error) {
	if err := validateSettings(settingsFromConfig(cfg)); err != nil {
		return nil, err
	}

	storage, err := newStorage(cfg)
	if err != nil {
		return nil, err
	}

	codec := sstable.CodecFor(cfg.BlockCodec)

	thresholds := sstable.Thresholds{
		IndexBlockSize: cfg.IndexBlockSize,
		MinSize:        cfg.MinSSTSize,
		MaxSize:        cfg.MaxSSTSize,
		CompressFactor: cfg.CompressFactor,
	}
	writer := sstable.NewWriter(storage, thresholds, codec)
	man := manifest.New(storage, codec)
	orch := flush.New(cfg.ScratchDir, writer, man, publisher, cfg.PushQueueDepth, cfg.PushRetryLimit)

	e := &Engine{cfg: cfg, storage: storage, codec: codec, writer: writer, man: man, orch: orch}

	if _, err := orch.Recover(); err != nil {
		return nil, err
	}
	orch.Start()

	if err := man.Refresh(ctx); err != nil {
		return nil, err
	}

	return e, nil
}

func newStorage(cfg *config.Config) (block.Storage, error) {
	switch cfg.BucketBackend {
	case "local":
		return block.NewLocalFS(block.Config{BaseDir: cfg.Bucket})
	case "s3":
		return block.NewS3FS(block.Config{
			Options: map[string]string{
				"bucket": cfg.Bucket,
				"region": cfg.S3Region,
			},
		})
	default:
		return nil, xerrors.New(xerrors.ErrBadSettings, fmt.Sprintf("unknown bucket backend %q", cfg.BucketBackend))
	}
}

// IsAlive reports whether the underlying object-storage backend and the
// active memtable are both reachable.
func (e *Engine) IsAlive(ctx context.Context) bool {
	if err := e.storage.Health(ctx); err != nil {
		return false
	}
	_, err := e.orch.Active()
	return err == nil
}

func streamKey(namespace, stream string) string {
	return namespace + "/" + stream
}

// Insert assigns each event a RANDOM-entropy TimeUUID timestamped from the
// event's own "time" field (or wall-clock now, if absent), stamps id/time
// into the payload, and inserts into the active memtable. Returns the
// number of events accepted.
func (e *Engine) Insert(namespace, stream string, events []map[string]interface{}) (int, error) {
	mt, err := e.orch.Active()
	if err != nil {
		return 0, err
	}
	key := streamKey(namespace, stream)

	accepted := 0
	for _, payload := range events {
		ts := time.Now().UTC()
		if raw, ok := payload["time"]; ok {
			if ns, ok := asUnixNano(raw); ok {
				ts = time.Unix(0, ns).UTC()
			}
		}
		id := tuid.FromTime(ts, tuid.RANDOM)
		rec := record.NewEvent(id, payload)
		if err := mt.Insert(key, rec); err != nil {
			return accepted, err
		}
		accepted++
	}
	return accepted, nil
}

func asUnixNano(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// bounds is the resolved [lo, hi] range for a retrieve/delete call, plus
// whether either end must be treated as exclusive of the boundary value
// itself (only possible when the caller supplied an explicit id; a bound
// synthesized from a wall-clock timestamp is always inclusive, per Open
// Question (a)'s resolution).
type bounds struct {
	lo, hi                   *tuid.TimeUUID
	loExclusive, hiExclusive bool
}

// boundsFor implements BaseStorage._get_timeuuid's synthesis rule: prefer
// the caller's explicit id; otherwise derive one from the wall-clock bound
// using LOWEST for the lower end and HIGHEST for the upper end.
func boundsFor(startTime, endTime *time.Time, startID, endID *tuid.TimeUUID) bounds {
	var b bounds
	if startID != nil {
		id := *startID
		b.lo = &id
		b.loExclusive = true
	} else if startTime != nil {
		id := tuid.FromTime(*startTime, tuid.LOWEST)
		b.lo = &id
	}
	if endID != nil {
		id := *endID
		b.hi = &id
		b.hiExclusive = true
	} else if endTime != nil {
		id := tuid.FromTime(*endTime, tuid.HIGHEST)
		b.hi = &id
	}
	return b
}

// mergeSource is one sorted input to the k-way merge: either the active
// memtable's stream slice or one overlapping SST's scanned records.
type mergeSource struct {
	records []record.Record
	pos     int
	index   int // source priority for tie-breaking; 0 is the memtable
}

type mergeHeap struct {
	sources  []*mergeSource
	reverse  bool
}

func (h *mergeHeap) Len() int { return len(h.sources) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.sources[i], h.sources[j]
	ai, bi := a.records[a.pos].Header().ID, b.records[b.pos].Header().ID
	cmp := ai.Compare(bi, tuid.Ascending)
	if h.reverse {
		cmp = -cmp
	}
	if cmp != 0 {
		return cmp < 0
	}
	return a.index < b.index
}

func (h *mergeHeap) Swap(i, j int) { h.sources[i], h.sources[j] = h.sources[j], h.sources[i] }

func (h *mergeHeap) Push(x interface{}) { h.sources = append(h.sources, x.(*mergeSource)) }

func (h *mergeHeap) Pop() interface{} {
	old := h.sources
	n := len(old)
	item := old[n-1]
	h.sources = old[:n-1]
	return item
}

// tombstoneRange is an inclusive [start, end] id range carried forward
// during a single merge scan (never persisted) to suppress matching
// events, per spec §4.8's merge algorithm.
type tombstoneRange struct {
	start, end tuid.TimeUUID
}

func (t tombstoneRange) covers(id tuid.TimeUUID) bool {
	return id.Compare(t.start, tuid.Ascending) >= 0 && id.Compare(t.end, tuid.Ascending) <= 0
}

// collectTombstones gathers every DeleteRecord across every source before
// the direction-ordered sweep runs. A DeleteRecord's header id is always its
// covered range's minimum (record.go's StartID), so in a descending
// (largest-id-first) merge the tombstone itself pops *after* the events it
// covers; accumulating tombstones incrementally during the pop loop would
// then fail to suppress them. Collecting the full set up front makes
// suppression independent of pop order.
func collectTombstones(memtableRecs []record.Record, sstRecs [][]record.Record) []tombstoneRange {
	var out []tombstoneRange
	collect := func(recs []record.Record) {
		for _, r := range recs {
			if del, ok := r.(*record.DeleteRecord); ok {
				out = append(out, tombstoneRange{start: del.StartID(), end: del.EndID})
			}
		}
	}
	collect(memtableRecs)
	for _, recs := range sstRecs {
		collect(recs)
	}
	return out
}

// mergeRecords performs the k-way merge of §4.8: pop the smallest (or
// largest, if reverse) cmp_bytes head across all sources, applying
// tombstone suppression, until every source is drained or limit is hit.
func mergeRecords(memtableRecs []record.Record, sstRecs [][]record.Record, reverse bool, limit int) []record.Record {
	tombstones := collectTombstones(memtableRecs, sstRecs)

	h := &mergeHeap{reverse: reverse}
	heap.Init(h)
	if len(memtableRecs) > 0 {
		heap.Push(h, &mergeSource{records: memtableRecs, index: 0})
	}
	for i, recs := range sstRecs {
		if len(recs) > 0 {
			heap.Push(h, &mergeSource{records: recs, index: i + 1})
		}
	}

	var out []record.Record
	for h.Len() > 0 && (limit <= 0 || len(out) < limit) {
		src := heap.Pop(h).(*mergeSource)
		rec := src.records[src.pos]
		src.pos++
		if src.pos < len(src.records) {
			heap.Push(h, src)
		}

		if _, ok := rec.(*record.DeleteRecord); ok {
			continue
		}

		suppressed := false
		id := rec.Header().ID
		for _, t := range tombstones {
			if t.covers(id) {
				suppressed = true
				break
			}
		}
		if !suppressed {
			out = append(out, rec)
		}
	}
	return out
}

// Retrieve returns JSON-serialized events for (namespace, stream) in
// [lo, hi], honoring order and limit (spec §4.8).
func (e *Engine) Retrieve(ctx context.Context, namespace, stream string, startTime, endTime *time.Time, startID, endID *tuid.TimeUUID, order tuid.Order, limit int) ([][]byte, error) {
	key := streamKey(namespace, stream)
	b := boundsFor(startTime, endTime, startID, endID)
	reverse := order == tuid.Descending

	mt, err := e.orch.Active()
	if err != nil {
		return nil, err
	}
	memRecs, err := mt.StreamIter(key, b.lo, b.hi)
	if err != nil {
		return nil, err
	}
	memRecs = applyExclusiveBounds(memRecs, b)
	if reverse {
		reverseRecords(memRecs)
	}

	snap := e.man.Snapshot()
	readers := snap.OverlappingSSTs(key, effectiveLo(b.lo), effectiveHi(b.hi))
	sstRecs := make([][]record.Record, 0, len(readers))
	for _, r := range readers {
		recs, err := r.Iterator(ctx, b.lo, b.hi, reverse)
		if err != nil {
			return nil, err
		}
		sstRecs = append(sstRecs, applyExclusiveBounds(recs, b))
	}

	merged := mergeRecords(memRecs, sstRecs, reverse, limit)

	out := make([][]byte, 0, len(merged))
	for _, rec := range merged {
		ev, ok := rec.(*record.EventRecord)
		if !ok {
			continue
		}
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, xerrors.NewWithCause(xerrors.ErrSSTableMalformed, "marshal retrieved event", err)
		}
		out = append(out, b)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// applyExclusiveBounds drops records exactly equal to an explicit
// exclusive boundary id (Open Question (a)).
func applyExclusiveBounds(recs []record.Record, b bounds) []record.Record {
	if !b.loExclusive && !b.hiExclusive {
		return recs
	}
	out := make([]record.Record, 0, len(recs))
	for _, r := range recs {
		id := r.Header().ID
		if b.loExclusive && b.lo != nil && id.Equal(*b.lo) {
			continue
		}
		if b.hiExclusive && b.hi != nil && id.Equal(*b.hi) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func effectiveLo(lo *tuid.TimeUUID) tuid.TimeUUID {
	if lo == nil {
		return tuid.TimeUUID{}
	}
	return *lo
}

func effectiveHi(hi *tuid.TimeUUID) tuid.TimeUUID {
	if hi == nil {
		return tuid.FromTime(time.Now().UTC().AddDate(100, 0, 0), tuid.HIGHEST)
	}
	return *hi
}

func reverseRecords(recs []record.Record) {
	for l, r := 0, len(recs)-1; l < r; l, r = l+1, r-1 {
		recs[l], recs[r] = recs[r], recs[l]
	}
}

// Delete writes a DeleteRecord spanning the resolved bounds into the active
// memtable, returning how many currently-visible memtable events fall
// inside that range (SST-resident events are suppressed at read time by the
// tombstone, not counted here; the engine has no cheap way to size that set
// without scanning every overlapping SST, which would defeat the purpose of
// destructive delete paths).
func (e *Engine) Delete(namespace, stream string, startTime, endTime *time.Time, startID, endID *tuid.TimeUUID) (int, []error) {
	key := streamKey(namespace, stream)
	b := boundsFor(startTime, endTime, startID, endID)
	if b.lo == nil || b.hi == nil {
		return 0, []error{xerrors.New(xerrors.ErrBadSettings, "delete requires a resolvable start and end bound")}
	}

	mt, err := e.orch.Active()
	if err != nil {
		return 0, []error{err}
	}

	existing, err := mt.StreamIter(key, b.lo, b.hi)
	if err != nil {
		return 0, []error{err}
	}
	count := 0
	for _, r := range existing {
		if _, ok := r.(*record.EventRecord); ok {
			count++
		}
	}

	if err := mt.Delete(key, *b.lo, *b.hi); err != nil {
		return count, []error{err}
	}
	return count, nil
}

// Streams returns every stream name visible under namespace, drawn from the
// manifest snapshot and the active memtable.
func (e *Engine) Streams(namespace string) ([]string, error) {
	mt, err := e.orch.Active()
	if err != nil {
		return nil, err
	}
	groups, err := mt.StreamsIter()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string
	prefix := namespace + "/"
	add := func(key string) {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			return
		}
		name := key[len(prefix):]
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, g := range groups {
		add(g.Stream)
	}
	snap := e.man.Snapshot()
	for _, s := range snap.Streams() {
		add(s)
	}
	insertionSort(out)
	return out, nil
}

func insertionSort(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Stop halts the background flush worker. Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.orch.Stop()
	})
}
