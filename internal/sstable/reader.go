package sstable

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"storage-engine/internal/record"
	"storage-engine/internal/storage/block"
	"storage-engine/internal/tuid"
	"storage-engine/internal/xerrors"
)

// Metadata is the decoded form of an SST payload object's metadata
// attributes (spec §3/§6).
type Metadata struct {
	StartID    tuid.TimeUUID
	EndID      tuid.TimeUUID
	HasDelete  bool
	Ancestors  []string
	Siblings   []string
	Size       int64
	Version    int
	Level      int
	MemtableID string
	NumRecords int
}

// Reader opens one SST: metadata-only at construction, with the index
// object fetched lazily on first access.
//
// Grounded on original_source/kronos/kronos/storage/s3/sstable.py's
// SSTableIndex.get_offsets (bisect_left/bisect_right over a sorted index)
// and its Range-header download-into-temp-file scan.
type Reader struct {
	storage    block.Storage
	codec      Codec
	Stream     string
	PayloadKey string
	IndexKey   string
	Meta       Metadata

	indexOnce sync.Once
	indexErr  error
	index     []*record.IndexRecord
}

// Open constructs a Reader for the SST at stream/startIDHex, failing with
// SSTableMissing if the payload object is absent or SSTableMalformed if any
// required metadata attribute is missing or unparsable.
func Open(ctx context.Context, storage block.Storage, codec Codec, stream, startIDHex string) (*Reader, error) {
	payloadKey := PayloadKey(stream, startIDHex)
	indexKey := IndexKey(stream, startIDHex)

	stat, err := storage.Stat(ctx, payloadKey)
	if err != nil {
		if block.IsNotFound(err) {
			return nil, xerrors.NewWithCause(xerrors.ErrSSTableMissing, fmt.Sprintf("sst payload missing: %s", payloadKey), err)
		}
		return nil, xerrors.NewWithCause(xerrors.ErrStorageUnavailable, "stat sst payload", err)
	}

	meta, err := decodeMetadata(stat.CustomMetadata)
	if err != nil {
		return nil, xerrors.NewWithCause(xerrors.ErrSSTableMalformed, fmt.Sprintf("sst metadata malformed: %s", payloadKey), err)
	}

	if exists, err := storage.Exists(ctx, indexKey); err != nil {
		return nil, xerrors.NewWithCause(xerrors.ErrStorageUnavailable, "check sst index", err)
	} else if !exists {
		return nil, xerrors.New(xerrors.ErrSSTableMalformed, fmt.Sprintf("sst index missing for %s: not yet visible", payloadKey))
	}

	if codec == nil {
		codec = snappyCodec{}
	}

	return &Reader{
		storage:    storage,
		codec:      codec,
		Stream:     stream,
		PayloadKey: payloadKey,
		IndexKey:   indexKey,
		Meta:       meta,
	}, nil
}

func decodeMetadata(attrs map[string]string) (Metadata, error) {
	required := []string{"start_id", "end_id", "has_delete", "ancestors", "siblings", "size", "version", "level", "memtable_id", "num_records"}
	for _, k := range required {
		if _, ok := attrs[k]; !ok {
			return Metadata{}, fmt.Errorf("missing required metadata attribute %q", k)
		}
	}

	var m Metadata
	var startStr, endStr string
	if err := json.Unmarshal([]byte(attrs["start_id"]), &startStr); err != nil {
		return Metadata{}, err
	}
	if err := json.Unmarshal([]byte(attrs["end_id"]), &endStr); err != nil {
		return Metadata{}, err
	}
	start, err := tuid.ParseString([]byte(startStr))
	if err != nil {
		return Metadata{}, err
	}
	end, err := tuid.ParseString([]byte(endStr))
	if err != nil {
		return Metadata{}, err
	}
	m.StartID, m.EndID = start, end

	if err := json.Unmarshal([]byte(attrs["has_delete"]), &m.HasDelete); err != nil {
		return Metadata{}, err
	}
	if err := json.Unmarshal([]byte(attrs["ancestors"]), &m.Ancestors); err != nil {
		return Metadata{}, err
	}
	if err := json.Unmarshal([]byte(attrs["siblings"]), &m.Siblings); err != nil {
		return Metadata{}, err
	}
	if err := json.Unmarshal([]byte(attrs["size"]), &m.Size); err != nil {
		return Metadata{}, err
	}
	if err := json.Unmarshal([]byte(attrs["version"]), &m.Version); err != nil {
		return Metadata{}, err
	}
	if err := json.Unmarshal([]byte(attrs["level"]), &m.Level); err != nil {
		return Metadata{}, err
	}
	if err := json.Unmarshal([]byte(attrs["memtable_id"]), &m.MemtableID); err != nil {
		return Metadata{}, err
	}
	if err := json.Unmarshal([]byte(attrs["num_records"]), &m.NumRecords); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// loadIndex fetches and decompresses the index object on first use; later
// calls reuse the cached slice (race-safe via sync.Once, per spec §5's
// "lazy-index once-init must be race-safe").
func (r *Reader) loadIndex(ctx context.Context) ([]*record.IndexRecord, error) {
	r.indexOnce.Do(func() {
		reader, err := r.storage.Reader(ctx, r.IndexKey)
		if err != nil {
			r.indexErr = xerrors.NewWithCause(xerrors.ErrSSTableMalformed, "open sst index", err)
			return
		}
		defer reader.Close()
		raw, err := io.ReadAll(reader)
		if err != nil {
			r.indexErr = xerrors.NewWithCause(xerrors.ErrSSTableMalformed, "read sst index", err)
			return
		}
		decompressed, err := r.codec.Decompress(raw)
		if err != nil {
			r.indexErr = err
			return
		}
		recs, err := record.UnmarshalAll(decompressed)
		if err != nil {
			r.indexErr = xerrors.NewWithCause(xerrors.ErrSSTableMalformed, "unmarshal sst index", err)
			return
		}
		idx := make([]*record.IndexRecord, 0, len(recs))
		for _, rec := range recs {
			ir, ok := rec.(*record.IndexRecord)
			if !ok {
				r.indexErr = xerrors.New(xerrors.ErrSSTableMalformed, "non-index record inside sst index object")
				return
			}
			idx = append(idx, ir)
		}
		if !sort.SliceIsSorted(idx, func(i, j int) bool {
			return idx[i].StartID().Compare(idx[j].StartID(), tuid.Ascending) < 0
		}) {
			r.indexErr = xerrors.New(xerrors.ErrSSTableMalformed, "sst index is not sorted by start_id")
			return
		}
		r.index = idx
	})
	return r.index, r.indexErr
}

// DataOffsets computes the minimum byte range [start,end) of the payload
// that can contain any record with id in [lo, hi]. A nil bound is
// unbounded on that side. The start is the offset of the last index entry
// whose start_id <= lo; the end is the offset of the first entry whose
// start_id > hi, or the SST size if there is none.
func (r *Reader) DataOffsets(ctx context.Context, lo, hi *tuid.TimeUUID) (int64, int64, error) {
	idx, err := r.loadIndex(ctx)
	if err != nil {
		return 0, 0, err
	}

	var startByte int64
	if lo == nil {
		startByte = 0
	} else {
		// Right-biased binary search: last index record whose start_id <= lo.
		i := sort.Search(len(idx), func(i int) bool {
			return idx[i].StartID().Compare(*lo, tuid.Ascending) > 0
		})
		if i == 0 {
			startByte = 0
		} else {
			startByte = idx[i-1].Offset
		}
	}

	var endByte int64
	if hi == nil {
		endByte = r.Meta.Size
	} else {
		i := sort.Search(len(idx), func(i int) bool {
			return idx[i].StartID().Compare(*hi, tuid.Ascending) > 0
		})
		if i == len(idx) {
			endByte = r.Meta.Size
		} else {
			endByte = idx[i].Offset
		}
	}
	return startByte, endByte, nil
}

// BlockOffsets returns the [start,end) byte ranges of every block whose
// index entry falls within [startByte, endByte), in ascending or descending
// order.
func (r *Reader) BlockOffsets(ctx context.Context, lo, hi *tuid.TimeUUID, reverse bool) ([][2]int64, error) {
	idx, err := r.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	startByte, endByte, err := r.DataOffsets(ctx, lo, hi)
	if err != nil {
		return nil, err
	}

	var offsets [][2]int64
	for i, entry := range idx {
		if entry.Offset < startByte || entry.Offset >= endByte {
			continue
		}
		blockEnd := r.Meta.Size
		if i+1 < len(idx) {
			blockEnd = idx[i+1].Offset
		}
		offsets = append(offsets, [2]int64{entry.Offset, blockEnd})
	}

	if reverse {
		for l, rr := 0, len(offsets)-1; l < rr; l, rr = l+1, rr-1 {
			offsets[l], offsets[rr] = offsets[rr], offsets[l]
		}
	}
	return offsets, nil
}

// HasDelete reports whether any index record covered by [lo, hi] has its
// has_delete flag set.
func (r *Reader) HasDelete(ctx context.Context, lo, hi *tuid.TimeUUID) (bool, error) {
	idx, err := r.loadIndex(ctx)
	if err != nil {
		return false, err
	}
	startByte, endByte, err := r.DataOffsets(ctx, lo, hi)
	if err != nil {
		return false, err
	}
	for _, entry := range idx {
		if entry.Offset < startByte || entry.Offset >= endByte {
			continue
		}
		if entry.HasDelete {
			return true, nil
		}
	}
	return false, nil
}

// Iterator scans records in [lo, hi] (nil bound = unbounded), ascending
// unless reverse is set. It issues exactly one bulk Range fetch covering
// DataOffsets(lo, hi), decompresses each overlapping block, and yields
// records one at a time after filtering out-of-range entries — matching
// spec §4.5's scan algorithm and its byte-exact-download assertion.
func (r *Reader) Iterator(ctx context.Context, lo, hi *tuid.TimeUUID, reverse bool) ([]record.Record, error) {
	startByte, endByte, err := r.DataOffsets(ctx, lo, hi)
	if err != nil {
		return nil, err
	}
	if endByte <= startByte {
		return nil, nil
	}

	readerAt, err := r.storage.ReaderAt(ctx, r.PayloadKey)
	if err != nil {
		return nil, xerrors.NewWithCause(xerrors.ErrStorageUnavailable, "open sst payload", err)
	}
	if closer, ok := readerAt.(io.Closer); ok {
		defer closer.Close()
	}

	spool := make([]byte, endByte-startByte)
	n, err := readerAt.ReadAt(spool, startByte)
	if err != nil && err != io.EOF {
		return nil, xerrors.NewWithCause(xerrors.ErrStorageUnavailable, "range fetch sst payload", err)
	}
	if int64(n) != endByte-startByte {
		return nil, xerrors.New(xerrors.ErrSSTableMalformed, "downloaded byte count does not match requested range").
			WithContext("requested", endByte-startByte).WithContext("got", n)
	}

	blockRanges, err := r.BlockOffsets(ctx, lo, hi, reverse)
	if err != nil {
		return nil, err
	}

	var out []record.Record
	for _, br := range blockRanges {
		blockStart := br[0] - startByte
		blockEnd := br[1] - startByte
		if blockStart < 0 || blockEnd > int64(len(spool)) || blockStart > blockEnd {
			return nil, xerrors.New(xerrors.ErrSSTableMalformed, "block range outside downloaded spool")
		}
		raw, err := r.codec.Decompress(spool[blockStart:blockEnd])
		if err != nil {
			return nil, err
		}
		recs, err := record.UnmarshalAll(raw)
		if err != nil {
			return nil, err
		}
		if reverse {
			for l, rr := 0, len(recs)-1; l < rr; l, rr = l+1, rr-1 {
				recs[l], recs[rr] = recs[rr], recs[l]
			}
		}
		for _, rec := range recs {
			id := rec.Header().ID
			if lo != nil && id.Compare(*lo, tuid.Ascending) < 0 {
				continue
			}
			if hi != nil && id.Compare(*hi, tuid.Ascending) > 0 {
				continue
			}
			out = append(out, rec)
		}
	}
	return out, nil
}
