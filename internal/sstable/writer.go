// Package sstable implements the immutable, object-storage-resident sorted
// run: the writer (C4) that emits block-compressed payloads plus a
// companion index object, and the reader (C5) that opens one lazily and
// answers byte-exact range scans.
//
// Grounded on internal/storage/index/primary_index.go's binary index
// serialization idiom and internal/storage/block's Storage abstraction
// (S3FS's Range-header ReaderAt, reused directly for block fetches); the
// block-accumulation and tombstone-propagation algorithm, and the
// bisect-based data-offset search, are grounded on
// original_source/kronos/kronos/storage/s3/sstable.py.
package sstable

import (
	"context"
	"encoding/json"
	"fmt"

	"storage-engine/internal/record"
	"storage-engine/internal/storage/block"
	"storage-engine/internal/tuid"
	"storage-engine/internal/xerrors"
)

// Thresholds bundles the size knobs that drive block accumulation and
// splitting (spec §4.4/§6).
type Thresholds struct {
	IndexBlockSize int64
	MinSize        int64
	MaxSize        int64
	CompressFactor float64
}

// DefaultThresholds mirrors spec §6's stated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		IndexBlockSize: 2 * 1024 * 1024,
		MinSize:        1024 * 1024 * 1024,
		MaxSize:        2 * 1024 * 1024 * 1024,
		CompressFactor: 0.6,
	}
}

// Writer emits SSTs to a block.Storage backend.
type Writer struct {
	storage    block.Storage
	thresholds Thresholds
	codec      Codec
}

// NewWriter builds a Writer over the given backend.
func NewWriter(storage block.Storage, thresholds Thresholds, codec Codec) *Writer {
	if codec == nil {
		codec = snappyCodec{}
	}
	return &Writer{storage: storage, thresholds: thresholds, codec: codec}
}

// WriteOptions carries the per-call metadata a flush or (future) compaction
// attaches to a produced SST.
type WriteOptions struct {
	Ancestors  []string
	Siblings   []string
	MemtableID string
	Level      int
	Version    int
	// Split, when true, stops accumulation once the running SST size
	// reaches MinSize and hands back the unconsumed remainder (spec §4.4
	// step 2). Flushes always pass false, so a flush produces exactly one
	// SST per stream however large the memtable has grown; nothing in this
	// module bounds a memtable's size.
	Split bool
}

// blockState accumulates records for the block currently being built.
type blockState struct {
	started    bool
	startID    tuid.TimeUUID
	endID      tuid.TimeUUID
	size       float64
	records    []record.Record
	hasDelete  bool
	maxDelete  tuid.TimeUUID
	haveMaxDel bool
}

func (bs *blockState) reset() {
	*bs = blockState{}
}

// Write implements the block-accumulation algorithm of spec §4.4 over an
// already-sorted slice of records for one stream. It returns the produced
// SST's payload key and any unconsumed suffix of records (non-empty only
// when opts.Split fired).
func (w *Writer) Write(ctx context.Context, stream string, records []record.Record, opts WriteOptions) (string, []record.Record, error) {
	if len(records) == 0 {
		return "", nil, xerrors.New(xerrors.ErrSSTableError, "cannot write an SST from zero records")
	}

	var payload []byte
	var indexRecords []record.Record
	var blk blockState
	var sstSize float64
	var sstStart, sstEnd tuid.TimeUUID
	sstHasDelete := false
	numRecords := 0

	lowest := tuid.TimeUUID{}

	flushBlock := func() error {
		if !blk.started || len(blk.records) == 0 {
			return nil
		}
		var raw []byte
		for _, r := range blk.records {
			b, err := record.Marshal(r)
			if err != nil {
				return err
			}
			raw = append(raw, b...)
		}
		compressed := w.codec.Compress(raw)
		offset := int64(len(payload))
		payload = append(payload, compressed...)
		indexRecords = append(indexRecords, record.NewIndex(blk.startID, offset, blk.hasDelete))
		if blk.hasDelete {
			sstHasDelete = true
		}
		maxDelete, haveMaxDel := blk.maxDelete, blk.haveMaxDel
		blk.reset()
		blk.maxDelete, blk.haveMaxDel = maxDelete, haveMaxDel
		return nil
	}

	i := 0
	for ; i < len(records); i++ {
		r := records[i]
		end := record.EndID(r)

		if !blk.started {
			blk.startID = r.Header().ID
			blk.endID = end
			blk.started = true
		} else if end.Compare(blk.endID, tuid.Ascending) > 0 {
			blk.endID = end
		}

		if blk.size >= float64(w.thresholds.IndexBlockSize) {
			if err := flushBlock(); err != nil {
				return "", nil, err
			}
			blk.startID = r.Header().ID
			blk.endID = end
			blk.started = true
		}

		if opts.Split && sstSize >= float64(w.thresholds.MinSize) {
			break
		}

		if numRecords == 0 {
			sstStart = r.Header().ID
		}
		sstEnd = tuid.Max(sstEnd, end)

		// Tombstone propagation within the block being built (spec §4.4
		// step 2): a literal DeleteRecord marks the block and extends
		// max_delete; a later record still inside that tombstone's range
		// marks the block even though the DeleteRecord itself may have
		// flushed into an earlier block; a record past max_delete resets it.
		if del, ok := r.(*record.DeleteRecord); ok {
			blk.hasDelete = true
			if !blk.haveMaxDel || del.EndID.Compare(blk.maxDelete, tuid.Ascending) > 0 {
				blk.maxDelete = del.EndID
				blk.haveMaxDel = true
			}
		} else if blk.haveMaxDel {
			if r.Header().ID.Compare(blk.maxDelete, tuid.Ascending) > 0 {
				blk.maxDelete = lowest
				blk.haveMaxDel = false
			} else if blk.endID.Compare(blk.maxDelete, tuid.Ascending) <= 0 {
				blk.hasDelete = true
			}
		}

		blk.records = append(blk.records, r)
		recordWeight := float64(r.Size()) * w.thresholds.CompressFactor
		blk.size += recordWeight
		sstSize += recordWeight
		numRecords++
	}

	if err := flushBlock(); err != nil {
		return "", nil, err
	}

	if numRecords == 0 {
		return "", nil, xerrors.New(xerrors.ErrSSTableError, "split fired before any record was consumed")
	}

	indexPayload, err := marshalIndex(indexRecords)
	if err != nil {
		return "", nil, err
	}
	compressedIndex := w.codec.Compress(indexPayload)

	startHex := sstStart.String()
	payloadKey := PayloadKey(stream, startHex)
	indexKey := IndexKey(stream, startHex)

	metadata, err := buildMetadata(sstStart, sstEnd, sstHasDelete, opts, int64(len(payload)), numRecords)
	if err != nil {
		return "", nil, err
	}

	// An index left behind by an earlier attempt whose payload upload failed
	// is not a collision; only an existing payload key refuses the write.
	if err := w.storage.PutWithMetadata(ctx, indexKey, compressedIndex, nil); err != nil && !block.IsAlreadyExists(err) {
		return "", nil, wrapStorageErr(err, indexKey)
	}
	if err := w.storage.PutWithMetadata(ctx, payloadKey, payload, metadata); err != nil {
		return "", nil, wrapStorageErr(err, payloadKey)
	}

	return payloadKey, records[i:], nil
}

func marshalIndex(idx []record.Record) ([]byte, error) {
	var out []byte
	for _, r := range idx {
		b, err := record.Marshal(r)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func buildMetadata(start, end tuid.TimeUUID, hasDelete bool, opts WriteOptions, size int64, numRecords int) (map[string]string, error) {
	version := opts.Version
	if version == 0 {
		version = 1
	}
	ancestors := opts.Ancestors
	if ancestors == nil {
		ancestors = []string{}
	}
	siblings := opts.Siblings
	if siblings == nil {
		siblings = []string{}
	}

	fields := map[string]interface{}{
		"start_id":    start.String(),
		"end_id":      end.String(),
		"has_delete":  hasDelete,
		"ancestors":   ancestors,
		"siblings":    siblings,
		"size":        size,
		"version":     version,
		"level":       opts.Level,
		"memtable_id": opts.MemtableID,
		"num_records": numRecords,
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, xerrors.NewWithCause(xerrors.ErrSSTableError, fmt.Sprintf("encode metadata field %q", k), err)
		}
		out[k] = string(b)
	}
	return out, nil
}

func wrapStorageErr(err error, key string) error {
	if block.IsAlreadyExists(err) {
		return xerrors.NewWithCause(xerrors.ErrAlreadyExists, fmt.Sprintf("object already exists: %s", key), err).
			WithContext("key", key)
	}
	return xerrors.NewWithCause(xerrors.ErrSSTableError, fmt.Sprintf("write failed: %s", key), err).
		WithContext("key", key)
}
