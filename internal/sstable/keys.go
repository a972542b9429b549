package sstable

import (
	"fmt"
	"strings"
)

// PayloadKey is the object-storage key for an SST's payload, per spec §6:
// sstables/<stream>/sst_<start_id>.
func PayloadKey(stream, startIDHex string) string {
	return fmt.Sprintf("sstables/%s/sst_%s", stream, startIDHex)
}

// IndexKey is the companion index object's key: sstables/<stream>/idx_<start_id>.
func IndexKey(stream, startIDHex string) string {
	return fmt.Sprintf("sstables/%s/idx_%s", stream, startIDHex)
}

// StreamPrefix is the listing prefix under which all SSTs of a stream live.
// The manifest itself lists the whole sstables/ prefix at once.
func StreamPrefix(stream string) string {
	return fmt.Sprintf("sstables/%s/", stream)
}

// ParsePayloadKey extracts (stream, startIDHex) from a payload object key,
// or ok=false if key doesn't match the sstables/<stream>/sst_<id> shape.
func ParsePayloadKey(key string) (stream, startIDHex string, ok bool) {
	const prefix, marker = "sstables/", "/sst_"
	if !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, prefix)
	idx := strings.Index(rest, marker)
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+len(marker):], true
}
