package sstable

import (
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"storage-engine/internal/xerrors"
)

// Codec compresses and decompresses a block's concatenated record frames.
// Grounded on internal/config's CompressionType knob ("snappy" default) —
// the teacher's own config.go already names this knob, just without a
// concrete codec wired in; this package supplies two real ones.
type Codec interface {
	Name() string
	Compress(b []byte) []byte
	Decompress(b []byte) ([]byte, error)
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(b []byte) []byte {
	return snappy.Encode(nil, b)
}

func (snappyCodec) Decompress(b []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, xerrors.NewWithCause(xerrors.ErrSSTableMalformed, "snappy decompress", err)
	}
	return out, nil
}

type zstdCodec struct {
	encoder *zstd.Encoder
}

func newZstdCodec() *zstdCodec {
	enc, _ := zstd.NewWriter(nil)
	return &zstdCodec{encoder: enc}
}

func (*zstdCodec) Name() string { return "zstd" }

func (z *zstdCodec) Compress(b []byte) []byte {
	return z.encoder.EncodeAll(b, nil)
}

func (*zstdCodec) Decompress(b []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, xerrors.NewWithCause(xerrors.ErrSSTableMalformed, "init zstd reader", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, xerrors.NewWithCause(xerrors.ErrSSTableMalformed, "zstd decompress", err)
	}
	return out, nil
}

// CodecFor resolves a block codec by name, defaulting to snappy, which is
// also the config's default BlockCodec.
func CodecFor(name string) Codec {
	switch name {
	case "zstd":
		return newZstdCodec()
	default:
		return snappyCodec{}
	}
}
