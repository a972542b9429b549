// Package config loads the engine's own settings from environment
// variables, following the teacher's getEnvString/getEnvInt/getEnvBool
// idiom and a Validate() method run at construction time (storage-engine's
// original internal/config/config.go covered ingestion/query/Kafka/auth
// servers that sit entirely outside this spec's scope; this file keeps the
// loading idiom and narrows the fields to the knobs the storage engine
// itself consumes, per SPEC_FULL.md §6).
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds every setting the engine consumes directly. Nothing here
// configures an out-of-scope collaborator (HTTP servers, auth, Kafka) --
// those are external to this engine and configured by their own process.
type Config struct {
	ScratchDir     string // ENGINE_SCRATCH_DIR: local directory for memtable files
	Bucket         string // ENGINE_BUCKET: object storage bucket/base dir name
	BucketBackend  string // ENGINE_BUCKET_BACKEND: "local" | "s3"
	IndexBlockSize int64  // ENGINE_INDEX_BLOCK_SIZE
	MinSSTSize     int64  // ENGINE_MIN_SST_SIZE
	MaxSSTSize     int64  // ENGINE_MAX_SST_SIZE
	CompressFactor float64
	BlockCodec     string // ENGINE_BLOCK_CODEC: "snappy" | "zstd"
	PushQueueDepth int
	PushRetryLimit int

	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// Load populates a Config from the process environment, applying the
// defaults given in SPEC_FULL.md §6.
func Load() (*Config, error) {
	cfg := &Config{
		ScratchDir:     getEnvString("ENGINE_SCRATCH_DIR", "./scratch"),
		Bucket:         getEnvString("ENGINE_BUCKET", "./data"),
		BucketBackend:  getEnvString("ENGINE_BUCKET_BACKEND", "local"),
		IndexBlockSize: getEnvInt64("ENGINE_INDEX_BLOCK_SIZE", 2*1024*1024),
		MinSSTSize:     getEnvInt64("ENGINE_MIN_SST_SIZE", 1024*1024*1024),
		MaxSSTSize:     getEnvInt64("ENGINE_MAX_SST_SIZE", 2*1024*1024*1024),
		CompressFactor: getEnvFloat("ENGINE_COMPRESS_FACTOR", 0.6),
		BlockCodec:     getEnvString("ENGINE_BLOCK_CODEC", "snappy"),
		PushQueueDepth: getEnvInt("ENGINE_PUSH_QUEUE_DEPTH", 8),
		PushRetryLimit: getEnvInt("ENGINE_PUSH_RETRY_LIMIT", 5),

		S3Region:          getEnvString("ENGINE_S3_REGION", "us-east-1"),
		S3Endpoint:        getEnvString("ENGINE_S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnvString("ENGINE_S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnvString("ENGINE_S3_SECRET_ACCESS_KEY", ""),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot operate under, mirroring the
// settings-validators map described in SPEC_FULL.md §4.8 (the façade layers
// its own per-backend validators on top of this ambient check).
func (c *Config) Validate() error {
	if c.ScratchDir == "" {
		return fmt.Errorf("ENGINE_SCRATCH_DIR must not be empty")
	}
	if c.Bucket == "" {
		return fmt.Errorf("ENGINE_BUCKET must not be empty")
	}
	if c.BucketBackend != "local" && c.BucketBackend != "s3" {
		return fmt.Errorf("invalid ENGINE_BUCKET_BACKEND: %s", c.BucketBackend)
	}
	if c.IndexBlockSize <= 0 {
		return fmt.Errorf("ENGINE_INDEX_BLOCK_SIZE must be positive")
	}
	if c.MinSSTSize <= 0 || c.MaxSSTSize <= 0 || c.MinSSTSize > c.MaxSSTSize {
		return fmt.Errorf("ENGINE_MIN_SST_SIZE must be positive and <= ENGINE_MAX_SST_SIZE")
	}
	if c.CompressFactor <= 0 || c.CompressFactor > 1 {
		return fmt.Errorf("ENGINE_COMPRESS_FACTOR must be in (0, 1]")
	}
	if c.BlockCodec != "snappy" && c.BlockCodec != "zstd" {
		return fmt.Errorf("invalid ENGINE_BLOCK_CODEC: %s", c.BlockCodec)
	}
	if c.PushQueueDepth <= 0 {
		return fmt.Errorf("ENGINE_PUSH_QUEUE_DEPTH must be positive")
	}
	if c.PushRetryLimit < 0 {
		return fmt.Errorf("ENGINE_PUSH_RETRY_LIMIT must not be negative")
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
