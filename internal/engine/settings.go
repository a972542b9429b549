package engine

import (
	"fmt"

	"storage-engine/internal/config"
	"storage-engine/internal/xerrors"
)

// validator checks one named setting, receiving the whole settings map so
// cross-field checks (min <= max) are possible.
type validator func(settings map[string]interface{}) error

// settingsValidators mirrors original_source/kronos/kronos/storage/base.py's
// BaseStorage.SETTINGS_VALIDATORS: BaseStorage.__init__ asserts every
// configured setting against its validator before accepting it, rejecting
// unknown or out-of-range values with BadSettings rather than leaving them
// for a later operation to fail on. This is the concrete mechanism behind
// SPEC_FULL.md §6's "settings-validators map" (C8 supplement).
var settingsValidators = map[string]validator{
	"scratch_dir": func(s map[string]interface{}) error {
		return nonEmptyString(s, "scratch_dir")
	},
	"bucket": func(s map[string]interface{}) error {
		return nonEmptyString(s, "bucket")
	},
	"bucket_backend": func(s map[string]interface{}) error {
		v, _ := s["bucket_backend"].(string)
		if v != "local" && v != "s3" {
			return fmt.Errorf("bucket_backend must be \"local\" or \"s3\", got %q", v)
		}
		return nil
	},
	"index_block_size": func(s map[string]interface{}) error {
		return positiveInt64(s, "index_block_size")
	},
	"min_sst_size": func(s map[string]interface{}) error {
		if err := positiveInt64(s, "min_sst_size"); err != nil {
			return err
		}
		min, _ := s["min_sst_size"].(int64)
		max, _ := s["max_sst_size"].(int64)
		if max != 0 && min > max {
			return fmt.Errorf("min_sst_size (%d) must be <= max_sst_size (%d)", min, max)
		}
		return nil
	},
	"max_sst_size": func(s map[string]interface{}) error {
		return positiveInt64(s, "max_sst_size")
	},
	"compress_factor": func(s map[string]interface{}) error {
		v, _ := s["compress_factor"].(float64)
		if v <= 0 || v > 1 {
			return fmt.Errorf("compress_factor must be in (0, 1], got %v", v)
		}
		return nil
	},
	"block_codec": func(s map[string]interface{}) error {
		v, _ := s["block_codec"].(string)
		if v != "snappy" && v != "zstd" {
			return fmt.Errorf("block_codec must be \"snappy\" or \"zstd\", got %q", v)
		}
		return nil
	},
	"push_queue_depth": func(s map[string]interface{}) error {
		return positiveInt(s, "push_queue_depth")
	},
	"push_retry_limit": func(s map[string]interface{}) error {
		v, ok := s["push_retry_limit"].(int)
		if !ok || v < 0 {
			return fmt.Errorf("push_retry_limit must be a non-negative integer")
		}
		return nil
	},
}

func nonEmptyString(s map[string]interface{}, key string) error {
	v, _ := s[key].(string)
	if v == "" {
		return fmt.Errorf("%s must not be empty", key)
	}
	return nil
}

func positiveInt64(s map[string]interface{}, key string) error {
	v, ok := s[key].(int64)
	if !ok || v <= 0 {
		return fmt.Errorf("%s must be a positive integer", key)
	}
	return nil
}

func positiveInt(s map[string]interface{}, key string) error {
	v, ok := s[key].(int)
	if !ok || v <= 0 {
		return fmt.Errorf("%s must be a positive integer", key)
	}
	return nil
}

func settingsFromConfig(cfg *config.Config) map[string]interface{} {
	return map[string]interface{}{
		"scratch_dir":       cfg.ScratchDir,
		"bucket":            cfg.Bucket,
		"bucket_backend":    cfg.BucketBackend,
		"index_block_size":  cfg.IndexBlockSize,
		"min_sst_size":      cfg.MinSSTSize,
		"max_sst_size":      cfg.MaxSSTSize,
		"compress_factor":   cfg.CompressFactor,
		"block_codec":       cfg.BlockCodec,
		"push_queue_depth":  cfg.PushQueueDepth,
		"push_retry_limit":  cfg.PushRetryLimit,
	}
}

// validateSettings runs every registered validator over settings, mirroring
// BaseStorage.__init__'s assertion loop; the first failure is reported as
// BadSettings.
func validateSettings(settings map[string]interface{}) error {
	for key, check := range settingsValidators {
		if _, known := settings[key]; !known {
			continue
		}
		if err := check(settings); err != nil {
			return xerrors.New(xerrors.ErrBadSettings, err.Error()).WithContext("setting", key)
		}
	}
	return nil
}
