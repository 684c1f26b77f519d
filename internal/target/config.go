package target

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/tailscale/hujson"

	"github.com/amigatomte/dm-remap/pkg/fs"
)

// Config is the recognized configuration surface of spec.md §4.8.
type Config struct {
	ErrorThreshold    uint8 `json:"error_threshold"`    //nolint:tagliatelle // snake_case matches on-disk/host convention
	AutoRemap         bool  `json:"auto_remap"`
	FastPathThreshold int   `json:"fast_path_threshold"` //nolint:tagliatelle
	DebugLevel        uint8 `json:"debug_level"`         //nolint:tagliatelle
	MetadataCopies    int   `json:"metadata_copies"`     //nolint:tagliatelle
}

// DefaultConfig returns spec.md §4.8's documented defaults.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:    10,
		AutoRemap:         true,
		FastPathThreshold: 4096,
		DebugLevel:        0,
		MetadataCopies:    3,
	}
}

var (
	errMetadataCopiesNotOdd = errors.New("metadata_copies must be odd and >= 1")
	errErrorThresholdZero   = errors.New("error_threshold must be >= 1")
	errFastPathThresholdNeg = errors.New("fast_path_threshold must be >= 0")
	errDebugLevelOutOfRange = errors.New("debug_level must be in [0,3]")
)

func (c Config) validate() error {
	if c.MetadataCopies < 1 || c.MetadataCopies%2 == 0 {
		return errors.Wrapf(errMetadataCopiesNotOdd, "got %d", c.MetadataCopies)
	}

	if c.ErrorThreshold == 0 {
		return errErrorThresholdZero
	}

	if c.FastPathThreshold < 0 {
		return errFastPathThresholdNeg
	}

	if c.DebugLevel > 3 {
		return errors.Wrapf(errDebugLevelOutOfRange, "got %d", c.DebugLevel)
	}

	return nil
}

// Overrides carries explicitly-set configuration fields from the
// optional config file or from dmremapctl's command-line flags.
// Pointers (rather than Config's plain value fields) are required here
// because AutoRemap's zero value, false, is itself a meaningful
// setting — a plain bool overlay could never distinguish "operator
// asked for auto_remap=false" from "operator didn't mention it".
type Overrides struct {
	ErrorThreshold    *uint8
	AutoRemap         *bool
	FastPathThreshold *int
	DebugLevel        *uint8
	MetadataCopies    *int
}

func mergeConfig(base Config, overlay Overrides) Config {
	if overlay.ErrorThreshold != nil {
		base.ErrorThreshold = *overlay.ErrorThreshold
	}

	if overlay.AutoRemap != nil {
		base.AutoRemap = *overlay.AutoRemap
	}

	if overlay.FastPathThreshold != nil {
		base.FastPathThreshold = *overlay.FastPathThreshold
	}

	if overlay.DebugLevel != nil {
		base.DebugLevel = *overlay.DebugLevel
	}

	if overlay.MetadataCopies != nil {
		base.MetadataCopies = *overlay.MetadataCopies
	}

	return base
}

// LoadConfig loads target configuration with precedence (lowest to
// highest): defaults < optional JSONC file at path < cliOverrides. This
// mirrors the teacher's LoadConfig precedence chain, narrowed to a
// single optional file since a target has no per-user/per-project
// config directory distinction.
//
// path may be empty, in which case only defaults and cliOverrides
// apply.
func LoadConfig(path string, cliOverrides Overrides) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		fileOverrides, err := loadConfigFile(path)
		if err != nil {
			return Config{}, err
		}

		cfg = mergeConfig(cfg, fileOverrides)
	}

	cfg = mergeConfig(cfg, cliOverrides)

	if err := cfg.validate(); err != nil {
		return Config{}, errors.Wrapf(ErrConstruction, "%s", err)
	}

	return cfg, nil
}

func loadConfigFile(path string) (Overrides, error) {
	data, err := fs.NewReal().ReadFile(path)
	if err != nil {
		return Overrides{}, errors.Wrapf(err, "read config file %q", path)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Overrides{}, errors.Wrapf(err, "invalid JSONC in %q", path)
	}

	var raw map[string]json.RawMessage

	if err := json.Unmarshal(standardized, &raw); err != nil {
		return Overrides{}, errors.Wrapf(err, "invalid JSON in %q", path)
	}

	for key := range raw {
		if !recognizedConfigKey(key) {
			return Overrides{}, fmt.Errorf("%q: unrecognized config key %q", path, key)
		}
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Overrides{}, errors.Wrapf(err, "decode %q", path)
	}

	var overrides Overrides

	if _, ok := raw["error_threshold"]; ok {
		overrides.ErrorThreshold = &cfg.ErrorThreshold
	}

	if _, ok := raw["auto_remap"]; ok {
		overrides.AutoRemap = &cfg.AutoRemap
	}

	if _, ok := raw["fast_path_threshold"]; ok {
		overrides.FastPathThreshold = &cfg.FastPathThreshold
	}

	if _, ok := raw["debug_level"]; ok {
		overrides.DebugLevel = &cfg.DebugLevel
	}

	if _, ok := raw["metadata_copies"]; ok {
		overrides.MetadataCopies = &cfg.MetadataCopies
	}

	return overrides, nil
}

func recognizedConfigKey(key string) bool {
	switch key {
	case "error_threshold", "auto_remap", "fast_path_threshold", "debug_level", "metadata_copies":
		return true
	default:
		return false
	}
}
