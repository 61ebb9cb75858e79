// Package engineconfig loads engine-level settings — device index,
// context-length override, KV-cache wrap mode, feature-flag overrides,
// and the metrics toggle — from a YAML file or in-process struct, with
// environment variables taking precedence (SPEC_FULL.md §A
// "Configuration", grounded on apoc/config.go's YAML+env pattern).
package engineconfig

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config controls engine-wide behavior that spec.md leaves to the host
// process: which physical device to open, whether to refuse or wrap
// once the KV cache fills, and whether metrics collection runs.
type Config struct {
	// DeviceIndex selects the physical device passed to device.Open.
	DeviceIndex int `yaml:"device_index"`

	// ContextLengthOverride, if non-zero, replaces the container's
	// declared *.context_length when sizing the KV cache.
	ContextLengthOverride uint32 `yaml:"context_length_override"`

	// KVCacheWrap makes Step take pastLength modulo the context length
	// (spec.md §3 "modulo max length if wrap is enabled"), so a step
	// starting past the end writes from the wrapped row. A step whose
	// tokens run across the end of the cache is still rejected by the
	// KV-cache update. False means the model refuses a step that would
	// overflow the cache.
	KVCacheWrap bool `yaml:"kv_cache_wrap"`

	// Features lets an operator override a capability the device
	// reports — e.g. forcing FP16 arithmetic off on a buggy driver.
	Features FeatureOverrides `yaml:"features"`

	// MetricsEnabled toggles pkg/gpu/metrics collector registration.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// FeatureOverrides mirrors device.Features; a nil pointer field means
// "don't override, use what the device reports."
type FeatureOverrides struct {
	Storage16Bit   *bool `yaml:"storage_16bit"`
	FP16Arithmetic *bool `yaml:"fp16_arithmetic"`
}

// Default returns the engine's zero-configuration defaults: device 0,
// no context-length override, no KV-cache wrap, metrics on.
func Default() Config {
	return Config{
		DeviceIndex:    0,
		KVCacheWrap:    false,
		MetricsEnabled: true,
	}
}

// envPrefix namespaces every override this package reads, matching the
// teacher's NORNICDB_ convention adapted to this engine.
const envPrefix = "VKINFER_"

// Load reads a YAML file at path (if it exists) over the defaults,
// then applies environment-variable overrides, matching
// apoc.Config.LoadFromEnvOrFile's precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := lookupEnv("DEVICE_INDEX"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DeviceIndex = n
		}
	}
	if v, ok := lookupEnv("CONTEXT_LENGTH_OVERRIDE"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.ContextLengthOverride = uint32(n)
		}
	}
	if v, ok := lookupEnv("KV_CACHE_WRAP"); ok {
		cfg.KVCacheWrap = parseBool(v, cfg.KVCacheWrap)
	}
	if v, ok := lookupEnv("METRICS_ENABLED"); ok {
		cfg.MetricsEnabled = parseBool(v, cfg.MetricsEnabled)
	}
	if v, ok := lookupEnv("FEATURES_STORAGE_16BIT"); ok {
		b := parseBool(v, false)
		cfg.Features.Storage16Bit = &b
	}
	if v, ok := lookupEnv("FEATURES_FP16_ARITHMETIC"); ok {
		b := parseBool(v, false)
		cfg.Features.FP16Arithmetic = &b
	}
}

func lookupEnv(suffix string) (string, bool) {
	v := os.Getenv(envPrefix + suffix)
	return v, v != ""
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return fallback
	}
}
