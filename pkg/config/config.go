// Package config holds the tunables of a template renderer and loads them
// from YAML and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Defaults for every tunable.
const (
	DefaultContextCacheSize          = 128
	DefaultContextCacheTTL           = 300 * time.Second
	DefaultFragmentCacheSize         = 64
	DefaultFragmentCacheTTL          = 600 * time.Second
	DefaultContextPoolSize           = 10
	DefaultFragmentStringIOThreshold = 1024
	DefaultFallbackSizeEstimate      = 256
	DefaultReloadDebounce            = 200 * time.Millisecond
)

// EnvPrefix prefixes the environment variables read by ApplyEnv.
const EnvPrefix = "TEMPLATES_"

// Config is the constructor-time configuration of a renderer.
type Config struct {
	// Directory is the template root on disk. It may be empty when templates
	// come from an fs.FS.
	Directory string `yaml:"directory"`
	// Extension is appended to template names that lack it.
	Extension string `yaml:"extension" validate:"omitempty,startswith=."`
	// AutoReload watches Directory and purges compiled templates on change.
	AutoReload     bool          `yaml:"auto_reload"`
	ReloadDebounce time.Duration `yaml:"reload_debounce" validate:"gte=0"`

	ContextCacheSize          int           `yaml:"context_cache_size" validate:"gte=1"`
	ContextCacheTTL           time.Duration `yaml:"context_cache_ttl" validate:"gte=0"`
	FragmentCacheSize         int           `yaml:"fragment_cache_size" validate:"gte=1"`
	FragmentCacheTTL          time.Duration `yaml:"fragment_cache_ttl" validate:"gte=0"`
	ContextPoolSize           int           `yaml:"context_pool_size" validate:"gte=0"`
	FragmentStringIOThreshold int           `yaml:"fragment_stringio_threshold" validate:"gte=0"`
	FallbackSizeEstimate      int           `yaml:"fallback_size_estimate" validate:"gte=0"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		ReloadDebounce:            DefaultReloadDebounce,
		ContextCacheSize:          DefaultContextCacheSize,
		ContextCacheTTL:           DefaultContextCacheTTL,
		FragmentCacheSize:         DefaultFragmentCacheSize,
		FragmentCacheTTL:          DefaultFragmentCacheTTL,
		ContextPoolSize:           DefaultContextPoolSize,
		FragmentStringIOThreshold: DefaultFragmentStringIOThreshold,
		FallbackSizeEstimate:      DefaultFallbackSizeEstimate,
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: validate: %w", err)
	}
	if c.AutoReload && strings.TrimSpace(c.Directory) == "" {
		return errors.New("config: invalid: auto_reload requires directory")
	}
	return nil
}

// ApplyEnv overrides fields from TEMPLATES_* variables found through lookup,
// e.g. TEMPLATES_CONTEXT_CACHE_SIZE=256. A nil lookup reads the process
// environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	strs := map[string]*string{
		"DIRECTORY": &c.Directory,
		"EXTENSION": &c.Extension,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"CONTEXT_CACHE_SIZE":          &c.ContextCacheSize,
		"FRAGMENT_CACHE_SIZE":         &c.FragmentCacheSize,
		"CONTEXT_POOL_SIZE":           &c.ContextPoolSize,
		"FRAGMENT_STRINGIO_THRESHOLD": &c.FragmentStringIOThreshold,
		"FALLBACK_SIZE_ESTIMATE":      &c.FallbackSizeEstimate,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"CONTEXT_CACHE_TTL":  &c.ContextCacheTTL,
		"FRAGMENT_CACHE_TTL": &c.FragmentCacheTTL,
		"RELOAD_DEBOUNCE":    &c.ReloadDebounce,
	}
	for key, dst := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}

	if v, ok := lookup(EnvPrefix + "AUTO_RELOAD"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %sAUTO_RELOAD: %w", EnvPrefix, err)
		}
		c.AutoReload = b
	}
	return nil
}
