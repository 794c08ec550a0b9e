package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ErrConfigExists is returned by WriteSampleFile when the target exists and
// force is not set.
var ErrConfigExists = errors.New("config file already exists")

// WriteSample writes cfg as YAML, with durations in their string form so the
// output loads back unchanged. A nil cfg writes the defaults.
func WriteSample(w io.Writer, cfg *Config) error {
	if cfg == nil {
		cfg = GetDefaultConfig()
	}

	var doc map[string]any
	if err := mapstructure.Decode(cfg, &doc); err != nil {
		return fmt.Errorf("failed to convert config: %w", err)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(stringifyDurations(doc)); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// WriteSampleFile writes the default configuration to path, creating parent
// directories.
func WriteSampleFile(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	if err := WriteSample(f, nil); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func stringifyDurations(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = stringifyDurations(inner)
		}
		return out
	case time.Duration:
		return t.String()
	default:
		return v
	}
}
