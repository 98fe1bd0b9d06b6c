// Package config loads the indent.toml runtime manifest. The manifest
// is searched upward from the start directory so commands work from
// anywhere inside a project tree.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ManifestName is the file the loader searches for.
const ManifestName = "indent.toml"

// Manifest is a located and parsed indent.toml.
type Manifest struct {
	Path   string
	Root   string
	Config Config
}

// Config mirrors the indent.toml layout.
type Config struct {
	Runtime  RuntimeConfig  `toml:"runtime"`
	Stack    StackConfig    `toml:"stack"`
	Blocking BlockingConfig `toml:"blocking"`
	Trace    TraceConfig    `toml:"trace"`
}

// RuntimeConfig is the [runtime] section.
type RuntimeConfig struct {
	Workers          int    `toml:"workers"`
	Deterministic    bool   `toml:"deterministic"`
	Seed             uint64 `toml:"seed"`
	Budget           int32  `toml:"budget"`
	StarvationRounds uint32 `toml:"starvation_rounds"`
}

// StackConfig is the [stack] section. Sizes are in bytes.
type StackConfig struct {
	Initial int `toml:"initial"`
	Ceiling int `toml:"ceiling"`
}

// BlockingConfig is the [blocking] section.
type BlockingConfig struct {
	Ceiling int      `toml:"ceiling"`
	Idle    Duration `toml:"idle"`
}

// TraceConfig is the [trace] section.
type TraceConfig struct {
	Level     string   `toml:"level"`
	Mode      string   `toml:"mode"`
	Output    string   `toml:"output"`
	RingSize  int      `toml:"ring_size"`
	Heartbeat Duration `toml:"heartbeat"`
}

// Duration accepts Go duration strings in the manifest, e.g. "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Find walks upward from startDir looking for indent.toml.
func Find(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, ManifestName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// Load locates and parses the manifest. The second return value is
// false when no manifest exists, which is not an error: commands fall
// back to defaults.
func Load(startDir string) (*Manifest, bool, error) {
	path, ok, err := Find(startDir)
	if err != nil || !ok {
		return nil, ok, err
	}
	cfg, err := parse(path)
	if err != nil {
		return nil, true, err
	}
	return &Manifest{
		Path:   path,
		Root:   filepath.Dir(path),
		Config: cfg,
	}, true, nil
}

func parse(path string) (Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if err := validate(path, meta, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(path string, meta toml.MetaData, cfg Config) error {
	if meta.IsDefined("runtime", "workers") && cfg.Runtime.Workers < 0 {
		return fmt.Errorf("%s: [runtime].workers must be non-negative", path)
	}
	if meta.IsDefined("stack", "initial") && cfg.Stack.Initial <= 0 {
		return fmt.Errorf("%s: [stack].initial must be positive", path)
	}
	if meta.IsDefined("stack", "ceiling") && cfg.Stack.Ceiling < cfg.Stack.Initial {
		return fmt.Errorf("%s: [stack].ceiling must be at least [stack].initial", path)
	}
	if meta.IsDefined("blocking", "ceiling") && cfg.Blocking.Ceiling <= 0 {
		return fmt.Errorf("%s: [blocking].ceiling must be positive", path)
	}
	return nil
}
