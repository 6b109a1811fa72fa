// Package config loads addr2sym defaults from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	// EnvConfig names a config file when --config is not given.
	EnvConfig = "ADDR2SYM_CONFIG"
	// DefaultFile is looked up in the user's home directory.
	DefaultFile = ".addr2sym.yaml"
)

// Config holds defaults for flags that were not set on the command line.
type Config struct {
	Arch           string `yaml:"arch" json:"arch,omitempty" jsonschema:"title=Architecture,description=Default slice architecture (arm64 or x86_64 or an alias)"`
	UUID           string `yaml:"uuid" json:"uuid,omitempty" jsonschema:"title=UUID,description=Default slice UUID (32 hex digits with or without hyphens)"`
	FileOffsetType bool   `yaml:"file_offset_type" json:"file_offset_type,omitempty" jsonschema:"title=File Offset Type,description=Treat addresses as file offsets instead of virtual addresses"`
	Verbose        bool   `yaml:"verbose" json:"verbose,omitempty" jsonschema:"title=Verbose,description=Log selection and lookup diagnostics"`
	LogLevel       string `yaml:"log_level" json:"log_level,omitempty" jsonschema:"title=Log Level,enum=debug,enum=info,enum=warn,enum=error"`
}

// Path returns the config file to read and whether the caller named it
// explicitly. flag wins over ADDR2SYM_CONFIG, which wins over the home file.
func Path(flag string) (string, bool) {
	if flag != "" {
		return flag, true
	}
	if p := os.Getenv(EnvConfig); p != "" {
		return p, true
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(home, DefaultFile), false
}

// Load reads the config at path. A missing file is an error only when the
// path was given explicitly; otherwise an empty Config is returned.
func Load(fsys afero.Fs, path string, explicit bool) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	return nil
}
