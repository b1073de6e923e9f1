package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/oshokin/snipvault-installer/internal/lockfile"
	"github.com/oshokin/snipvault-installer/internal/logger"
	"github.com/oshokin/snipvault-installer/internal/repository/history"
	"github.com/oshokin/snipvault-installer/internal/service/installer"
	"github.com/oshokin/snipvault-installer/internal/telemetry"
)

// Config holds every installer setting.
type Config struct {
	// Manifest is the resource manifest path; empty selects the embedded default.
	Manifest string `koanf:"manifest" yaml:"manifest"`
	// RootDir is the isolated installation root.
	RootDir string `koanf:"root_dir" yaml:"root_dir"`
	// BaseDir receives the runtime state, logs and cache directories.
	BaseDir string `koanf:"base_dir" yaml:"base_dir"`
	// LockFile guards against concurrent runs; derived from RootDir when empty.
	LockFile string `koanf:"lock_file" yaml:"lock_file"`
	// Prerequisites are host commands that must be on PATH before anything is fetched.
	Prerequisites []string `koanf:"prerequisites" yaml:"prerequisites"`
	// Product describes the installed application and its entry point.
	Product Product `koanf:"product" yaml:"product"`
	// Fetch tunes downloads.
	Fetch Fetch `koanf:"fetch" yaml:"fetch"`
	// Log selects the log level and encoding.
	Log Log `koanf:"log" yaml:"log"`
	// History controls the run history database.
	History History `koanf:"history" yaml:"history"`
	// Telemetry selects the trace and metric exporter.
	Telemetry telemetry.Config `koanf:"telemetry" yaml:"telemetry"`
}

// Product describes the application being installed.
type Product struct {
	// Name is reported by `--version` and checked by the smoke test.
	Name string `koanf:"name" yaml:"name"`
	// Version is reported after the name.
	Version string `koanf:"version" yaml:"version"`
	// EntryPoint is the launcher file name under <root>/bin.
	EntryPoint string `koanf:"entry_point" yaml:"entry_point"`
	// Command is what the launcher executes.
	Command string `koanf:"command" yaml:"command"`
}

// Fetch tunes the fetcher and the worker pool.
type Fetch struct {
	// Attempts is the total number of tries per resource.
	Attempts int `koanf:"attempts" yaml:"attempts"`
	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration `koanf:"initial_backoff" yaml:"initial_backoff"`
	// Multiplier grows the wait after each failed attempt.
	Multiplier float64 `koanf:"multiplier" yaml:"multiplier"`
	// Timeout bounds a single attempt.
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
	// Concurrency is the number of parallel fetch+verify workers.
	Concurrency int `koanf:"concurrency" yaml:"concurrency"`
}

// Log selects logger settings.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level" yaml:"level"`
	// Format is console or json.
	Format string `koanf:"format" yaml:"format"`
}

// History controls run recording.
type History struct {
	// Enabled turns recording on.
	Enabled bool `koanf:"enabled" yaml:"enabled"`
	// Path is the SQLite database; derived from BaseDir when empty.
	Path string `koanf:"path" yaml:"path"`
}

const (
	// DefaultConfigFilename is the default filename for installer settings.
	DefaultConfigFilename = "snipvault-installer.yaml"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "SNIPVAULT_INSTALLER_"

	// envNestingSeparator separates nested keys in environment variable names.
	envNestingSeparator = "__"

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet  = errors.New("configuration is not set")
	errRequired        = errors.New("value is required")
	errOutOfRange      = errors.New("value is out of range")
	errUnknownLogLevel = errors.New("unknown log level")
	errUnknownFormat   = errors.New("unknown log format")
)

// defaults are applied before the file and the environment.
func defaults() map[string]any {
	return map[string]any{
		"manifest":                "",
		"root_dir":                filepath.Join("snipvault", "libexec"),
		"base_dir":                filepath.Join("snipvault", "var"),
		"lock_file":               "",
		"prerequisites":           []string{"python3", "psql"},
		"product.name":            "SnipVault",
		"product.version":         "1.0.0",
		"product.entry_point":     "snipvault",
		"product.command":         "python3 -m snipvault",
		"fetch.attempts":          3,
		"fetch.initial_backoff":   200 * time.Millisecond,
		"fetch.multiplier":        4.0,
		"fetch.timeout":           30 * time.Second,
		"fetch.concurrency":       installer.MaxConcurrency,
		"log.level":               "info",
		"log.format":              string(logger.FormatConsole),
		"history.enabled":         true,
		"history.path":            "",
		"telemetry.exporter":      telemetry.ExporterNone,
		"telemetry.otlp_endpoint": "localhost:4317",
		"telemetry.otlp_insecure": false,
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := load("", false)
	if err != nil {
		// Built-in defaults always unmarshal.
		panic(err)
	}

	return cfg
}

// Load layers defaults, the optional YAML file at path and SNIPVAULT_INSTALLER_*
// environment variables, then validates the result. A missing file at the
// default path is not an error; a missing explicitly named file is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFilename
	}

	if _, err := os.Stat(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read settings: %w", err)
		}

		path = ""
	}

	return load(path, true)
}

func load(path string, withEnv bool) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(filepath.Clean(path)), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}

	if withEnv {
		if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return nil, fmt.Errorf("read environment: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envKey maps SNIPVAULT_INSTALLER_FETCH__INITIAL_BACKOFF to fetch.initial_backoff.
func envKey(key string) string {
	name := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))

	return strings.ReplaceAll(name, envNestingSeparator, ".")
}

// Save writes the configuration to path as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	// Restrict permissions.
	if err = os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Marshal renders the configuration as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	if cfg == nil {
		return nil, errConfigIsNotSet
	}

	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}

	return data, nil
}

// Validate checks the settings and derives the lock and history paths when unset.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	required := []struct {
		key, value string
	}{
		{"root_dir", settings.RootDir},
		{"base_dir", settings.BaseDir},
		{"product.name", settings.Product.Name},
		{"product.entry_point", settings.Product.EntryPoint},
		{"product.command", settings.Product.Command},
	}

	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s: %w", r.key, errRequired)
		}
	}

	if strings.ContainsAny(settings.Product.EntryPoint, `/\`) {
		return fmt.Errorf("product.entry_point %q: %w", settings.Product.EntryPoint, errOutOfRange)
	}

	for i, name := range settings.Prerequisites {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("prerequisites[%d]: %w", i, errRequired)
		}
	}

	if err := validateFetch(settings.Fetch); err != nil {
		return err
	}

	if _, ok := logger.ParseLogLevel(settings.Log.Level); !ok {
		return fmt.Errorf("log.level %q: %w", settings.Log.Level, errUnknownLogLevel)
	}

	if _, ok := logger.ParseFormat(settings.Log.Format); !ok {
		return fmt.Errorf("log.format %q: %w", settings.Log.Format, errUnknownFormat)
	}

	if err := settings.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	// Set default lock file if not specified
	if settings.LockFile == "" {
		settings.LockFile = filepath.Join(filepath.Dir(filepath.Clean(settings.RootDir)), lockfile.DefaultFilename)
	}

	// Set default history path if not specified
	if settings.History.Path == "" {
		settings.History.Path = filepath.Join(settings.BaseDir, history.DefaultFilename)
	}

	return nil
}

func validateFetch(f Fetch) error {
	switch {
	case f.Attempts < 1:
		return fmt.Errorf("fetch.attempts %d: %w", f.Attempts, errOutOfRange)
	case f.InitialBackoff <= 0:
		return fmt.Errorf("fetch.initial_backoff %s: %w", f.InitialBackoff, errOutOfRange)
	case f.Multiplier < 1:
		return fmt.Errorf("fetch.multiplier %v: %w", f.Multiplier, errOutOfRange)
	case f.Timeout <= 0:
		return fmt.Errorf("fetch.timeout %s: %w", f.Timeout, errOutOfRange)
	case f.Concurrency < 1 || f.Concurrency > installer.MaxConcurrency:
		return fmt.Errorf("fetch.concurrency %d: %w", f.Concurrency, errOutOfRange)
	}

	return nil
}
