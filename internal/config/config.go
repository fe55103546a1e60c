package config

import (
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Scheduler SchedulerConfig
	Backend   BackendConfig
	Storage   StorageConfig
	Server    ServerConfig
	Log       LogConfig
}

type SchedulerConfig struct {
	MaxRetries       int
	TokenCeiling     int
	BatchSize        int // advisory cap, 0 means tier defaults
	QualityThreshold float64
	FastMode         bool
	SkipFailed       bool
	// QuarantineBaseSeconds is the first quarantine backoff interval.
	QuarantineBaseSeconds int
}

type BackendConfig struct {
	// Command is the analysis CLI invoked per batch, space-separated.
	Command        string
	TimeoutSeconds int
}

type StorageConfig struct {
	DataDir   string
	OutputDir string
}

type ServerConfig struct {
	// StatusAddr is the listen address of the progress endpoint.
	StatusAddr string
}

type LogConfig struct {
	Level string
}

// Argv splits the backend command into an exec argv.
func (b BackendConfig) Argv() []string {
	return strings.Fields(b.Command)
}

func defaults() Config {
	return Config{
		Scheduler: SchedulerConfig{
			MaxRetries:            3,
			TokenCeiling:          150_000,
			QualityThreshold:      0.3,
			QuarantineBaseSeconds: 30,
		},
		Backend: BackendConfig{
			Command:        "claude -p",
			TimeoutSeconds: 120,
		},
		Storage: StorageConfig{
			DataDir:   defaultDataDir(),
			OutputDir: "analysis_output",
		},
		Server: ServerConfig{
			StatusAddr: "127.0.0.1:4200",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "docsift-data"
		}
	}
	return filepath.Join(dir, "docsift")
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/docsift/config.json, with DOCSIFT_* environment
// variables overriding file values.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}
