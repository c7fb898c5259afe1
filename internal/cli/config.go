package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/acksell/portalsync/collection"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is looked up from the working directory upwards.
const ConfigFileName = "portalsync.yaml"

// Config is the contents of portalsync.yaml.
type Config struct {
	// DataDir is where Badger stores the cache and the mutation queue.
	DataDir string `yaml:"dataDir"`

	// Remote selects the backend: "memory" or "dynamodb".
	Remote string `yaml:"remote"`

	DynamoDB DynamoDBConfig `yaml:"dynamodb"`

	// MetricsAddr is where run serves /metrics. Empty disables it.
	MetricsAddr string `yaml:"metricsAddr"`

	MaxAttempts   int           `yaml:"maxAttempts"`
	ResyncAfter   time.Duration `yaml:"resyncAfter"`
	ProbeInterval time.Duration `yaml:"probeInterval"`

	// Collections overrides the built-in collection definitions.
	Collections []collection.Definition `yaml:"collections"`
	// CollectionsFile is read for definitions when Collections is empty.
	CollectionsFile string `yaml:"collectionsFile"`

	// Watch lists the queries run keeps live. Defaults to every collection.
	Watch []WatchConfig `yaml:"watch"`
}

type DynamoDBConfig struct {
	Table     string `yaml:"table"`
	StreamARN string `yaml:"streamArn"`
	Region    string `yaml:"region"`
	// Endpoint overrides the service endpoint, e.g. for DynamoDB Local.
	Endpoint     string        `yaml:"endpoint"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

type WatchConfig struct {
	Collection string `yaml:"collection"`
	Limit      int    `yaml:"limit"`
}

// LoadConfig reads the config at path. With an empty path it searches for
// portalsync.yaml from the current directory up to the filesystem root and
// returns an empty config if there is none.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = findConfigFile()
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if len(cfg.Collections) == 0 && cfg.CollectionsFile != "" {
		file := cfg.CollectionsFile
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(path), file)
		}
		if cfg.Collections, err = collection.LoadFile(file); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func findConfigFile() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// definitions returns the configured collections, or the built-in ones.
func (c Config) definitions() []collection.Definition {
	if len(c.Collections) > 0 {
		return c.Collections
	}
	return collection.Defaults
}
