package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	ModeShallow = "shallow"
	ModeDeep    = "deep"
)

type Config struct {
	DataDir         string        `yaml:"dataDir"`
	CatalogFile     string        `yaml:"catalogFile"`
	MinRows         int           `yaml:"minRows"`
	MaxRows         int           `yaml:"maxRows"`
	CompactMode     string        `yaml:"compactMode"`
	CompactInterval time.Duration `yaml:"compactInterval"` // 0 - compact once and exit
	MetricsAddr     string        `yaml:"metricsAddr"`     // empty - no metrics endpoint
	LogLevel        string        `yaml:"logLevel"`
}

func Default() *Config {
	return &Config{
		DataDir:         "db",
		CatalogFile:     "db/catalog.yaml",
		MinRows:         100,
		MaxRows:         4096,
		CompactMode:     ModeShallow,
		CompactInterval: time.Minute,
		MetricsAddr:     ":9090",
		LogLevel:        "info",
	}
}

// NewConfig builds the config from defaults, then the YAML file named by -CONFIG,
// then any flag set explicitly on the command line.
func NewConfig(args []string) (*Config, error) {
	const msg = "NewConfig:"

	c := Default()
	fs := flag.NewFlagSet("tsstash", flag.ContinueOnError)
	file := fs.String("CONFIG", "", "yaml config file")
	dataDir := fs.String("DATA_DIR", c.DataDir, "data directory")
	catalog := fs.String("CATALOG", c.CatalogFile, "catalog yaml file")
	minRows := fs.Int("MIN_ROWS", c.MinRows, "flushes below this row count go to stt files")
	maxRows := fs.Int("MAX_ROWS", c.MaxRows, "max rows per block")
	mode := fs.String("COMPACT_MODE", c.CompactMode, "shallow or deep")
	interval := fs.Duration("COMPACT_INTERVAL", c.CompactInterval, "compaction interval, 0 - run once")
	metricsAddr := fs.String("METRICS_ADDR", c.MetricsAddr, "metrics listen address")
	logLevel := fs.String("LOG_LEVEL", c.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, msg)
	}

	if *file != "" {
		if err := c.LoadFromFile(*file); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "DATA_DIR":
			c.DataDir = *dataDir
		case "CATALOG":
			c.CatalogFile = *catalog
		case "MIN_ROWS":
			c.MinRows = *minRows
		case "MAX_ROWS":
			c.MaxRows = *maxRows
		case "COMPACT_MODE":
			c.CompactMode = *mode
		case "COMPACT_INTERVAL":
			c.CompactInterval = *interval
		case "METRICS_ADDR":
			c.MetricsAddr = *metricsAddr
		case "LOG_LEVEL":
			c.LogLevel = *logLevel
		}
	})

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFromFile overlays the fields present in a YAML file.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return fmt.Errorf("config: empty data dir")
	case c.MinRows <= 0:
		return fmt.Errorf("config: minRows must be positive, got %d", c.MinRows)
	case c.MaxRows < c.MinRows:
		return fmt.Errorf("config: maxRows %d below minRows %d", c.MaxRows, c.MinRows)
	case c.CompactMode != ModeShallow && c.CompactMode != ModeDeep:
		return fmt.Errorf("config: unknown compaction mode %q", c.CompactMode)
	case c.CompactInterval < 0:
		return fmt.Errorf("config: negative compaction interval")
	}
	return nil
}
