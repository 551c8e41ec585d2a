// Package config holds the node configuration: a plain struct loaded
// from a YAML file (the teacher's apply.go format), overridable by CLI
// flags, covering storage, timing, and scan-limit knobs for every
// other package.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/docbase/pkg/log"
	"github.com/cuemby/docbase/pkg/search/text"
	"github.com/cuemby/docbase/pkg/search/vector"
)

// Config is the full node configuration. Every field has a default
// set by Default(), so a zero-value Config is never handed to the
// rest of the system.
type Config struct {
	NodeID     string `yaml:"nodeId"`
	DataDir    string `yaml:"dataDir"`
	BindAddr   string `yaml:"bindAddr"`
	APIAddr    string `yaml:"apiAddr"`
	LogLevel   string `yaml:"logLevel"`
	LogJSON    bool   `yaml:"logJson"`

	TextFlusherMode    string        `yaml:"textFlusherMode"` // "single-segment" | "multi-segment"
	FlushInterval      time.Duration `yaml:"flushInterval"`
	FlushSizeThreshold int           `yaml:"flushSizeThreshold"`

	CompactionInterval    time.Duration `yaml:"compactionInterval"`
	CompactionMaxSegments int           `yaml:"compactionMaxSegments"`

	VectorANNThresholdBytes int `yaml:"vectorAnnThresholdBytes"`

	OCCMaxRetries int           `yaml:"occMaxRetries"`
	OCCRetryDelay time.Duration `yaml:"occRetryDelay"`

	RowScanLimit  int `yaml:"rowScanLimit"`
	ByteScanLimit int `yaml:"byteScanLimit"`

	PermitPoolSize int `yaml:"permitPoolSize"`

	MaxUserWrites       int `yaml:"maxUserWrites"`
	MaxUserWriteBytes   int `yaml:"maxUserWriteBytes"`
	MaxSystemWrites     int `yaml:"maxSystemWrites"`
	MaxSystemWriteBytes int `yaml:"maxSystemWriteBytes"`
}

// Default returns the configuration a freshly bootstrapped single
// node runs with.
func Default() Config {
	return Config{
		NodeID:   "node-1",
		DataDir:  "./docbase-data",
		BindAddr: "127.0.0.1:7968",
		APIAddr:  "127.0.0.1:8866",
		LogLevel: "info",
		LogJSON:  false,

		TextFlusherMode:    "single-segment",
		FlushInterval:      30 * time.Second,
		FlushSizeThreshold: 4 << 20,

		CompactionInterval:    5 * time.Minute,
		CompactionMaxSegments: 8,

		VectorANNThresholdBytes: 64 << 20,

		OCCMaxRetries: 5,
		OCCRetryDelay: 20 * time.Millisecond,

		RowScanLimit:  10000,
		ByteScanLimit: 16 << 20,

		PermitPoolSize: 64,

		MaxUserWrites:       8192,
		MaxUserWriteBytes:   32 << 20,
		MaxSystemWrites:     32768,
		MaxSystemWriteBytes: 128 << 20,
	}
}

// Load reads a YAML config file and overlays it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// BindFlags registers every config field as a persistent flag on cmd,
// seeded with cfg's current values as defaults.
func BindFlags(cmd *cobra.Command, cfg *Config) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "Unique node ID")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Data directory for persistence")
	flags.StringVar(&cfg.BindAddr, "bind-addr", cfg.BindAddr, "Address for raft communication")
	flags.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "Address for the HTTP API")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "Output logs in JSON format")

	flags.StringVar(&cfg.TextFlusherMode, "text-flusher-mode", cfg.TextFlusherMode, "Text index flusher mode: single-segment or multi-segment")
	flags.DurationVar(&cfg.FlushInterval, "flush-interval", cfg.FlushInterval, "Interval between flusher steps")
	flags.IntVar(&cfg.FlushSizeThreshold, "flush-size-threshold", cfg.FlushSizeThreshold, "In-memory index size that triggers a flush")

	flags.DurationVar(&cfg.CompactionInterval, "compaction-interval", cfg.CompactionInterval, "Interval between compactor steps")
	flags.IntVar(&cfg.CompactionMaxSegments, "compaction-max-segments", cfg.CompactionMaxSegments, "Segment count that triggers compaction")

	flags.IntVar(&cfg.VectorANNThresholdBytes, "vector-ann-threshold-bytes", cfg.VectorANNThresholdBytes, "Segment byte size threshold for an ANN graph (not read: vector segments are always built flat)")

	flags.IntVar(&cfg.OCCMaxRetries, "occ-max-retries", cfg.OCCMaxRetries, "OCC retry count (not read by the commit path, which returns OCC conflicts without retrying)")
	flags.DurationVar(&cfg.OCCRetryDelay, "occ-retry-delay", cfg.OCCRetryDelay, "OCC retry delay (not read by the commit path, which returns OCC conflicts without retrying)")

	flags.IntVar(&cfg.RowScanLimit, "row-scan-limit", cfg.RowScanLimit, "Maximum rows a single query may scan")
	flags.IntVar(&cfg.ByteScanLimit, "byte-scan-limit", cfg.ByteScanLimit, "Maximum bytes a single query may scan")

	flags.IntVar(&cfg.PermitPoolSize, "permit-pool-size", cfg.PermitPoolSize, "Maximum number of queries executing concurrently")

	flags.IntVar(&cfg.MaxUserWrites, "max-user-writes", cfg.MaxUserWrites, "Maximum developer-visible writes per transaction")
	flags.IntVar(&cfg.MaxUserWriteBytes, "max-user-write-bytes", cfg.MaxUserWriteBytes, "Maximum developer-visible write bytes per transaction")
	flags.IntVar(&cfg.MaxSystemWrites, "max-system-writes", cfg.MaxSystemWrites, "Maximum system-table writes per transaction")
	flags.IntVar(&cfg.MaxSystemWriteBytes, "max-system-write-bytes", cfg.MaxSystemWriteBytes, "Maximum system-table write bytes per transaction")
}

// TextFlusherModeValue maps the config string onto the text package's
// FlusherMode enum, defaulting to single-segment on an unrecognized
// value rather than failing startup over a typo.
func (c Config) TextFlusherModeValue() text.FlusherMode {
	if c.TextFlusherMode == "multi-segment" {
		return text.FlusherModeIncremental
	}
	return text.FlusherModeSingleSegment
}

// VectorFlusherModeValue maps the config string onto the vector
// package's own FlusherMode enum.
func (c Config) VectorFlusherModeValue() vector.FlusherMode {
	if c.TextFlusherMode == "multi-segment" {
		return vector.FlusherModeIncremental
	}
	return vector.FlusherModeSingleSegment
}

// LogConfig adapts this configuration's logging fields to pkg/log's
// own Config type.
func (c Config) LogConfig() log.Config {
	level := log.InfoLevel
	switch c.LogLevel {
	case "debug":
		level = log.DebugLevel
	case "warn":
		level = log.WarnLevel
	case "error":
		level = log.ErrorLevel
	}
	return log.Config{Level: level, JSONOutput: c.LogJSON}
}
