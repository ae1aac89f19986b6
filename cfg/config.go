package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// DetectorConfiguration controls bulk operation detection
type DetectorConfiguration struct {
	Enabled            bool     `toml:"enabled"`
	MinRowCount        int      `toml:"min_row_count"`       // Members required to qualify as bulk
	MaxBatchSize       int      `toml:"max_batch_size"`      // Size-triggered flush threshold
	BatchTimeoutMS     int      `toml:"batch_timeout_ms"`    // Timer-triggered flush deadline
	MaxSampleSize      int      `toml:"max_sample_size"`     // Sample rows retained per bulk event
	IncludeSampleData  bool     `toml:"include_sample_data"` // Attach before/after samples
	GroupByTransaction bool     `toml:"group_by_transaction"`
	IncludedTables     []string `toml:"included_tables"`  // Glob patterns, empty = all
	ExcludedTables     []string `toml:"excluded_tables"`  // Glob patterns
	ExcludedOperations []string `toml:"excluded_operations"`
}

// TxGroupConfiguration controls transactional grouping
type TxGroupConfiguration struct {
	Enabled             bool `toml:"enabled"`
	RetentionSeconds    int  `toml:"retention_seconds"`     // Abandoned open transaction reclaim window
	ReapIntervalSeconds int  `toml:"reap_interval_seconds"` // How often to scan for abandoned transactions
}

// DeliveryConfiguration controls the exactly-once delivery manager
type DeliveryConfiguration struct {
	MaxRetries       int     `toml:"max_retries"`
	RetryInitialMS   int     `toml:"retry_initial_ms"`
	RetryMaxMS       int     `toml:"retry_max_ms"`
	RetryMultiplier  float64 `toml:"retry_multiplier"`
	AttemptTimeoutMS int     `toml:"attempt_timeout_ms"` // 0 = no per-attempt timeout
	Ledger           string  `toml:"ledger"`             // "memory" or "pebble"
	LedgerTTLSeconds int     `toml:"ledger_ttl_seconds"`
	LedgerMaxEntries int     `toml:"ledger_max_entries"` // Memory ledger size bound
}

// SinkConfiguration describes one delivery destination
type SinkConfiguration struct {
	Name             string   `toml:"name"`
	Type             string   `toml:"type"` // "nats", "kafka", "archive", "log"
	TopicPrefix      string   `toml:"topic_prefix"`
	NatsURL          string   `toml:"nats_url"`
	Brokers          []string `toml:"brokers"`
	BatchSize        int      `toml:"batch_size"`
	Path             string   `toml:"path"`              // Archive sink output file
	CompressionLevel int      `toml:"compression_level"` // Archive sink zstd level (1-4)
}

// RuleConfiguration describes one routing rule
type RuleConfiguration struct {
	Name         string   `toml:"name"`
	Tables       []string `toml:"tables"`     // Glob patterns, empty = all
	Operations   []string `toml:"operations"` // insert/update/delete, empty = all
	Destinations []string `toml:"destinations"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the admin/observability HTTP server
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // Empty disables admin authentication
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID uint64 `toml:"instance_id"`
	DataDir    string `toml:"data_dir"`

	Detector   DetectorConfiguration   `toml:"detector"`
	TxGroup    TxGroupConfiguration    `toml:"txgroup"`
	Delivery   DeliveryConfiguration   `toml:"delivery"`
	Sinks      []SinkConfiguration     `toml:"sink"`
	Rules      []RuleConfiguration     `toml:"rule"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	InstanceIDFlag = flag.Uint64("instance-id", 0, "Instance ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate
	DataDir:    "./sluice-data",

	Detector: DetectorConfiguration{
		Enabled:            true,
		MinRowCount:        5,
		MaxBatchSize:       1000,
		BatchTimeoutMS:     5000,
		MaxSampleSize:      10,
		IncludeSampleData:  true,
		GroupByTransaction: false,
	},

	TxGroup: TxGroupConfiguration{
		Enabled:             true,
		RetentionSeconds:    300, // Reclaim abandoned transactions after 5 minutes
		ReapIntervalSeconds: 30,
	},

	Delivery: DeliveryConfiguration{
		MaxRetries:       5,
		RetryInitialMS:   100,
		RetryMaxMS:       30000,
		RetryMultiplier:  2.0,
		AttemptTimeoutMS: 5000,
		Ledger:           "memory",
		LedgerTTLSeconds: 3600,
		LedgerMaxEntries: 1 << 20,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    8390,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *InstanceIDFlag != 0 {
		Config.InstanceID = *InstanceIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate instance ID if not set
	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateInstanceID creates a unique instance ID based on machine ID
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("sluice")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Detector.Enabled {
		if Config.Detector.MinRowCount < 1 {
			return fmt.Errorf("detector min_row_count must be >= 1")
		}
		if Config.Detector.MaxBatchSize < Config.Detector.MinRowCount {
			return fmt.Errorf("detector max_batch_size must be >= min_row_count")
		}
		if Config.Detector.BatchTimeoutMS < 1 {
			return fmt.Errorf("detector batch_timeout_ms must be >= 1")
		}
		if Config.Detector.MaxSampleSize < 0 {
			return fmt.Errorf("detector max_sample_size must be >= 0")
		}
	}

	if Config.TxGroup.Enabled {
		if Config.TxGroup.RetentionSeconds < 1 {
			return fmt.Errorf("txgroup retention_seconds must be >= 1")
		}
		if Config.TxGroup.ReapIntervalSeconds < 1 {
			return fmt.Errorf("txgroup reap_interval_seconds must be >= 1")
		}
	}

	if Config.Delivery.MaxRetries < 1 {
		return fmt.Errorf("delivery max_retries must be >= 1")
	}
	if Config.Delivery.RetryInitialMS < 1 {
		return fmt.Errorf("delivery retry_initial_ms must be >= 1")
	}
	if Config.Delivery.RetryMaxMS < Config.Delivery.RetryInitialMS {
		return fmt.Errorf("delivery retry_max_ms must be >= retry_initial_ms")
	}
	if Config.Delivery.RetryMultiplier < 1.0 {
		return fmt.Errorf("delivery retry_multiplier must be >= 1.0")
	}
	if Config.Delivery.Ledger != "memory" && Config.Delivery.Ledger != "pebble" {
		return fmt.Errorf("delivery ledger must be \"memory\" or \"pebble\", got %q", Config.Delivery.Ledger)
	}
	if Config.Delivery.LedgerTTLSeconds < 1 {
		return fmt.Errorf("delivery ledger_ttl_seconds must be >= 1")
	}
	if Config.Delivery.LedgerMaxEntries < 1 {
		return fmt.Errorf("delivery ledger_max_entries must be >= 1")
	}

	seen := make(map[string]bool, len(Config.Sinks))
	for _, snk := range Config.Sinks {
		if snk.Name == "" {
			return fmt.Errorf("sink name is required")
		}
		if seen[snk.Name] {
			return fmt.Errorf("duplicate sink name: %s", snk.Name)
		}
		seen[snk.Name] = true
		if snk.Type == "" {
			return fmt.Errorf("sink %s: type is required", snk.Name)
		}
	}

	for _, rule := range Config.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rule name is required")
		}
		if len(rule.Destinations) == 0 {
			return fmt.Errorf("rule %s: at least one destination is required", rule.Name)
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}
