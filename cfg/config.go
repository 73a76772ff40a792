package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreDriver selects the document store backend
type StoreDriver string

const (
	StoreMemory StoreDriver = "memory" // Process-local, lost on exit
	StoreSQLite StoreDriver = "sqlite" // SQLite file under data_dir unless dsn is set
	StoreMySQL  StoreDriver = "mysql"  // MySQL server, dsn required
)

// StoreConfiguration selects and addresses the document store
type StoreConfiguration struct {
	Driver StoreDriver `toml:"driver"`
	DSN    string      `toml:"dsn"`
}

// OplogConfiguration controls the change log used by tailing observers
type OplogConfiguration struct {
	Enabled              bool     `toml:"enabled"`
	InMemory             bool     `toml:"in_memory"`
	Collections          []string `toml:"collections"` // Glob patterns of covered collections
	Retention            uint64   `toml:"retention"`   // Entries kept, 0 keeps everything
	BatchSize            int      `toml:"batch_size"`
	PollIntervalMS       int      `toml:"poll_interval_ms"`
	CompressionThreshold int      `toml:"compression_threshold"` // Bytes, 0 disables compression
}

// PollingConfiguration controls polling observers
type PollingConfiguration struct {
	IntervalMS int `toml:"interval_ms"` // Fallback re-poll without invalidations
	ThrottleMS int `toml:"throttle_ms"` // Minimum gap between polls
}

// WritesConfiguration controls the write path
type WritesConfiguration struct {
	UpsertMaxTries int `toml:"upsert_max_tries"`
}

// BridgeConfiguration shares invalidations between processes over NATS
type BridgeConfiguration struct {
	Enabled bool   `toml:"enabled"`
	NatsURL string `toml:"nats_url"`
	Subject string `toml:"subject"`
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

// AdminConfiguration for the HTTP admin surface
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // Required in X-Livedata-Secret or Bearer header when set
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Store      StoreConfiguration      `toml:"store"`
	Oplog      OplogConfiguration      `toml:"oplog"`
	Polling    PollingConfiguration    `toml:"polling"`
	Writes     WritesConfiguration     `toml:"writes"`
	Bridge     BridgeConfiguration     `toml:"bridge"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	StoreDSNFlag   = flag.String("store-dsn", "", "Store DSN (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./livedata-data",

	Store: StoreConfiguration{
		Driver: StoreSQLite,
	},

	Oplog: OplogConfiguration{
		Enabled:              true,
		InMemory:             false,
		Collections:          []string{"*"},
		Retention:            100000,
		BatchSize:            100,
		PollIntervalMS:       1000,
		CompressionThreshold: 4096,
	},

	Polling: PollingConfiguration{
		IntervalMS: 10000, // 10 seconds
		ThrottleMS: 50,
	},

	Writes: WritesConfiguration{
		UpsertMaxTries: 3,
	},

	Bridge: BridgeConfiguration{
		Enabled: false,
		NatsURL: "nats://127.0.0.1:4222",
		Subject: "livedata.invalidations",
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
		Address: "127.0.0.1",
		Port:    8090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
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
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *StoreDSNFlag != "" {
		Config.Store.DSN = *StoreDSNFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("livedata")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Store.Driver {
	case StoreMemory, StoreSQLite:
	case StoreMySQL:
		if Config.Store.DSN == "" {
			return fmt.Errorf("mysql store requires dsn")
		}
	default:
		return fmt.Errorf("invalid store driver: %s", Config.Store.Driver)
	}

	if Config.Oplog.Enabled {
		if Config.Oplog.BatchSize < 1 {
			return fmt.Errorf("oplog batch size must be >= 1")
		}
		if Config.Oplog.PollIntervalMS < 1 {
			return fmt.Errorf("oplog poll interval must be >= 1ms")
		}
		if Config.Oplog.CompressionThreshold < 0 {
			return fmt.Errorf("oplog compression threshold must be >= 0")
		}
	}

	if Config.Polling.IntervalMS < 1 {
		return fmt.Errorf("polling interval must be >= 1ms")
	}

	if Config.Polling.ThrottleMS < 0 {
		return fmt.Errorf("polling throttle must be >= 0")
	}

	if Config.Writes.UpsertMaxTries < 1 {
		return fmt.Errorf("upsert max tries must be >= 1")
	}

	if Config.Bridge.Enabled && Config.Bridge.NatsURL == "" {
		return fmt.Errorf("bridge requires nats_url")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}

// GetOplogPath returns the directory of the change log
func GetOplogPath() string {
	return path.Join(Config.DataDir, "oplog")
}

// GetStoreDSN returns the configured DSN, defaulting SQLite to a file under
// the data directory
func GetStoreDSN() string {
	if Config.Store.DSN != "" || Config.Store.Driver != StoreSQLite {
		return Config.Store.DSN
	}
	return path.Join(Config.DataDir, "livedata.db")
}
