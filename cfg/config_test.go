package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Configuration {
	return &Configuration{
		NodeID:  1,
		DataDir: "./test-data",
		Store: StoreConfiguration{
			Driver: StoreSQLite,
		},
		Oplog: OplogConfiguration{
			Enabled:        true,
			BatchSize:      100,
			PollIntervalMS: 1000,
		},
		Polling: PollingConfiguration{
			IntervalMS: 10000,
			ThrottleMS: 50,
		},
		Writes: WritesConfiguration{
			UpsertMaxTries: 3,
		},
		Logging: LoggingConfiguration{
			Format: "console",
		},
		Admin: AdminConfiguration{
			Enabled: true,
			Port:    8090,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	// Save original config
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	err := Validate()
	if err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_Defaults(t *testing.T) {
	if err := Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got: %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"unknown store driver", func(c *Configuration) { c.Store.Driver = "postgres" }},
		{"mysql without dsn", func(c *Configuration) { c.Store.Driver = StoreMySQL }},
		{"oplog batch size", func(c *Configuration) { c.Oplog.BatchSize = 0 }},
		{"oplog poll interval", func(c *Configuration) { c.Oplog.PollIntervalMS = 0 }},
		{"polling interval", func(c *Configuration) { c.Polling.IntervalMS = 0 }},
		{"polling throttle", func(c *Configuration) { c.Polling.ThrottleMS = -1 }},
		{"upsert tries", func(c *Configuration) { c.Writes.UpsertMaxTries = 0 }},
		{"bridge without url", func(c *Configuration) { c.Bridge.Enabled = true }},
		{"admin port", func(c *Configuration) { c.Admin.Port = 70000 }},
		{"logging format", func(c *Configuration) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config = validConfig()
			tt.mutate(Config)
			if err := Validate(); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestValidate_DisabledOplogSkipsChecks(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Oplog.Enabled = false
	Config.Oplog.BatchSize = 0

	if err := Validate(); err != nil {
		t.Errorf("Expected no error with oplog disabled, got: %v", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	dir := t.TempDir()
	Config.DataDir = filepath.Join(dir, "data")

	configPath := filepath.Join(dir, "config.toml")
	content := `
node_id = 42
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[store]
driver = "memory"

[oplog]
collections = ["items", "orders_*"]
retention = 500

[writes]
upsert_max_tries = 5
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := Load(configPath); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.NodeID != 42 {
		t.Errorf("expected node_id 42, got %d", Config.NodeID)
	}
	if Config.Store.Driver != StoreMemory {
		t.Errorf("expected memory store, got %s", Config.Store.Driver)
	}
	if len(Config.Oplog.Collections) != 2 || Config.Oplog.Collections[1] != "orders_*" {
		t.Errorf("unexpected collections: %v", Config.Oplog.Collections)
	}
	if Config.Oplog.Retention != 500 {
		t.Errorf("expected retention 500, got %d", Config.Oplog.Retention)
	}
	if Config.Writes.UpsertMaxTries != 5 {
		t.Errorf("expected 5 upsert tries, got %d", Config.Writes.UpsertMaxTries)
	}
	if _, err := os.Stat(Config.DataDir); err != nil {
		t.Errorf("expected data dir to be created: %v", err)
	}
}

func TestGetStoreDSN(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.DataDir = "/var/lib/livedata"
	if got := GetStoreDSN(); got != "/var/lib/livedata/livedata.db" {
		t.Errorf("unexpected default sqlite dsn: %s", got)
	}

	Config.Store.DSN = "file:custom.db"
	if got := GetStoreDSN(); got != "file:custom.db" {
		t.Errorf("expected explicit dsn, got %s", got)
	}
	if got := GetOplogPath(); got != "/var/lib/livedata/oplog" {
		t.Errorf("unexpected oplog path: %s", got)
	}
}
