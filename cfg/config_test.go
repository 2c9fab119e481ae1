package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate_DefaultConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.GRPC.AdvertiseAddress = "meta-0:5690"

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for default config, got: %v", err)
	}
}

func TestValidate_AutoAdvertiseAddress(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.GRPC.AdvertiseAddress = ""

	if err := Validate(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if Config.GRPC.AdvertiseAddress == "" {
		t.Error("Expected advertise address to be filled in")
	}
}

func TestValidate_InvalidGRPCPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, port := range []int{-1, 0, 70000} {
		Config = Default()
		Config.GRPC.Port = port

		if err := Validate(); err == nil {
			t.Errorf("Expected error for invalid gRPC port %d", port)
		}
	}
}

func TestValidate_StoreBackends(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name    string
		mutate  func(c *Configuration)
		wantErr bool
	}{
		{"memory", func(c *Configuration) { c.Store.Backend = StoreMemory }, false},
		{"pebble", func(c *Configuration) { c.Store.Backend = StorePebble }, false},
		{"etcd without endpoints", func(c *Configuration) { c.Store.Backend = StoreEtcd }, true},
		{"etcd", func(c *Configuration) {
			c.Store.Backend = StoreEtcd
			c.Store.Endpoints = []string{"127.0.0.1:2379"}
		}, false},
		{"sql without dsn", func(c *Configuration) { c.Store.Backend = StoreSQL }, true},
		{"sql bad dialect", func(c *Configuration) {
			c.Store.Backend = StoreSQL
			c.Store.Dialect = "oracle"
			c.Store.DSN = "x"
		}, true},
		{"sql postgres", func(c *Configuration) {
			c.Store.Backend = StoreSQL
			c.Store.Dialect = "postgres"
			c.Store.DSN = "postgres://localhost/meta"
		}, false},
		{"unknown", func(c *Configuration) { c.Store.Backend = "zookeeper" }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			Config = Default()
			Config.GRPC.AdvertiseAddress = "meta-0:5690"
			tc.mutate(Config)

			err := Validate()
			if tc.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestValidate_BarrierAndHummock(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"negative failure threshold", func(c *Configuration) { c.Barrier.MaxConsecutiveFailures = -1 }},
		{"bad epoch mode", func(c *Configuration) { c.Barrier.EpochMode = "random" }},
		{"zero interval", func(c *Configuration) { c.Barrier.IntervalMS = 0 }},
		{"sweep longer than lease", func(c *Configuration) { c.Cluster.SweepIntervalMS = c.Cluster.LeaseTimeoutMS + 1 }},
		{"one level", func(c *Configuration) { c.Hummock.MaxLevels = 1 }},
		{"multiplier", func(c *Configuration) { c.Hummock.LevelMultiplier = 1 }},
		{"worker cap", func(c *Configuration) { c.Hummock.MaxTasksPerWorker = 0 }},
		{"sink type", func(c *Configuration) {
			c.Notify.Sinks = []SinkConfiguration{{Type: "redis"}}
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			Config = Default()
			Config.GRPC.AdvertiseAddress = "meta-0:5690"
			tc.mutate(Config)

			if err := Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestValidate_ZeroFailureThresholdAllowed(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.GRPC.AdvertiseAddress = "meta-0:5690"
	Config.Barrier.MaxConsecutiveFailures = 0

	if err := Validate(); err != nil {
		t.Errorf("Expected unbounded retries to be valid, got: %v", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	path := filepath.Join(dir, "flowmeta.toml")
	content := `
node_id = 7
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[store]
backend = "memory"

[barrier]
interval_ms = 250
epoch_mode = "sequential"
max_consecutive_failures = 4

[scheduler]
skew_tolerance = 3

[[notify.sinks]]
type = "nats"
nats_url = "nats://localhost:4222"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	Config = Default()
	if err := Load(path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if Config.NodeID != 7 {
		t.Errorf("Expected node ID 7, got %d", Config.NodeID)
	}
	if Config.Store.Backend != StoreMemory {
		t.Errorf("Expected memory backend, got %s", Config.Store.Backend)
	}
	if Config.Barrier.IntervalMS != 250 || Config.Barrier.EpochMode != EpochSequential {
		t.Errorf("Unexpected barrier config: %+v", Config.Barrier)
	}
	if Config.Barrier.MaxConsecutiveFailures != 4 {
		t.Errorf("Expected failure threshold 4, got %d", Config.Barrier.MaxConsecutiveFailures)
	}
	if Config.Scheduler.SkewTolerance != 3 {
		t.Errorf("Expected skew tolerance 3, got %d", Config.Scheduler.SkewTolerance)
	}
	if len(Config.Notify.Sinks) != 1 || Config.Notify.Sinks[0].NatsURL == "" {
		t.Errorf("Expected one nats sink, got %+v", Config.Notify.Sinks)
	}
	// Untouched sections keep defaults
	if Config.Hummock.MaxLevels != 7 {
		t.Errorf("Expected default max levels, got %d", Config.Hummock.MaxLevels)
	}
}

func TestLoad_CreateDataDir(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "nested", "data")

	Config = Default()
	Config.NodeID = 1
	Config.DataDir = tempDir

	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("Data directory was not created")
	}
}

func TestGenerateNodeID(t *testing.T) {
	id1, err := generateNodeID()
	if err != nil {
		t.Skipf("machine id unavailable: %v", err)
	}

	if id1 == 0 {
		t.Error("Generated node ID should not be 0")
	}

	id2, err := generateNodeID()
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if id1 != id2 {
		t.Error("Node ID should be deterministic for same machine")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := t.TempDir()

	*DataDirFlag = tempDir
	*NodeIDFlag = 12345
	*GRPCPortFlag = 9999
	*StoreFlag = "memory"

	defer func() {
		*DataDirFlag = ""
		*NodeIDFlag = 0
		*GRPCPortFlag = 0
		*StoreFlag = ""
	}()

	Config = Default()

	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if Config.DataDir != tempDir {
		t.Errorf("Expected data dir %s, got %s", tempDir, Config.DataDir)
	}
	if Config.NodeID != 12345 {
		t.Errorf("Expected node ID 12345, got %d", Config.NodeID)
	}
	if Config.GRPC.Port != 9999 {
		t.Errorf("Expected gRPC port 9999, got %d", Config.GRPC.Port)
	}
	if Config.Store.Backend != StoreMemory {
		t.Errorf("Expected memory backend, got %s", Config.Store.Backend)
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.GRPC.AdvertiseAddress = "meta-0:5690"

	for i := 0; i < b.N; i++ {
		Validate()
	}
}
