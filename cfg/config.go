package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreBackend selects the metadata store implementation
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory" // In-process, tests and demos only
	StorePebble StoreBackend = "pebble" // Local durable store, single meta node
	StoreEtcd   StoreBackend = "etcd"   // Linearizable store shared by meta replicas
	StoreSQL    StoreBackend = "sql"    // sqlite3, mysql or postgres
)

// EpochMode selects how barrier epochs are generated
type EpochMode string

const (
	EpochPhysical   EpochMode = "physical"   // Wall-clock millis in the high bits
	EpochSequential EpochMode = "sequential" // Previous epoch + 1
)

// StoreConfiguration controls the metadata store connection
type StoreConfiguration struct {
	Backend         StoreBackend `toml:"backend"`
	Path            string       `toml:"path"`             // pebble directory (defaults under data_dir)
	Endpoints       []string     `toml:"endpoints"`        // etcd endpoints
	Prefix          string       `toml:"prefix"`           // key namespace for shared stores
	Dialect         string       `toml:"dialect"`          // sqlite3, mysql, postgres
	DSN             string       `toml:"dsn"`              // sql data source name
	DialTimeoutMS   int          `toml:"dial_timeout_ms"`  // etcd / sql connect timeout
	LeaseTTLSeconds int          `toml:"lease_ttl_seconds"` // leader lease
	WatchHistory    int          `toml:"watch_history"`    // retained change events for in-process watch
}

// ClusterConfiguration controls worker membership
type ClusterConfiguration struct {
	LeaseTimeoutMS  int `toml:"lease_timeout_ms"`  // Heartbeat age after which a node is dead
	SweepIntervalMS int `toml:"sweep_interval_ms"` // How often the lease sweep runs
}

// BarrierConfiguration controls the checkpoint loop
type BarrierConfiguration struct {
	IntervalMS             int       `toml:"interval_ms"`
	CollectTimeoutMS       int       `toml:"collect_timeout_ms"`
	InjectTimeoutMS        int       `toml:"inject_timeout_ms"`
	MaxConsecutiveFailures int       `toml:"max_consecutive_failures"` // 0 = retry forever
	EpochMode              EpochMode `toml:"epoch_mode"`
	DDLRetries             int       `toml:"ddl_retries"` // Re-plan attempts after a failed epoch
	DDLTimeoutMS           int       `toml:"ddl_timeout_ms"`
}

// SchedulerConfiguration controls actor placement
type SchedulerConfiguration struct {
	SkewTolerance      int `toml:"skew_tolerance"`       // Allowed actor count difference for locality
	MaxActorsPerNode   int `toml:"max_actors_per_node"`  // 0 = unlimited
	DefaultParallelism int `toml:"default_parallelism"` // 0 = one actor per compute node
}

// HummockConfiguration controls storage versions and compaction
type HummockConfiguration struct {
	MaxLevels            int     `toml:"max_levels"`
	L0CompactionTrigger  int     `toml:"l0_compaction_trigger"` // L0 file count that scores 1.0
	BaseLevelBytes       uint64  `toml:"base_level_bytes"`      // L1 target size
	LevelMultiplier      float64 `toml:"level_multiplier"`
	MaxTasksPerWorker    int     `toml:"max_tasks_per_worker"`
	MaxTaskAttempts      int     `toml:"max_task_attempts"`
	TaskTimeoutSeconds   int     `toml:"task_timeout_seconds"`
	DispatchIntervalMS   int     `toml:"dispatch_interval_ms"`
	GCIntervalSeconds    int     `toml:"gc_interval_seconds"`
	MaxFilesPerTask      int     `toml:"max_files_per_task"`
	ProtectedFilterSlots uint    `toml:"protected_filter_slots"`
}

// SinkConfiguration describes an external notification sink
type SinkConfiguration struct {
	Type        string   `toml:"type"` // nats or kafka
	NatsURL     string   `toml:"nats_url"`
	Brokers     []string `toml:"brokers"`
	TopicPrefix string   `toml:"topic_prefix"`
	Topics      []string `toml:"topics"` // notification topics to forward, empty = all
	Kinds       []string `toml:"kinds"`  // glob patterns on event kind, empty = all
	BatchSize   int      `toml:"batch_size"`
}

// NotifyConfiguration controls the notification hub
type NotifyConfiguration struct {
	HistorySize      int                 `toml:"history_size"`      // Events kept per topic for replay
	SubscriberBuffer int                 `toml:"subscriber_buffer"` // Channel depth before a subscriber is dropped
	Sinks            []SinkConfiguration `toml:"sinks"`
}

// GRPCConfiguration controls the RPC listener and worker clients
type GRPCConfiguration struct {
	BindAddress             string `toml:"bind_address"`
	Port                    int    `toml:"port"`
	AdvertiseAddress        string `toml:"advertise_address"`
	KeepaliveTimeSeconds    int    `toml:"keepalive_time_seconds"`
	KeepaliveTimeoutSeconds int    `toml:"keepalive_timeout_seconds"`
	CompressionLevel        int    `toml:"compression_level"` // 0 = disabled, 1-4 = zstd levels
	ConnectionCacheSize     int    `toml:"connection_cache_size"`
	RequestTimeoutMS        int    `toml:"request_timeout_ms"`
	ClusterSecret           string `toml:"cluster_secret"` // Shared secret for worker RPCs, empty = no auth
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

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Store      StoreConfiguration      `toml:"store"`
	Cluster    ClusterConfiguration    `toml:"cluster"`
	Barrier    BarrierConfiguration    `toml:"barrier"`
	Scheduler  SchedulerConfiguration  `toml:"scheduler"`
	Hummock    HummockConfiguration    `toml:"hummock"`
	Notify     NotifyConfiguration     `toml:"notify"`
	GRPC       GRPCConfiguration       `toml:"grpc"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Meta node ID (overrides config, 0=auto)")
	GRPCPortFlag   = flag.Int("grpc-port", 0, "gRPC port (overrides config)")
	StoreFlag      = flag.String("store", "", "Metadata store backend: memory, pebble, etcd, sql (overrides config)")
)

// Default returns a fresh configuration populated with defaults.
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./flowmeta-data",

		Store: StoreConfiguration{
			Backend:         StorePebble,
			Prefix:          "/flowmeta",
			Dialect:         "sqlite3",
			DialTimeoutMS:   5000,
			LeaseTTLSeconds: 10,
			WatchHistory:    4096,
		},

		Cluster: ClusterConfiguration{
			LeaseTimeoutMS:  10000,
			SweepIntervalMS: 1000,
		},

		Barrier: BarrierConfiguration{
			IntervalMS:             1000,
			CollectTimeoutMS:       30000,
			InjectTimeoutMS:        5000,
			MaxConsecutiveFailures: 10,
			EpochMode:              EpochPhysical,
			DDLRetries:             3,
			DDLTimeoutMS:           120000,
		},

		Scheduler: SchedulerConfiguration{
			SkewTolerance:      1,
			MaxActorsPerNode:   0,
			DefaultParallelism: 0,
		},

		Hummock: HummockConfiguration{
			MaxLevels:            7,
			L0CompactionTrigger:  4,
			BaseLevelBytes:       256 << 20, // 256MB
			LevelMultiplier:      10,
			MaxTasksPerWorker:    2,
			MaxTaskAttempts:      3,
			TaskTimeoutSeconds:   600,
			DispatchIntervalMS:   1000,
			GCIntervalSeconds:    60,
			MaxFilesPerTask:      32,
			ProtectedFilterSlots: 1 << 16,
		},

		Notify: NotifyConfiguration{
			HistorySize:      1024,
			SubscriberBuffer: 256,
		},

		GRPC: GRPCConfiguration{
			BindAddress:             "0.0.0.0",
			Port:                    5690,
			KeepaliveTimeSeconds:    10,
			KeepaliveTimeoutSeconds: 3,
			CompressionLevel:        1,
			ConnectionCacheSize:     256,
			RequestTimeoutMS:        5000,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// IsClusterAuthEnabled reports whether RPCs must carry the cluster secret
func IsClusterAuthEnabled() bool {
	return Config != nil && Config.GRPC.ClusterSecret != ""
}

// GetClusterSecret returns the configured cluster secret
func GetClusterSecret() string {
	if Config == nil {
		return ""
	}
	return Config.GRPC.ClusterSecret
}

// Config is the process-wide configuration
var Config = Default()

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
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *GRPCPortFlag != 0 {
		Config.GRPC.Port = *GRPCPortFlag
	}
	if *StoreFlag != "" {
		Config.Store.Backend = StoreBackend(*StoreFlag)
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated meta node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a stable meta node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("flowmeta")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.GRPC.Port < 1 || Config.GRPC.Port > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", Config.GRPC.Port)
	}

	if Config.GRPC.AdvertiseAddress == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to get hostname, using localhost")
			hostname = "localhost"
		}
		Config.GRPC.AdvertiseAddress = fmt.Sprintf("%s:%d", hostname, Config.GRPC.Port)
		log.Info().
			Str("advertise_address", Config.GRPC.AdvertiseAddress).
			Msg("Auto-configured gRPC advertise address")
	}

	if Config.GRPC.CompressionLevel < 0 || Config.GRPC.CompressionLevel > 4 {
		return fmt.Errorf("gRPC compression level must be within 0-4, got %d", Config.GRPC.CompressionLevel)
	}

	switch Config.Store.Backend {
	case StoreMemory, StorePebble:
	case StoreEtcd:
		if len(Config.Store.Endpoints) == 0 {
			return fmt.Errorf("etcd store requires at least one endpoint")
		}
	case StoreSQL:
		switch Config.Store.Dialect {
		case "sqlite3", "mysql", "postgres":
		default:
			return fmt.Errorf("invalid sql dialect: %s", Config.Store.Dialect)
		}
		if Config.Store.DSN == "" {
			return fmt.Errorf("sql store requires a dsn")
		}
	default:
		return fmt.Errorf("invalid store backend: %s", Config.Store.Backend)
	}

	if Config.Store.LeaseTTLSeconds < 1 {
		return fmt.Errorf("leader lease ttl must be >= 1 second")
	}

	if Config.Cluster.LeaseTimeoutMS < 1 {
		return fmt.Errorf("cluster lease timeout must be >= 1ms")
	}

	if Config.Cluster.SweepIntervalMS < 1 || Config.Cluster.SweepIntervalMS > Config.Cluster.LeaseTimeoutMS {
		return fmt.Errorf("cluster sweep interval must be within 1ms and the lease timeout")
	}

	if Config.Barrier.IntervalMS < 1 {
		return fmt.Errorf("barrier interval must be >= 1ms")
	}

	if Config.Barrier.CollectTimeoutMS < 1 {
		return fmt.Errorf("barrier collect timeout must be >= 1ms")
	}

	if Config.Barrier.InjectTimeoutMS < 1 {
		return fmt.Errorf("barrier inject timeout must be >= 1ms")
	}

	if Config.Barrier.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("barrier max consecutive failures must be >= 0")
	}

	if Config.Barrier.EpochMode != EpochPhysical && Config.Barrier.EpochMode != EpochSequential {
		return fmt.Errorf("invalid epoch mode: %s", Config.Barrier.EpochMode)
	}

	if Config.Barrier.DDLRetries < 0 {
		return fmt.Errorf("ddl retries must be >= 0")
	}

	if Config.Scheduler.SkewTolerance < 0 {
		return fmt.Errorf("scheduler skew tolerance must be >= 0")
	}

	if Config.Scheduler.MaxActorsPerNode < 0 {
		return fmt.Errorf("scheduler max actors per node must be >= 0")
	}

	if Config.Hummock.MaxLevels < 2 {
		return fmt.Errorf("hummock needs at least 2 levels")
	}

	if Config.Hummock.L0CompactionTrigger < 1 {
		return fmt.Errorf("hummock l0 compaction trigger must be >= 1")
	}

	if Config.Hummock.LevelMultiplier <= 1 {
		return fmt.Errorf("hummock level multiplier must be > 1")
	}

	if Config.Hummock.MaxTasksPerWorker < 1 {
		return fmt.Errorf("hummock max tasks per worker must be >= 1")
	}

	if Config.Hummock.MaxTaskAttempts < 1 {
		return fmt.Errorf("hummock max task attempts must be >= 1")
	}

	if Config.Notify.HistorySize < 1 {
		return fmt.Errorf("notify history size must be >= 1")
	}

	if Config.Notify.SubscriberBuffer < 1 {
		return fmt.Errorf("notify subscriber buffer must be >= 1")
	}

	for i, sink := range Config.Notify.Sinks {
		if sink.Type != "nats" && sink.Type != "kafka" {
			return fmt.Errorf("notify sink %d: invalid type %q", i, sink.Type)
		}
	}

	return nil
}

// Millis converts a millisecond config value into a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Seconds converts a second config value into a duration.
func Seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}
