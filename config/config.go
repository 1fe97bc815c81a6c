package config

import "time"

// Config is the top-level configuration for the dsnsync pipeline.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Node    NodeConfig    `yaml:"node"`
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
	Status  StatusConfig  `yaml:"status"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// GatewayConfig configures the DSN gateway connection.
type GatewayConfig struct {
	URL       string `yaml:"url"`
	AuthToken string `yaml:"-"` // populated only via DSNSYNC_AUTH_TOKEN env var
}

// NodeConfig configures the local node RPC connection.
type NodeConfig struct {
	URL string `yaml:"url"`
}

// StorageConfig configures the segment header database.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// SyncConfig tunes the import pipeline.
type SyncConfig struct {
	// QueuedBlocksLimit is how far decoded blocks may run ahead of the
	// node's best block before the pipeline pauses.
	QueuedBlocksLimit uint64 `yaml:"queued_blocks_limit"`

	// WaitForBlocks is the pause between best-block polls while the import
	// queue catches up.
	WaitForBlocks time.Duration `yaml:"wait_for_blocks"`

	// ImportExisting forces blocks into the queue even when the node
	// already has them.
	ImportExisting bool `yaml:"import_existing"`
}

// StatusConfig configures the status/health HTTP endpoint.
type StatusConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ListenAddr      string `yaml:"listen_addr"`
	EnableProfiling bool   `yaml:"enable_profiling"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Gateway: GatewayConfig{
			URL: "http://localhost:9955",
		},
		Node: NodeConfig{
			URL: "http://localhost:9944",
		},
		Storage: StorageConfig{
			DBPath: "dsnsync.db",
		},
		Sync: SyncConfig{
			QueuedBlocksLimit: 2048,
			WaitForBlocks:     time.Second,
		},
		Status: StatusConfig{
			ListenAddr: ":8080",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9091",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
