package config

import "time"

// CaptureConfig is the root configuration for a capture instance.
type CaptureConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Feeds    []FeedConfig   `yaml:"feeds"`
	Sink     SinkConfig     `yaml:"sink"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InstanceConfig identifies this capture process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// FeedConfig describes one exchange feed subscription.
type FeedConfig struct {
	Exchange    string `yaml:"exchange"`
	URL         string `yaml:"url"`
	Envelope    string `yaml:"envelope"` // "plain" or "jsonrpc"
	BearerToken string `yaml:"bearer_token"`

	Markets  []MarketConfig `yaml:"markets"`
	Channels []string       `yaml:"channels"` // "order_book", "trade"

	// JSON-RPC snapshot channel shape.
	SnapshotLevels    int    `yaml:"snapshot_levels"`
	SnapshotFrequency string `yaml:"snapshot_frequency"`
	SnapshotMinDelta  string `yaml:"snapshot_min_delta"`

	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// MarketConfig maps a numeric market id to its symbol.
type MarketConfig struct {
	ID     int    `yaml:"id"`
	Symbol string `yaml:"symbol"`
}

// SinkConfig holds file sink settings.
type SinkConfig struct {
	Dir        string `yaml:"dir"`
	Compress   bool   `yaml:"compress"`
	FlushEvery int    `yaml:"flush_every"`
	BufferSize int    `yaml:"buffer_size"`

	// WriteSnapshots additionally records fixed-depth snapshot rows.
	WriteSnapshots bool `yaml:"write_snapshots"`
}

// DatabaseConfig holds the optional Postgres sink.
type DatabaseConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Postgres      DBConfig      `yaml:"postgres"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	File       string `yaml:"file"`  // empty disables file output
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Stdout     bool   `yaml:"stdout"`
}
