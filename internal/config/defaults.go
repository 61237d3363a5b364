package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultEnvelope          = "plain"
	DefaultSnapshotLevels    = 15
	DefaultSnapshotFrequency = "50ms"
	DefaultSnapshotMinDelta  = "0_01"
	DefaultReconnectInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 180 * time.Second
	DefaultHeartbeatInterval = 60 * time.Second

	DefaultSinkDir    = "./data"
	DefaultFlushEvery = 100
	DefaultBufferSize = 10000

	DefaultDBPort        = 5432
	DefaultDBSSLMode     = "prefer"
	DefaultMaxConns      = 10
	DefaultMinConns      = 2
	DefaultBatchSize     = 500
	DefaultFlushInterval = 5 * time.Second

	DefaultLogLevel      = "info"
	DefaultLogMaxSizeMB  = 100
	DefaultLogMaxBackups = 5
	DefaultLogMaxAgeDays = 14
)

func (c *CaptureConfig) applyDefaults() {
	for i := range c.Feeds {
		f := &c.Feeds[i]
		if f.Envelope == "" {
			f.Envelope = DefaultEnvelope
		}
		if len(f.Channels) == 0 {
			f.Channels = []string{"order_book"}
		}
		if f.SnapshotLevels == 0 {
			f.SnapshotLevels = DefaultSnapshotLevels
		}
		if f.SnapshotFrequency == "" {
			f.SnapshotFrequency = DefaultSnapshotFrequency
		}
		if f.SnapshotMinDelta == "" {
			f.SnapshotMinDelta = DefaultSnapshotMinDelta
		}
		if f.ReconnectInterval == 0 {
			f.ReconnectInterval = DefaultReconnectInterval
		}
		if f.HeartbeatTimeout == 0 {
			f.HeartbeatTimeout = DefaultHeartbeatTimeout
		}
		if f.HeartbeatInterval == 0 {
			f.HeartbeatInterval = DefaultHeartbeatInterval
		}
	}

	if c.Sink.Dir == "" {
		c.Sink.Dir = DefaultSinkDir
	}
	if c.Sink.FlushEvery == 0 {
		c.Sink.FlushEvery = DefaultFlushEvery
	}
	if c.Sink.BufferSize == 0 {
		c.Sink.BufferSize = DefaultBufferSize
	}

	if c.Database.Enabled {
		applyDBDefaults(&c.Database.Postgres)
		if c.Database.BatchSize == 0 {
			c.Database.BatchSize = DefaultBatchSize
		}
		if c.Database.FlushInterval == 0 {
			c.Database.FlushInterval = DefaultFlushInterval
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = DefaultLogMaxAgeDays
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
