package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *CaptureConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	if len(c.Feeds) == 0 {
		return errors.New("at least one feed is required")
	}

	for i := range c.Feeds {
		if err := c.Feeds[i].validate(fmt.Sprintf("feeds[%d]", i)); err != nil {
			return err
		}
	}

	if c.Sink.Dir == "" {
		return errors.New("sink.dir is required")
	}
	if c.Sink.FlushEvery < 1 {
		return errors.New("sink.flush_every must be >= 1")
	}
	if c.Sink.BufferSize < 1 {
		return errors.New("sink.buffer_size must be >= 1")
	}

	if c.Database.Enabled {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
		if c.Database.BatchSize < 1 {
			return errors.New("database.batch_size must be >= 1")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	return nil
}

func (f *FeedConfig) validate(prefix string) error {
	if f.Exchange == "" {
		return fmt.Errorf("%s.exchange is required", prefix)
	}
	if f.URL == "" {
		return fmt.Errorf("%s.url is required", prefix)
	}
	switch f.Envelope {
	case "plain", "jsonrpc":
	default:
		return fmt.Errorf("%s.envelope must be plain or jsonrpc, got %q", prefix, f.Envelope)
	}
	if len(f.Markets) == 0 {
		return fmt.Errorf("%s.markets must not be empty", prefix)
	}
	for j, m := range f.Markets {
		if m.Symbol == "" {
			return fmt.Errorf("%s.markets[%d].symbol is required", prefix, j)
		}
	}
	for _, ch := range f.Channels {
		if ch != "order_book" && ch != "trade" {
			return fmt.Errorf("%s.channels entries must be order_book or trade, got %q", prefix, ch)
		}
	}
	if f.SnapshotLevels < 1 {
		return fmt.Errorf("%s.snapshot_levels must be >= 1", prefix)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
