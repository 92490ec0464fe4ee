package database

import "time"

// Config holds SQLite connection settings for the history store.
type Config struct {
	DatabasePath    string
	MaxConnections  int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns connection settings suitable for a single-node
// deployment with WAL-mode SQLite.
func DefaultConfig(path string) *Config {
	return &Config{
		DatabasePath:    path,
		MaxConnections:  10,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}
