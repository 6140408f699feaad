package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for a kittsync client.
type Config struct {
	// DataDir holds the database file, the sync-mode setting and the
	// vector index. Empty means the platform config directory.
	DataDir string

	// DBDSN overrides the SQLite data source name. Empty means
	// <DataDir>/kittsync.db.
	DBDSN string

	// UserID is the account every command acts for.
	UserID string

	// Remote persistence service
	RemoteURL     string
	RemoteToken   string
	RemoteTimeout time.Duration

	// BackupCodec names the backup.Codec applied to snapshots.
	BackupCodec string

	// Circuit breaker around the remote client
	BreakerMaxRequests      uint32
	BreakerInterval         time.Duration
	BreakerTimeout          time.Duration
	BreakerFailureThreshold float64
	BreakerMinRequests      uint32

	// Mirror worker
	MirrorBacklog        int
	MirrorDisposeTimeout time.Duration

	// Retry queue processor
	QueueInterval time.Duration

	LogLevel    string
	MetricsAddr string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RemoteURL:               "http://localhost:8787/api",
		RemoteTimeout:           15 * time.Second,
		BackupCodec:             "plain",
		BreakerMaxRequests:      5,
		BreakerInterval:         30 * time.Second,
		BreakerTimeout:          60 * time.Second,
		BreakerFailureThreshold: 0.8,
		BreakerMinRequests:      5,
		MirrorBacklog:           256,
		MirrorDisposeTimeout:    5 * time.Second,
		QueueInterval:           30 * time.Second,
		LogLevel:                "info",
	}
}

// ResolvedDataDir returns the configured data directory or
// <user config dir>/kittsync.
func (c *Config) ResolvedDataDir() string {
	if c != nil {
		if dir := strings.TrimSpace(c.DataDir); dir != "" {
			return dir
		}
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "kittsync")
}

// ResolvedDSN returns the configured DSN or the database file inside the
// data directory.
func (c *Config) ResolvedDSN() string {
	if c != nil {
		if dsn := strings.TrimSpace(c.DBDSN); dsn != "" {
			return dsn
		}
	}
	return filepath.Join(c.ResolvedDataDir(), "kittsync.db")
}
