// Package client holds the kittsync command-line sub-commands.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/hack-pad/hackpadfs"
	osfs "github.com/hack-pad/hackpadfs/os"
	"github.com/urfave/cli/v3"

	"github.com/kittclouds/kittsync/internal/backup"
	"github.com/kittclouds/kittsync/internal/config"
	"github.com/kittclouds/kittsync/internal/dal"
	"github.com/kittclouds/kittsync/internal/remote"
	"github.com/kittclouds/kittsync/internal/store"
	"github.com/kittclouds/kittsync/internal/syncpolicy"
	"github.com/kittclouds/kittsync/pkg/vector"
)

const vectorIndexPath = "hnsw.bin"

// Flags returns the global flags shared by every sub-command. Values land
// in cfg.
func Flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		// ── Local ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "data-dir",
			Category:    "Local:",
			Sources:     cli.EnvVars("KITTSYNC_DATA_DIR"),
			Destination: &cfg.DataDir,
			Usage:       "Directory for the database, sync mode and vector index",
		},
		&cli.StringFlag{
			Name:        "db",
			Category:    "Local:",
			Sources:     cli.EnvVars("KITTSYNC_DB"),
			Destination: &cfg.DBDSN,
			Usage:       "SQLite data source name (default <data-dir>/kittsync.db)",
		},
		&cli.StringFlag{
			Name:        "user",
			Category:    "Local:",
			Sources:     cli.EnvVars("KITTSYNC_USER"),
			Destination: &cfg.UserID,
			Usage:       "User id every command acts for",
		},

		// ── Remote ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "remote-url",
			Category:    "Remote:",
			Sources:     cli.EnvVars("KITTSYNC_REMOTE_URL"),
			Destination: &cfg.RemoteURL,
			Value:       cfg.RemoteURL,
			Usage:       "Base URL of the remote persistence service",
		},
		&cli.StringFlag{
			Name:        "remote-token",
			Category:    "Remote:",
			Sources:     cli.EnvVars("KITTSYNC_REMOTE_TOKEN"),
			Destination: &cfg.RemoteToken,
			Usage:       "Bearer token for the remote service",
		},
		&cli.DurationFlag{
			Name:        "remote-timeout",
			Category:    "Remote:",
			Sources:     cli.EnvVars("KITTSYNC_REMOTE_TIMEOUT"),
			Destination: &cfg.RemoteTimeout,
			Value:       cfg.RemoteTimeout,
			Usage:       "Timeout for each remote call",
		},
		&cli.StringFlag{
			Name:        "backup-codec",
			Category:    "Remote:",
			Sources:     cli.EnvVars("KITTSYNC_BACKUP_CODEC"),
			Destination: &cfg.BackupCodec,
			Value:       cfg.BackupCodec,
			Usage:       fmt.Sprintf("Backup codec (%s)", strings.Join(backup.Names(), "|")),
		},

		// ── Sync ─────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "mirror-backlog",
			Category:    "Sync:",
			Sources:     cli.EnvVars("KITTSYNC_MIRROR_BACKLOG"),
			Destination: &cfg.MirrorBacklog,
			Value:       cfg.MirrorBacklog,
			Usage:       "Pending mirror calls before mutations go straight to the retry queue",
		},
		&cli.DurationFlag{
			Name:        "dispose-timeout",
			Category:    "Sync:",
			Sources:     cli.EnvVars("KITTSYNC_DISPOSE_TIMEOUT"),
			Destination: &cfg.MirrorDisposeTimeout,
			Value:       cfg.MirrorDisposeTimeout,
			Usage:       "How long to wait for in-flight mirror calls on exit",
		},

		&cli.DurationFlag{
			Name:        "queue-interval",
			Category:    "Sync:",
			Sources:     cli.EnvVars("KITTSYNC_QUEUE_INTERVAL"),
			Destination: &cfg.QueueInterval,
			Value:       cfg.QueueInterval,
			Usage:       "Time between retry-queue passes in watch",
		},

		// ── Logging ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "log-level",
			Category:    "Logging:",
			Sources:     cli.EnvVars("KITTSYNC_LOG_LEVEL"),
			Destination: &cfg.LogLevel,
			Value:       cfg.LogLevel,
			Usage:       "Log level (debug|info|warn|error)",
		},
		&cli.StringFlag{
			Name:        "metrics-addr",
			Category:    "Logging:",
			Sources:     cli.EnvVars("KITTSYNC_METRICS_ADDR"),
			Destination: &cfg.MetricsAddr,
			Usage:       "Serve Prometheus metrics on this address in watch (e.g. :9464)",
		},
	}
}

// Before applies the log level and stores cfg in the context.
func Before(cfg *config.Config) cli.BeforeFunc {
	return func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return ctx, fmt.Errorf("invalid --log-level: %w", err)
		}
		log.SetLevel(level)
		return config.WithContext(ctx, cfg), nil
	}
}

// env is everything a command needs, opened from the config.
type env struct {
	cfg     *config.Config
	fs      hackpadfs.FS
	store   store.Storer
	remote  *remote.HTTPClient
	policy  *syncpolicy.Controller
	vectors *vector.Store
	svc     *dal.Service
}

func open(ctx context.Context) (*env, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, errors.New("config missing from context")
	}

	dir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	fsys, err := dataFS(dir)
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStoreWithDSN(cfg.ResolvedDSN())
	if err != nil {
		return nil, err
	}

	breaker := remote.DefaultBreakerConfig("kittsync-remote")
	breaker.MaxRequests = cfg.BreakerMaxRequests
	breaker.Interval = cfg.BreakerInterval
	breaker.Timeout = cfg.BreakerTimeout
	breaker.FailureThreshold = cfg.BreakerFailureThreshold
	breaker.MinRequests = cfg.BreakerMinRequests

	token := cfg.RemoteToken
	rc, err := remote.NewHTTPClient(cfg.RemoteURL, remote.Options{
		Timeout: cfg.RemoteTimeout,
		Breaker: breaker,
		Token: func(context.Context) (string, error) {
			return token, nil
		},
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	codec, err := backup.Select(cfg.BackupCodec)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	policy := syncpolicy.NewController(fsys, syncpolicy.DefaultPath)
	vectors, err := vector.NewStore(fsys, vectorIndexPath)
	if err != nil {
		log.Warn("related-memory index unreadable, starting empty", "err", err)
		vectors = nil
	}

	svc, err := dal.New(dal.Options{
		Store:         st,
		Remote:        rc,
		Policy:        policy,
		Vectors:       vectors,
		Codec:         codec,
		MirrorBacklog: cfg.MirrorBacklog,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	e := &env{cfg: cfg, fs: fsys, store: st, remote: rc, policy: policy, vectors: vectors, svc: svc}
	if cfg.UserID != "" {
		if err := svc.Init(ctx, cfg.UserID); err != nil {
			_ = e.close()
			return nil, err
		}
	}
	return e, nil
}

// close disposes the service, giving in-flight mirror calls the dispose
// timeout, then closes the store.
func (e *env) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.MirrorDisposeTimeout)
	defer cancel()

	var errs []error
	if err := e.svc.Dispose(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispose: %w", err))
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *env) user() (string, error) {
	if e.cfg.UserID == "" {
		return "", errors.New("--user (or KITTSYNC_USER) is required")
	}
	return e.cfg.UserID, nil
}

// withEnv opens an env for the duration of fn.
func withEnv(fn func(ctx context.Context, cmd *cli.Command, e *env) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		e, err := open(ctx)
		if err != nil {
			return err
		}
		runErr := fn(ctx, cmd, e)
		closeErr := e.close()
		if runErr != nil {
			return runErr
		}
		return closeErr
	}
}

// dataFS roots a hackpadfs OS filesystem at dir.
func dataFS(dir string) (hackpadfs.FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	root := osfs.NewFS()
	sub, err := root.Sub(strings.TrimPrefix(filepath.ToSlash(abs), "/"))
	if err != nil {
		return nil, fmt.Errorf("open data dir %s: %w", dir, err)
	}
	return sub, nil
}

func printJSON(cmd *cli.Command, v any) error {
	w := cmd.Root().Writer
	if w == nil {
		w = os.Stdout
	}
	return writeJSON(w, v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
