package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/kittclouds/kittsync/internal/metrics"
	"github.com/kittclouds/kittsync/internal/store"
	"github.com/kittclouds/kittsync/internal/syncpolicy"
)

// ModeCommand returns the mode sub-command.
func ModeCommand() *cli.Command {
	return &cli.Command{
		Name:  "mode",
		Usage: "Show or change the sync mode (disabled|enabled|auto)",
		Commands: []*cli.Command{
			{
				Name:  "get",
				Usage: "Print the current sync mode",
				Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
					mode := e.policy.Mode()
					return printJSON(cmd, map[string]any{
						"mode":            mode,
						"snapshotActions": mode.OffersSnapshotActions(),
					})
				}),
			},
			{
				Name:      "set",
				Usage:     "Persist a new sync mode",
				ArgsUsage: "<mode>",
				Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
					mode, err := syncpolicy.ParseMode(cmd.Args().First())
					if err != nil {
						return err
					}
					return e.policy.SetMode(mode)
				}),
			},
		},
	}
}

// MemoryCommand returns the memory sub-command.
func MemoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "memory",
		Usage: "Create, list and delete memories",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create a memory",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "content", Usage: "Memory body", Required: true},
					&cli.StringFlag{Name: "title", Usage: "Optional title"},
					&cli.StringFlag{Name: "topic", Usage: "Topic classification"},
					&cli.StringFlag{Name: "source", Usage: "Origin of the memory", Value: "manual"},
				},
				Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
					userID, err := e.user()
					if err != nil {
						return err
					}
					m, err := e.svc.Memories().Create(ctx, userID, &store.Memory{
						Content: cmd.String("content"),
						Title:   cmd.String("title"),
						Topic:   cmd.String("topic"),
						Source:  cmd.String("source"),
					})
					if err != nil {
						return err
					}
					return printJSON(cmd, m)
				}),
			},
			{
				Name:  "list",
				Usage: "List memories, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "topic", Usage: "Only memories with this topic"},
					&cli.StringFlag{Name: "nature", Usage: "Only memories with this nature"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum rows (0 means all)"},
				},
				Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
					userID, err := e.user()
					if err != nil {
						return err
					}
					if cmd.IsSet("topic") || cmd.IsSet("nature") || cmd.IsSet("limit") {
						list, err := e.store.QueryMemories(store.MemoryQuery{
							UserID: userID,
							Topic:  cmd.String("topic"),
							Nature: cmd.String("nature"),
							Limit:  cmd.Int("limit"),
						})
						if err != nil {
							return err
						}
						return printJSON(cmd, list)
					}
					list, err := e.svc.Memories().GetAll(ctx, userID)
					if err != nil {
						return err
					}
					return printJSON(cmd, list)
				}),
			},
			{
				Name:      "rm",
				Usage:     "Delete a memory",
				ArgsUsage: "<id>",
				Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
					userID, err := e.user()
					if err != nil {
						return err
					}
					id := cmd.Args().First()
					if id == "" {
						return errors.New("memory id is required")
					}
					return e.svc.Memories().Delete(ctx, id, userID)
				}),
			},
			{
				Name:      "related",
				Usage:     "List memories nearest to one by embedding",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "k", Usage: "Number of results", Value: 5},
				},
				Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
					userID, err := e.user()
					if err != nil {
						return err
					}
					related, err := e.svc.RelatedMemories(ctx, userID, cmd.Args().First(), cmd.Int("k"))
					if err != nil {
						return err
					}
					return printJSON(cmd, related)
				}),
			},
		},
	}
}

// QueueCommand returns the queue sub-command.
func QueueCommand() *cli.Command {
	statusFlag := &cli.StringFlag{Name: "status", Usage: "pending|synced|failed (empty means all)"}
	return &cli.Command{
		Name:  "queue",
		Usage: "Inspect and manage the retry queue",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List queue items in replay order",
				Flags: []cli.Flag{statusFlag},
				Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
					items, err := e.store.ListQueueItems(store.QueueStatus(cmd.String("status")))
					if err != nil {
						return err
					}
					return printJSON(cmd, items)
				}),
			},
			{
				Name:  "retry-failed",
				Usage: "Return failed items to pending",
				Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
					n, err := e.store.RequeueFailed()
					if err != nil {
						return err
					}
					log.Info("requeued failed items", "count", n)
					return nil
				}),
			},
			{
				Name:  "purge",
				Usage: "Delete queue items with a status",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "Status to purge", Value: string(store.StatusSynced)},
				},
				Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
					n, err := e.store.PurgeQueueItems(store.QueueStatus(cmd.String("status")))
					if err != nil {
						return err
					}
					log.Info("purged queue items", "status", cmd.String("status"), "count", n)
					return nil
				}),
			},
		},
	}
}

// SyncCommand returns the sync sub-command, one pass over pending items.
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Replay pending retry-queue items once",
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			if _, err := e.user(); err != nil {
				return err
			}
			res, err := e.svc.ProcessSyncQueue(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		}),
	}
}

// BackupCommand returns the backup sub-command.
func BackupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Push a full snapshot to the remote",
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			userID, err := e.user()
			if err != nil {
				return err
			}
			meta, err := e.svc.Backup(ctx, userID)
			if err != nil {
				return err
			}
			return printJSON(cmd, meta)
		}),
	}
}

// RestoreCommand returns the restore sub-command.
func RestoreCommand() *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "Replace local data with the remote snapshot",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "yes", Usage: "Confirm that local data will be overwritten"},
		},
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			userID, err := e.user()
			if err != nil {
				return err
			}
			if !cmd.Bool("yes") {
				return errors.New("restore overwrites all local data; pass --yes to confirm")
			}
			meta, err := e.svc.Restore(ctx, userID)
			if err != nil {
				return err
			}
			return printJSON(cmd, meta)
		}),
	}
}

// ExportCommand returns the export sub-command.
func ExportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Write a snapshot of every table to a file",
		ArgsUsage: "<file>",
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("output file is required")
			}
			snap, err := e.store.ExportSnapshot()
			if err != nil {
				return err
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()
			return writeJSON(f, snap)
		}),
	}
}

// ImportCommand returns the import sub-command.
func ImportCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Load a snapshot file into the local store",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "replace", Usage: "Clear entity tables first instead of merging"},
		},
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("input file is required")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			var snap store.Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("decode snapshot %s: %w", path, err)
			}
			mode := store.ImportMerge
			if cmd.Bool("replace") {
				mode = store.ImportReplace
			}
			return e.store.ImportSnapshot(&snap, mode)
		}),
	}
}

// WatchCommand returns the watch sub-command: a long-running queue
// processor with an optional metrics endpoint.
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Replay the retry queue periodically until interrupted",
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			if _, err := e.user(); err != nil {
				return err
			}
			if !e.policy.Mode().Mirrors() {
				log.Warn("sync mode does not mirror; only previously queued items will replay", "mode", e.policy.Mode())
			}

			if addr := e.cfg.MetricsAddr; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					log.Info("metrics listening", "addr", addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("metrics server stopped", "err", err)
					}
				}()
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
			}

			p := e.svc.Processor()
			p.Trigger()
			log.Info("watching retry queue", "interval", e.cfg.QueueInterval)
			p.Run(ctx, e.cfg.QueueInterval)
			return nil
		}),
	}
}

// InfoCommand returns the info sub-command.
func InfoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show store, queue, breaker and sync state",
		Action: withEnv(func(ctx context.Context, cmd *cli.Command, e *env) error {
			info, err := e.store.Info()
			if err != nil {
				return err
			}
			out := map[string]any{
				"store":   info,
				"mode":    e.policy.Mode(),
				"remote":  e.cfg.RemoteURL,
				"breaker": e.remote.BreakerState().String(),
				"dataDir": e.cfg.ResolvedDataDir(),
			}
			if e.vectors != nil {
				out["indexedMemories"] = e.vectors.Len()
			}
			if e.cfg.UserID != "" {
				meta, err := e.svc.SyncMetadata(ctx, e.cfg.UserID)
				if err != nil {
					return err
				}
				out["sync"] = meta
			}
			return printJSON(cmd, out)
		}),
	}
}
