package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/kittclouds/kittsync/internal/cmd/client"
	"github.com/kittclouds/kittsync/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.DefaultConfig()
	app := &cli.Command{
		Name:   "kittsync",
		Usage:  "Local-first memory store with optional remote sync",
		Flags:  client.Flags(&cfg),
		Before: client.Before(&cfg),
		Commands: []*cli.Command{
			client.ModeCommand(),
			client.MemoryCommand(),
			client.QueueCommand(),
			client.SyncCommand(),
			client.BackupCommand(),
			client.RestoreCommand(),
			client.ExportCommand(),
			client.ImportCommand(),
			client.WatchCommand(),
			client.InfoCommand(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
