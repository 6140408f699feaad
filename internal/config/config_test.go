package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvedDataDir_UsesConfiguredValue(t *testing.T) {
	cfg := Config{DataDir: " /tmp/kitt "}
	require.Equal(t, "/tmp/kitt", cfg.ResolvedDataDir())
}

func TestResolvedDataDir_DefaultsUnderKittsync(t *testing.T) {
	var cfg Config
	require.Equal(t, "kittsync", filepath.Base(cfg.ResolvedDataDir()))
}

func TestResolvedDSN_DefaultsToDataDirFile(t *testing.T) {
	cfg := Config{DataDir: "/data"}
	require.Equal(t, filepath.Join("/data", "kittsync.db"), cfg.ResolvedDSN())

	cfg.DBDSN = ":memory:"
	require.Equal(t, ":memory:", cfg.ResolvedDSN())
}

func TestContextCarrier(t *testing.T) {
	require.Nil(t, FromContext(context.Background()))

	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
}
