package syncpolicy

import (
	"testing"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFS(t *testing.T) hackpadfs.FS {
	t.Helper()
	fs, err := mem.NewFS()
	require.NoError(t, err)
	return fs
}

func TestMissingValueIsDisabled(t *testing.T) {
	c := NewController(newFS(t), "")
	assert.Equal(t, Disabled, c.Mode())
	assert.False(t, c.Mode().Mirrors())
}

func TestGarbageValueIsDisabled(t *testing.T) {
	fs := newFS(t)
	require.NoError(t, hackpadfs.WriteFullFile(fs, DefaultPath, []byte("sometimes"), 0644))
	assert.Equal(t, Disabled, NewController(fs, DefaultPath).Mode())
}

func TestSetModePersists(t *testing.T) {
	fs := newFS(t)
	c := NewController(fs, DefaultPath)

	for _, m := range []Mode{Enabled, Auto, Disabled, Auto} {
		require.NoError(t, c.SetMode(m))
		assert.Equal(t, m, c.Mode())
		assert.Equal(t, m, NewController(fs, DefaultPath).Mode(), "mode should survive a restart")
	}
}

func TestSetModeRejectsUnknown(t *testing.T) {
	c := NewController(newFS(t), DefaultPath)
	require.NoError(t, c.SetMode(Enabled))
	assert.Error(t, c.SetMode("sometimes"))
	assert.Equal(t, Enabled, c.Mode())
}

func TestModePredicates(t *testing.T) {
	assert.False(t, Disabled.Mirrors())
	assert.True(t, Enabled.Mirrors())
	assert.True(t, Auto.Mirrors())

	assert.False(t, Disabled.OffersSnapshotActions())
	assert.True(t, Enabled.OffersSnapshotActions())
	assert.False(t, Auto.OffersSnapshotActions())
}

func TestParseModeTrims(t *testing.T) {
	m, err := ParseMode(" auto\n")
	require.NoError(t, err)
	assert.Equal(t, Auto, m)
}
