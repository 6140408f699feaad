// Package syncpolicy holds the device-local sync mode that decides whether
// local writes are mirrored to the remote service.
package syncpolicy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/hack-pad/hackpadfs"
)

// Mode is the sync mode of this device.
type Mode string

const (
	Disabled Mode = "disabled"
	Enabled  Mode = "enabled"
	Auto     Mode = "auto"
)

// DefaultPath is the setting's file name inside the data filesystem.
const DefaultPath = "sync-mode"

// ParseMode validates a stored or user-supplied mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.TrimSpace(s)); m {
	case Disabled, Enabled, Auto:
		return m, nil
	default:
		return "", fmt.Errorf("unknown sync mode %q (want disabled, enabled or auto)", s)
	}
}

// Mirrors reports whether local writes are mirrored to the remote.
func (m Mode) Mirrors() bool {
	return m == Enabled || m == Auto
}

// OffersSnapshotActions reports whether manual backup/restore controls are
// shown for this mode. It gates nothing.
func (m Mode) OffersSnapshotActions() bool {
	return m == Enabled
}

// Controller reads and writes the mode. Changing the mode has no side
// effects on the retry queue or on dirty state.
type Controller struct {
	fs   hackpadfs.FS
	path string

	mu   sync.RWMutex
	mode Mode
}

// NewController reads the persisted mode. A missing or unreadable value
// means Disabled.
func NewController(fs hackpadfs.FS, path string) *Controller {
	if path == "" {
		path = DefaultPath
	}
	c := &Controller{fs: fs, path: path}
	c.mode = c.read()
	return c
}

func (c *Controller) read() Mode {
	data, err := hackpadfs.ReadFile(c.fs, c.path)
	if err != nil {
		return Disabled
	}
	m, err := ParseMode(string(data))
	if err != nil {
		log.Warn("ignoring stored sync mode", "path", c.path, "err", err)
		return Disabled
	}
	return m
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMode persists m and makes it current. Any transition is allowed.
func (c *Controller) SetMode(m Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := hackpadfs.WriteFullFile(c.fs, c.path, []byte(m), 0644); err != nil {
		return fmt.Errorf("failed to persist sync mode: %w", err)
	}
	if c.mode != m {
		log.Info("sync mode changed", "from", c.mode, "to", m)
	}
	c.mode = m
	return nil
}
