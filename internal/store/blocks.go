package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// BlockType selects the widget kind of a CanvasBlock and the shape of its
// config payload.
type BlockType string

const (
	BlockCalendar        BlockType = "calendar"
	BlockDatabase        BlockType = "database"
	BlockMeetingRecorder BlockType = "meeting-recorder"
	BlockViewer          BlockType = "viewer"
	BlockText            BlockType = "text"
)

// ErrUnknownBlockType is returned for a CanvasBlock whose type has no
// registered config shape.
var ErrUnknownBlockType = errors.New("unknown canvas block type")

// BlockConfig is the per-widget payload of a CanvasBlock.
type BlockConfig interface {
	BlockType() BlockType
}

type CalendarConfig struct {
	View   string `json:"view" validate:"oneof=day week month"`
	Anchor int64  `json:"anchor,omitempty" validate:"gte=0"`
}

type DatabaseColumn struct {
	Name string `json:"name" validate:"required"`
	Kind string `json:"kind" validate:"oneof=text number date checkbox select"`
}

type DatabaseConfig struct {
	Columns []DatabaseColumn `json:"columns" validate:"dive"`
	Rows    []map[string]any `json:"rows,omitempty"`
}

type MeetingRecorderConfig struct {
	Status             string `json:"status" validate:"oneof=idle recording processing done"`
	RecordingID        string `json:"recordingId,omitempty"`
	TranscriptMemoryID string `json:"transcriptMemoryId,omitempty"`
	DurationMs         int64  `json:"durationMs" validate:"gte=0"`
}

type ViewerConfig struct {
	MemoryID string `json:"memoryId,omitempty" validate:"required_without=URL"`
	URL      string `json:"url,omitempty" validate:"omitempty,url"`
	MimeType string `json:"mimeType,omitempty"`
}

type TextConfig struct {
	Text string `json:"text"`
}

func (CalendarConfig) BlockType() BlockType        { return BlockCalendar }
func (DatabaseConfig) BlockType() BlockType        { return BlockDatabase }
func (MeetingRecorderConfig) BlockType() BlockType { return BlockMeetingRecorder }
func (ViewerConfig) BlockType() BlockType          { return BlockViewer }
func (TextConfig) BlockType() BlockType            { return BlockText }

var blockConfigs = map[BlockType]func() BlockConfig{
	BlockCalendar:        func() BlockConfig { return &CalendarConfig{} },
	BlockDatabase:        func() BlockConfig { return &DatabaseConfig{} },
	BlockMeetingRecorder: func() BlockConfig { return &MeetingRecorderConfig{} },
	BlockViewer:          func() BlockConfig { return &ViewerConfig{} },
	BlockText:            func() BlockConfig { return &TextConfig{} },
}

// CanvasBlock is a positioned widget on the canvas.
type CanvasBlock struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	GroupID   string      `json:"groupId,omitempty"`
	Type      BlockType   `json:"type"`
	X         float64     `json:"x"`
	Y         float64     `json:"y"`
	Width     float64     `json:"width"`
	Height    float64     `json:"height"`
	Config    BlockConfig `json:"config"`
	CreatedAt int64       `json:"createdAt"`
	UpdatedAt int64       `json:"updatedAt"`
}

type canvasBlockJSON struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	GroupID   string          `json:"groupId,omitempty"`
	Type      BlockType       `json:"type"`
	X         float64         `json:"x"`
	Y         float64         `json:"y"`
	Width     float64         `json:"width"`
	Height    float64         `json:"height"`
	Config    json.RawMessage `json:"config"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
}

// MarshalJSON writes Config as a plain object next to the type tag.
func (b CanvasBlock) MarshalJSON() ([]byte, error) {
	raw := json.RawMessage("null")
	if b.Config != nil {
		var err error
		if raw, err = json.Marshal(b.Config); err != nil {
			return nil, err
		}
	}
	return json.Marshal(canvasBlockJSON{
		ID: b.ID, UserID: b.UserID, GroupID: b.GroupID, Type: b.Type,
		X: b.X, Y: b.Y, Width: b.Width, Height: b.Height,
		Config: raw, CreatedAt: b.CreatedAt, UpdatedAt: b.UpdatedAt,
	})
}

// UnmarshalJSON decodes Config into the shape registered for Type.
func (b *CanvasBlock) UnmarshalJSON(data []byte) error {
	var wire canvasBlockJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	newConfig, ok := blockConfigs[wire.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBlockType, wire.Type)
	}
	cfg := newConfig()
	if len(wire.Config) > 0 && string(wire.Config) != "null" {
		if err := json.Unmarshal(wire.Config, cfg); err != nil {
			return fmt.Errorf("decode %s config: %w", wire.Type, err)
		}
	}
	*b = CanvasBlock{
		ID: wire.ID, UserID: wire.UserID, GroupID: wire.GroupID, Type: wire.Type,
		X: wire.X, Y: wire.Y, Width: wire.Width, Height: wire.Height,
		Config: cfg, CreatedAt: wire.CreatedAt, UpdatedAt: wire.UpdatedAt,
	}
	return nil
}

// ValidationError reports a CanvasBlock rejected at the store boundary.
type ValidationError struct {
	BlockID string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid canvas block %q: %v", e.BlockID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

var validate = sync.OnceValue(func() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
})

// Validate checks that the config matches the block type and satisfies the
// constraints of that widget kind.
func (b *CanvasBlock) Validate() error {
	if _, ok := blockConfigs[b.Type]; !ok {
		return &ValidationError{BlockID: b.ID, Err: fmt.Errorf("%w: %q", ErrUnknownBlockType, b.Type)}
	}
	if b.Config == nil {
		return &ValidationError{BlockID: b.ID, Err: errors.New("missing config")}
	}
	if b.Config.BlockType() != b.Type {
		return &ValidationError{BlockID: b.ID, Err: fmt.Errorf("config for %q on %q block", b.Config.BlockType(), b.Type)}
	}
	if b.Width < 0 || b.Height < 0 {
		return &ValidationError{BlockID: b.ID, Err: errors.New("negative size")}
	}
	if err := validate().Struct(b.Config); err != nil {
		return &ValidationError{BlockID: b.ID, Err: err}
	}
	return nil
}
