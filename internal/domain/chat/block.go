package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Block types. Placeholder is the provisional type every assistant turn
// starts with; the first concrete event reclassifies it in place.
const (
	BlockTypePlaceholder = "placeholder"
	BlockTypeMainText    = "main_text"
	BlockTypeThinking    = "thinking"
	BlockTypeTool        = "tool"
	BlockTypeImage       = "image"
	BlockTypeCitation    = "citation"
	BlockTypeError       = "error"
)

// Block lifecycle states.
const (
	BlockStatusProcessing = "processing"
	BlockStatusStreaming  = "streaming"
	BlockStatusSuccess    = "success"
	BlockStatusError      = "error"
	BlockStatusPaused     = "paused"
)

func BlockStatusTerminal(status string) bool {
	switch status {
	case BlockStatusSuccess, BlockStatusError, BlockStatusPaused:
		return true
	default:
		return false
	}
}

type MessageBlock struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	MessageID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_block_message_ordinal,unique,priority:1" json:"message_id"`
	TopicID   uuid.UUID `gorm:"type:uuid;not null;index" json:"topic_id"`

	// Ordinal is the block's position within its message.
	Ordinal int `gorm:"not null;index:idx_block_message_ordinal,unique,priority:2" json:"ordinal"`

	Type   string `gorm:"type:text;not null;default:'placeholder';index" json:"type"`
	Status string `gorm:"type:text;not null;default:'processing';index" json:"status"`

	Content string `gorm:"type:text;not null;default:''" json:"content"`

	// Thinking blocks record how long the model reasoned.
	ThinkingMillis int64 `gorm:"not null;default:0" json:"thinking_millis"`

	// Tool blocks carry the upstream call correlation.
	ToolCallID string `gorm:"type:text;not null;default:'';index" json:"tool_call_id"`
	ToolName   string `gorm:"type:text;not null;default:''" json:"tool_name"`
	ServerRef  string `gorm:"type:text;not null;default:''" json:"server_ref"`

	// Payload holds type-specific structure: tool arguments and response,
	// image URLs, citation sources.
	Payload datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'" json:"payload"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (MessageBlock) TableName() string { return "message_block" }
