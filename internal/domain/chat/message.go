package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message lifecycle states. A terminal state is success, error, or paused.
const (
	MessageStatusPending   = "pending"
	MessageStatusStreaming = "streaming"
	MessageStatusSuccess   = "success"
	MessageStatusError     = "error"
	MessageStatusPaused    = "paused"
)

func MessageStatusTerminal(status string) bool {
	switch status {
	case MessageStatusSuccess, MessageStatusError, MessageStatusPaused:
		return true
	default:
		return false
	}
}

type Message struct {
	ID      uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TopicID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_message_topic_seq,unique,priority:1" json:"topic_id"`
	Seq     int64     `gorm:"not null;index:idx_message_topic_seq,unique,priority:2" json:"seq"`

	Role   string `gorm:"type:text;not null;index" json:"role"`
	Status string `gorm:"type:text;not null;default:'pending';index" json:"status"`

	// AskID groups the assistant responses produced by one user turn,
	// so a multi-model fan-out can be fetched as a set.
	AskID *uuid.UUID `gorm:"type:uuid;index" json:"ask_id,omitempty"`

	ModelRef     string `gorm:"type:text;not null;default:''" json:"model_ref"`
	AssistantRef string `gorm:"type:text;not null;default:''" json:"assistant_ref"`

	Usage    datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'" json:"usage"`
	Metadata datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'" json:"metadata"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Message) TableName() string { return "message" }

// TokenUsage is the shape stored in Message.Usage.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	Estimated        bool  `json:"estimated,omitempty"`
}
