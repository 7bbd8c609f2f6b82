package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Topic struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	Title        string `gorm:"type:text;not null;default:''" json:"title"`
	AssistantRef string `gorm:"type:text;not null;default:'default'" json:"assistant_ref"`
	IsNameLocked bool   `gorm:"not null;default:false" json:"is_name_locked"`

	// NextSeq is the next message sequence number to hand out.
	NextSeq int64 `gorm:"not null;default:1" json:"next_seq"`

	Metadata datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'" json:"metadata"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Topic) TableName() string { return "topic" }
