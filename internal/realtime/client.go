package realtime

import (
	"github.com/google/uuid"

	"github.com/nvoss/loomchat-backend/internal/platform/logger"
)

type Event string

// Event names carried over the SSE channel. Clients key off these to
// patch their local message and block state.
const (
	EventTopicCreated   Event = "TopicCreated"
	EventTopicRenamed   Event = "TopicRenamed"
	EventTopicCleared   Event = "TopicCleared"
	EventMessageCreated Event = "MessageCreated"
	EventMessageUpdated Event = "MessageUpdated"
	EventMessageDeleted Event = "MessageDeleted"
	EventBlockCreated   Event = "BlockCreated"
	EventBlockDelta     Event = "BlockDelta"
	EventBlockDone      Event = "BlockDone"
	EventMessageDone    Event = "MessageDone"
	EventMessageError   Event = "MessageError"
)

type Message struct {
	Channel string `json:"channel"`
	Event   Event  `json:"event"`
	Data    any    `json:"data,omitempty"`
}

type Client struct {
	ID       uuid.UUID
	Channels map[string]bool
	Outbound chan Message
	done     chan struct{}
	Logger   *logger.Logger
}
