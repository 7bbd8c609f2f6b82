package services

import (
	"context"

	"github.com/google/uuid"

	types "github.com/nvoss/loomchat-backend/internal/domain/chat"
	"github.com/nvoss/loomchat-backend/internal/realtime"
)

// ChatNotifier pushes message and block lifecycle changes to clients
// watching a topic channel.
type ChatNotifier interface {
	TopicCreated(topic *types.Topic)
	TopicRenamed(topicID uuid.UUID, title string)
	TopicCleared(topicID uuid.UUID)
	MessageCreated(topicID uuid.UUID, msg *types.Message)
	MessageUpdated(topicID uuid.UUID, msg *types.Message)
	MessageDeleted(topicID uuid.UUID, messageID uuid.UUID)
	BlockCreated(topicID uuid.UUID, block *types.MessageBlock)
	BlockDelta(topicID uuid.UUID, blockID uuid.UUID, updates map[string]any)
	BlockDone(topicID uuid.UUID, blockID uuid.UUID, updates map[string]any)
	MessageDone(topicID uuid.UUID, msg *types.Message)
	MessageError(topicID uuid.UUID, messageID uuid.UUID, errMsg string)
}

type chatNotifier struct {
	emit SSEEmitter
}

func NewChatNotifier(emit SSEEmitter) ChatNotifier {
	return &chatNotifier{emit: emit}
}

func (n *chatNotifier) send(channel string, event realtime.Event, data map[string]any) {
	if n == nil || n.emit == nil || channel == "" {
		return
	}
	n.emit.Emit(context.Background(), realtime.Message{
		Channel: channel,
		Event:   event,
		Data:    data,
	})
}

func (n *chatNotifier) TopicCreated(topic *types.Topic) {
	if topic == nil {
		return
	}
	n.send(topic.ID.String(), realtime.EventTopicCreated, map[string]any{"topic": topic})
}

func (n *chatNotifier) TopicRenamed(topicID uuid.UUID, title string) {
	n.send(topicID.String(), realtime.EventTopicRenamed, map[string]any{
		"topic_id": topicID,
		"title":    title,
	})
}

func (n *chatNotifier) TopicCleared(topicID uuid.UUID) {
	n.send(topicID.String(), realtime.EventTopicCleared, map[string]any{
		"topic_id": topicID,
	})
}

func (n *chatNotifier) MessageCreated(topicID uuid.UUID, msg *types.Message) {
	if msg == nil {
		return
	}
	n.send(topicID.String(), realtime.EventMessageCreated, map[string]any{
		"topic_id": topicID,
		"message":  msg,
	})
}

func (n *chatNotifier) MessageUpdated(topicID uuid.UUID, msg *types.Message) {
	if msg == nil {
		return
	}
	n.send(topicID.String(), realtime.EventMessageUpdated, map[string]any{
		"topic_id": topicID,
		"message":  msg,
	})
}

func (n *chatNotifier) MessageDeleted(topicID uuid.UUID, messageID uuid.UUID) {
	n.send(topicID.String(), realtime.EventMessageDeleted, map[string]any{
		"topic_id":   topicID,
		"message_id": messageID,
	})
}

func (n *chatNotifier) BlockCreated(topicID uuid.UUID, block *types.MessageBlock) {
	if block == nil {
		return
	}
	n.send(topicID.String(), realtime.EventBlockCreated, map[string]any{
		"topic_id": topicID,
		"block":    block,
	})
}

func (n *chatNotifier) BlockDelta(topicID uuid.UUID, blockID uuid.UUID, updates map[string]any) {
	if len(updates) == 0 {
		return
	}
	n.send(topicID.String(), realtime.EventBlockDelta, map[string]any{
		"topic_id": topicID,
		"block_id": blockID,
		"updates":  updates,
	})
}

func (n *chatNotifier) BlockDone(topicID uuid.UUID, blockID uuid.UUID, updates map[string]any) {
	n.send(topicID.String(), realtime.EventBlockDone, map[string]any{
		"topic_id": topicID,
		"block_id": blockID,
		"updates":  updates,
	})
}

func (n *chatNotifier) MessageDone(topicID uuid.UUID, msg *types.Message) {
	if msg == nil {
		return
	}
	n.send(topicID.String(), realtime.EventMessageDone, map[string]any{
		"topic_id": topicID,
		"message":  msg,
	})
}

func (n *chatNotifier) MessageError(topicID uuid.UUID, messageID uuid.UUID, errMsg string) {
	n.send(topicID.String(), realtime.EventMessageError, map[string]any{
		"topic_id":   topicID,
		"message_id": messageID,
		"error":      errMsg,
	})
}
