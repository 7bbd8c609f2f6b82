package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	chatrepo "github.com/nvoss/loomchat-backend/internal/data/repos/chat"
	types "github.com/nvoss/loomchat-backend/internal/domain/chat"
	"github.com/nvoss/loomchat-backend/internal/platform/dbctx"
	"github.com/nvoss/loomchat-backend/internal/platform/logger"
)

// MessageView is a message with its ordered blocks, the shape handed to
// the presentation layer.
type MessageView struct {
	Message *types.Message        `json:"message"`
	Blocks  []*types.MessageBlock `json:"blocks"`
}

// TopicService covers conversation CRUD around the response pipeline.
type TopicService struct {
	log      *logger.Logger
	topics   chatrepo.TopicRepo
	messages chatrepo.MessageRepo
	blocks   chatrepo.BlockRepo
	notify   ChatNotifier
}

func NewTopicService(log *logger.Logger, topics chatrepo.TopicRepo, messages chatrepo.MessageRepo, blocks chatrepo.BlockRepo, notify ChatNotifier) *TopicService {
	return &TopicService{
		log:      log.With("service", "TopicService"),
		topics:   topics,
		messages: messages,
		blocks:   blocks,
		notify:   notify,
	}
}

func (s *TopicService) Create(ctx context.Context, title, assistantRef string) (*types.Topic, error) {
	if assistantRef == "" {
		assistantRef = "default"
	}
	row := &types.Topic{
		ID:           uuid.New(),
		Title:        strings.TrimSpace(title),
		AssistantRef: assistantRef,
		NextSeq:      1,
	}
	if _, err := s.topics.Create(dbctx.Context{Ctx: ctx}, row); err != nil {
		return nil, err
	}
	s.notify.TopicCreated(row)
	return row, nil
}

func (s *TopicService) Get(ctx context.Context, id uuid.UUID) (*types.Topic, error) {
	return s.topics.GetByID(dbctx.Context{Ctx: ctx}, id)
}

func (s *TopicService) List(ctx context.Context, limit int) ([]*types.Topic, error) {
	return s.topics.List(dbctx.Context{Ctx: ctx}, limit)
}

// Rename sets the topic title. A manual rename locks the name against
// later automatic naming.
func (s *TopicService) Rename(ctx context.Context, id uuid.UUID, title string, manual bool) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("missing title")
	}
	topic, err := s.topics.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return err
	}
	if topic.IsNameLocked && !manual {
		return nil
	}
	updates := map[string]interface{}{"title": title}
	if manual {
		updates["is_name_locked"] = true
	}
	if err := s.topics.UpdateFields(dbctx.Context{Ctx: ctx}, id, updates); err != nil {
		return err
	}
	s.notify.TopicRenamed(id, title)
	return nil
}

// Messages returns the topic's messages with their blocks. Block loads
// fan out with a bounded worker group.
func (s *TopicService) Messages(ctx context.Context, topicID uuid.UUID, limit int) ([]MessageView, error) {
	dbc := dbctx.Context{Ctx: ctx}
	rows, err := s.messages.ListByTopic(dbc, topicID, limit)
	if err != nil {
		return nil, err
	}

	views := make([]MessageView, len(rows))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, msg := range rows {
		g.Go(func() error {
			blocks, err := s.blocks.ListByMessage(dbctx.Context{Ctx: gctx}, msg.ID)
			if err != nil {
				return err
			}
			mu.Lock()
			views[i] = MessageView{Message: msg, Blocks: blocks}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}

// DeleteMessage removes a message and its blocks. Deleting a user
// message also removes the assistant responses it triggered.
func (s *TopicService) DeleteMessage(ctx context.Context, messageID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	msg, err := s.messages.GetByID(dbc, messageID)
	if err != nil {
		return err
	}

	targets := []*types.Message{msg}
	if msg.Role == types.RoleUser {
		siblings, err := s.messages.ListByAskID(dbc, msg.ID)
		if err != nil {
			return err
		}
		targets = append(targets, siblings...)
	}
	for _, m := range targets {
		if err := s.blocks.DeleteByMessage(dbc, m.ID); err != nil {
			return err
		}
		if err := s.messages.Delete(dbc, m.ID); err != nil {
			return err
		}
		s.notify.MessageDeleted(m.TopicID, m.ID)
	}
	return nil
}

// ClearMessages removes every message and block in a topic, leaving
// the topic itself in place.
func (s *TopicService) ClearMessages(ctx context.Context, topicID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	if _, err := s.topics.GetByID(dbc, topicID); err != nil {
		return err
	}
	if err := s.blocks.DeleteByTopic(dbc, topicID); err != nil {
		return err
	}
	if err := s.messages.DeleteByTopic(dbc, topicID); err != nil {
		return err
	}
	s.notify.TopicCleared(topicID)
	return nil
}

func (s *TopicService) Delete(ctx context.Context, topicID uuid.UUID) error {
	return s.topics.Delete(dbctx.Context{Ctx: ctx}, topicID)
}
