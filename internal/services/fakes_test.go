package services

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/nvoss/loomchat-backend/internal/domain/chat"
	"github.com/nvoss/loomchat-backend/internal/platform/dbctx"
	"github.com/nvoss/loomchat-backend/internal/platform/logger"
)

func testLogger() *logger.Logger {
	log, err := logger.New("dev")
	if err != nil {
		panic(err)
	}
	return log
}

// ---- in-memory repos ----

type memTopics struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*types.Topic
}

func newMemTopics() *memTopics {
	return &memTopics{rows: make(map[uuid.UUID]*types.Topic)}
}

func (m *memTopics) Create(_ dbctx.Context, row *types.Topic) (*types.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.NextSeq <= 0 {
		row.NextSeq = 1
	}
	cp := *row
	m.rows[row.ID] = &cp
	return row, nil
}

func (m *memTopics) GetByID(_ dbctx.Context, id uuid.UUID) (*types.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memTopics) List(_ dbctx.Context, _ int) ([]*types.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Topic, 0, len(m.rows))
	for _, row := range m.rows {
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memTopics) NextSeq(_ dbctx.Context, id uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return 0, gorm.ErrRecordNotFound
	}
	seq := row.NextSeq
	row.NextSeq++
	return seq, nil
}

func (m *memTopics) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if v, ok := updates["title"].(string); ok {
		row.Title = v
	}
	if v, ok := updates["is_name_locked"].(bool); ok {
		row.IsNameLocked = v
	}
	return nil
}

func (m *memTopics) Delete(_ dbctx.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

type memMessages struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*types.Message
}

func newMemMessages() *memMessages {
	return &memMessages{rows: make(map[uuid.UUID]*types.Message)}
}

func (m *memMessages) Create(_ dbctx.Context, rows []*types.Message) ([]*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		cp := *row
		m.rows[row.ID] = &cp
	}
	return rows, nil
}

func (m *memMessages) GetByID(_ dbctx.Context, id uuid.UUID) (*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memMessages) byTopic(topicID uuid.UUID) []*types.Message {
	var out []*types.Message
	for _, row := range m.rows {
		if row.TopicID == topicID {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (m *memMessages) ListByTopic(_ dbctx.Context, topicID uuid.UUID, limit int) ([]*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.byTopic(topicID)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memMessages) ListRecent(_ dbctx.Context, topicID uuid.UUID, limit int) ([]*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	asc := m.byTopic(topicID)
	if limit > 0 && len(asc) > limit {
		asc = asc[len(asc)-limit:]
	}
	out := make([]*types.Message, 0, len(asc))
	for i := len(asc) - 1; i >= 0; i-- {
		out = append(out, asc[i])
	}
	return out, nil
}

func (m *memMessages) ListByAskID(_ dbctx.Context, askID uuid.UUID) ([]*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Message
	for _, row := range m.rows {
		if row.AskID != nil && *row.AskID == askID {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *memMessages) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if v, ok := updates["status"].(string); ok {
		row.Status = v
	}
	if v, ok := updates["usage"]; ok {
		if raw, ok := v.(interface{ MarshalJSON() ([]byte, error) }); ok {
			b, err := raw.MarshalJSON()
			if err == nil {
				row.Usage = b
			}
		}
	}
	return nil
}

func (m *memMessages) Delete(_ dbctx.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memMessages) DeleteByTopic(_ dbctx.Context, topicID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, row := range m.rows {
		if row.TopicID == topicID {
			delete(m.rows, id)
		}
	}
	return nil
}

type memBlocks struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*types.MessageBlock
	saves map[uuid.UUID]int
}

func newMemBlocks() *memBlocks {
	return &memBlocks{
		rows:  make(map[uuid.UUID]*types.MessageBlock),
		saves: make(map[uuid.UUID]int),
	}
}

func (m *memBlocks) Create(_ dbctx.Context, rows []*types.MessageBlock) ([]*types.MessageBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		cp := *row
		m.rows[row.ID] = &cp
	}
	return rows, nil
}

func (m *memBlocks) GetByID(_ dbctx.Context, id uuid.UUID) (*types.MessageBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memBlocks) ListByMessage(_ dbctx.Context, messageID uuid.UUID) ([]*types.MessageBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.MessageBlock
	for _, row := range m.rows {
		if row.MessageID == messageID {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (m *memBlocks) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		// Matches gorm update-with-no-matching-rows behavior.
		return nil
	}
	m.saves[id]++
	for k, v := range updates {
		switch k {
		case "content":
			row.Content = v.(string)
		case "status":
			row.Status = v.(string)
		case "type":
			row.Type = v.(string)
		case "thinking_millis":
			row.ThinkingMillis = v.(int64)
		case "tool_call_id":
			row.ToolCallID = v.(string)
		case "tool_name":
			row.ToolName = v.(string)
		case "server_ref":
			row.ServerRef = v.(string)
		case "payload":
			if raw, ok := v.(interface{ MarshalJSON() ([]byte, error) }); ok {
				b, err := raw.MarshalJSON()
				if err != nil {
					return err
				}
				row.Payload = b
			}
		default:
			return fmt.Errorf("unhandled update field %q", k)
		}
	}
	return nil
}

func (m *memBlocks) DeleteByMessage(_ dbctx.Context, messageID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, row := range m.rows {
		if row.MessageID == messageID {
			delete(m.rows, id)
		}
	}
	return nil
}

func (m *memBlocks) DeleteByTopic(_ dbctx.Context, topicID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, row := range m.rows {
		if row.TopicID == topicID {
			delete(m.rows, id)
		}
	}
	return nil
}

func (m *memBlocks) Delete(_ dbctx.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memBlocks) saveCount(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves[id]
}

// ---- notifier ----

type recNotifier struct {
	mu     sync.Mutex
	events []string
	deltas []map[string]any
}

func (n *recNotifier) record(ev string) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recNotifier) TopicCreated(*types.Topic)                       { n.record("TopicCreated") }
func (n *recNotifier) TopicRenamed(uuid.UUID, string)                  { n.record("TopicRenamed") }
func (n *recNotifier) TopicCleared(uuid.UUID)                          { n.record("TopicCleared") }
func (n *recNotifier) MessageCreated(uuid.UUID, *types.Message)        { n.record("MessageCreated") }
func (n *recNotifier) MessageUpdated(uuid.UUID, *types.Message)        { n.record("MessageUpdated") }
func (n *recNotifier) MessageDeleted(uuid.UUID, uuid.UUID)             { n.record("MessageDeleted") }
func (n *recNotifier) BlockCreated(uuid.UUID, *types.MessageBlock)     { n.record("BlockCreated") }
func (n *recNotifier) BlockDelta(_ uuid.UUID, _ uuid.UUID, updates map[string]any) {
	n.mu.Lock()
	n.events = append(n.events, "BlockDelta")
	cp := make(map[string]any, len(updates))
	for k, v := range updates {
		cp[k] = v
	}
	n.deltas = append(n.deltas, cp)
	n.mu.Unlock()
}
func (n *recNotifier) BlockDone(uuid.UUID, uuid.UUID, map[string]any)  { n.record("BlockDone") }
func (n *recNotifier) MessageDone(uuid.UUID, *types.Message)           { n.record("MessageDone") }
func (n *recNotifier) MessageError(uuid.UUID, uuid.UUID, string)       { n.record("MessageError") }

func (n *recNotifier) has(ev string) bool {
	return n.count(ev) > 0
}

func (n *recNotifier) count(ev string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == ev {
			c++
		}
	}
	return c
}

func (n *recNotifier) lastDelta() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.deltas) == 0 {
		return nil
	}
	return n.deltas[len(n.deltas)-1]
}
