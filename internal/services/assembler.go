package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	chatrepo "github.com/nvoss/loomchat-backend/internal/data/repos/chat"
	types "github.com/nvoss/loomchat-backend/internal/domain/chat"
	"github.com/nvoss/loomchat-backend/internal/platform/dbctx"
	"github.com/nvoss/loomchat-backend/internal/platform/logger"
	"github.com/nvoss/loomchat-backend/internal/platform/modelgw"
)

// Assembler folds one generation stream into the blocks of a single
// assistant message. The message starts with a placeholder block; the
// first concrete event reclassifies it in place so the common
// text-first case does not churn block rows. Incremental content rides
// the BlockWriter throttle, terminal transitions write synchronously.
type Assembler struct {
	log    *logger.Logger
	blocks chatrepo.BlockRepo
	writer *BlockWriter
	notify ChatNotifier

	topicID   uuid.UUID
	messageID uuid.UUID

	activeID   uuid.UUID
	activeType string

	textBuf        strings.Builder
	thinkingBuf    strings.Builder
	thinkingMillis int64

	// toolBlocks correlates upstream call ids to their Tool block rows.
	// Entries are removed once the call reaches a terminal status, so a
	// duplicate completion is a logged no-op.
	toolBlocks map[string]uuid.UUID

	nextOrdinal int

	hasToolCall bool
	textLen     int
	usage       *modelgw.Usage
	failed      bool
	completed   bool
}

func NewAssembler(log *logger.Logger, blocks chatrepo.BlockRepo, writer *BlockWriter, notify ChatNotifier, topicID, messageID uuid.UUID) *Assembler {
	return &Assembler{
		log:        log.With("service", "Assembler", "message_id", messageID),
		blocks:     blocks,
		writer:     writer,
		notify:     notify,
		topicID:    topicID,
		messageID:  messageID,
		toolBlocks: make(map[string]uuid.UUID),
	}
}

func (a *Assembler) HasToolCall() bool     { return a.hasToolCall }
func (a *Assembler) TextLen() int          { return a.textLen }
func (a *Assembler) Failed() bool          { return a.failed }
func (a *Assembler) Usage() *modelgw.Usage { return a.usage }

// Begin creates the placeholder block every assistant turn starts with.
func (a *Assembler) Begin(ctx context.Context) error {
	row := &types.MessageBlock{
		ID:        uuid.New(),
		MessageID: a.messageID,
		TopicID:   a.topicID,
		Ordinal:   a.nextOrdinal,
		Type:      types.BlockTypePlaceholder,
		Status:    types.BlockStatusProcessing,
	}
	if _, err := a.blocks.Create(dbctx.Context{Ctx: ctx}, []*types.MessageBlock{row}); err != nil {
		return fmt.Errorf("create placeholder block: %w", err)
	}
	a.nextOrdinal++
	a.activeID = row.ID
	a.activeType = types.BlockTypePlaceholder
	if a.notify != nil {
		a.notify.BlockCreated(a.topicID, row)
	}
	return nil
}

// Apply folds the next stream event into block state. The switch is
// exhaustive over the event union. Once the message is finalized,
// re-applied events are no-ops.
func (a *Assembler) Apply(ctx context.Context, ev modelgw.Event) error {
	if a.completed || a.failed {
		return nil
	}
	switch e := ev.(type) {
	case modelgw.Created:
		return nil

	case modelgw.TextChunk:
		id, err := a.claimOrCreate(ctx, types.BlockTypeMainText, types.BlockStatusStreaming, nil)
		if err != nil {
			return err
		}
		a.textBuf.WriteString(e.Text)
		a.textLen += len(e.Text)
		a.writer.Schedule(ctx, a.topicID, id, map[string]interface{}{
			"content": a.textBuf.String(),
			"status":  types.BlockStatusStreaming,
		})
		return nil

	case modelgw.TextComplete:
		if a.activeType != types.BlockTypeMainText {
			a.log.Warn("text-complete without active main text block", "active_type", a.activeType)
			return nil
		}
		content := e.Text
		if content == "" {
			content = a.textBuf.String()
		}
		return a.finalizeActive(ctx, map[string]interface{}{
			"content": content,
			"status":  types.BlockStatusSuccess,
		})

	case modelgw.ThinkingChunk:
		id, err := a.claimOrCreate(ctx, types.BlockTypeThinking, types.BlockStatusStreaming, nil)
		if err != nil {
			return err
		}
		a.thinkingBuf.WriteString(e.Text)
		if e.ElapsedMilli > a.thinkingMillis {
			a.thinkingMillis = e.ElapsedMilli
		}
		a.writer.Schedule(ctx, a.topicID, id, map[string]interface{}{
			"content":         a.thinkingBuf.String(),
			"thinking_millis": a.thinkingMillis,
			"status":          types.BlockStatusStreaming,
		})
		return nil

	case modelgw.ThinkingComplete:
		if a.activeType != types.BlockTypeThinking {
			a.log.Warn("thinking-complete without active thinking block", "active_type", a.activeType)
			return nil
		}
		content := e.Text
		if content == "" {
			content = a.thinkingBuf.String()
		}
		if e.ElapsedMilli > a.thinkingMillis {
			a.thinkingMillis = e.ElapsedMilli
		}
		return a.finalizeActive(ctx, map[string]interface{}{
			"content":         content,
			"thinking_millis": a.thinkingMillis,
			"status":          types.BlockStatusSuccess,
		})

	case modelgw.ToolInProgress:
		a.hasToolCall = true
		payload := map[string]any{}
		if len(e.Arguments) > 0 {
			payload["arguments"] = json.RawMessage(e.Arguments)
		}
		id, err := a.claimOrCreate(ctx, types.BlockTypeTool, types.BlockStatusProcessing, map[string]interface{}{
			"tool_call_id": e.CallID,
			"tool_name":    e.ToolName,
			"server_ref":   e.ServerRef,
			"payload":      mustJSON(payload),
		})
		if err != nil {
			return err
		}
		a.toolBlocks[e.CallID] = id
		return nil

	case modelgw.ToolComplete:
		return a.completeTool(ctx, e.CallID, e.Response, e.IsError)

	case modelgw.ExternalToolInProgress:
		a.hasToolCall = true
		id, err := a.claimOrCreate(ctx, types.BlockTypeTool, types.BlockStatusProcessing, map[string]interface{}{
			"tool_call_id": e.CallID,
			"tool_name":    e.ToolName,
		})
		if err != nil {
			return err
		}
		a.toolBlocks[e.CallID] = id
		return nil

	case modelgw.ExternalToolComplete:
		return a.completeTool(ctx, e.CallID, e.Response, e.IsError)

	case modelgw.WebSearchInProgress:
		_, err := a.claimOrCreate(ctx, types.BlockTypeCitation, types.BlockStatusProcessing, nil)
		return err

	case modelgw.WebSearchComplete:
		if a.activeType != types.BlockTypeCitation {
			if _, err := a.claimOrCreate(ctx, types.BlockTypeCitation, types.BlockStatusProcessing, nil); err != nil {
				return err
			}
		}
		payload := map[string]any{}
		if len(e.Results) > 0 {
			payload["results"] = json.RawMessage(e.Results)
		}
		return a.finalizeActive(ctx, map[string]interface{}{
			"payload": mustJSON(payload),
			"status":  types.BlockStatusSuccess,
		})

	case modelgw.ImageCreated:
		_, err := a.claimOrCreate(ctx, types.BlockTypeImage, types.BlockStatusStreaming, nil)
		return err

	case modelgw.ImageDelta:
		id, err := a.claimOrCreate(ctx, types.BlockTypeImage, types.BlockStatusStreaming, nil)
		if err != nil {
			return err
		}
		payload := map[string]any{"url": e.URL}
		if len(e.Meta) > 0 {
			payload["meta"] = json.RawMessage(e.Meta)
		}
		a.writer.Schedule(ctx, a.topicID, id, map[string]interface{}{
			"payload": mustJSON(payload),
			"status":  types.BlockStatusStreaming,
		})
		return nil

	case modelgw.ImageGenerated:
		if a.activeType != types.BlockTypeImage {
			if _, err := a.claimOrCreate(ctx, types.BlockTypeImage, types.BlockStatusStreaming, nil); err != nil {
				return err
			}
		}
		payload := map[string]any{"url": e.URL}
		if len(e.Meta) > 0 {
			payload["meta"] = json.RawMessage(e.Meta)
		}
		return a.finalizeActive(ctx, map[string]interface{}{
			"payload": mustJSON(payload),
			"status":  types.BlockStatusSuccess,
		})

	case modelgw.ErrorEvent:
		msg := e.Message
		if msg == "" {
			msg = "generation failed"
		}
		return a.Fail(ctx, msg, false)

	case modelgw.Complete:
		a.usage = e.Usage
		return a.CompleteStream(ctx)

	default:
		a.log.Warn("Unhandled stream event", "event", fmt.Sprintf("%T", ev))
		return nil
	}
}

// CompleteStream finalizes every still-open block to success.
func (a *Assembler) CompleteStream(ctx context.Context) error {
	if a.completed || a.failed {
		return nil
	}
	a.completed = true

	// A placeholder that never received a concrete event becomes an
	// empty successful main text block rather than dangling.
	if a.activeType == types.BlockTypePlaceholder {
		return a.finalizeActive(ctx, map[string]interface{}{
			"type":   types.BlockTypeMainText,
			"status": types.BlockStatusSuccess,
		})
	}
	if a.activeID != uuid.Nil {
		updates := map[string]interface{}{"status": types.BlockStatusSuccess}
		switch a.activeType {
		case types.BlockTypeMainText:
			updates["content"] = a.textBuf.String()
		case types.BlockTypeThinking:
			updates["content"] = a.thinkingBuf.String()
			updates["thinking_millis"] = a.thinkingMillis
		}
		return a.finalizeActive(ctx, updates)
	}
	return nil
}

// Fail finalizes the active block and, unless the failure is a
// cancellation, appends a terminal Error block carrying the error
// record.
func (a *Assembler) Fail(ctx context.Context, errText string, cancelled bool) error {
	if a.completed {
		return nil
	}
	a.failed = true

	status := types.BlockStatusError
	if cancelled {
		status = types.BlockStatusPaused
	}
	if a.activeID != uuid.Nil {
		updates := map[string]interface{}{"status": status}
		if a.activeType == types.BlockTypeMainText {
			updates["content"] = a.textBuf.String()
		}
		if a.activeType == types.BlockTypeThinking {
			updates["content"] = a.thinkingBuf.String()
			updates["thinking_millis"] = a.thinkingMillis
		}
		if err := a.finalizeActive(ctx, updates); err != nil {
			return err
		}
	}
	if cancelled {
		return nil
	}

	row := &types.MessageBlock{
		ID:        uuid.New(),
		MessageID: a.messageID,
		TopicID:   a.topicID,
		Ordinal:   a.nextOrdinal,
		Type:      types.BlockTypeError,
		Status:    types.BlockStatusSuccess,
		Content:   errText,
	}
	if _, err := a.blocks.Create(dbctx.Context{Ctx: ctx}, []*types.MessageBlock{row}); err != nil {
		return fmt.Errorf("create error block: %w", err)
	}
	a.nextOrdinal++
	if a.notify != nil {
		a.notify.BlockCreated(a.topicID, row)
	}
	return nil
}

// AppendNotice adds a standalone explanatory block, used when the tool
// policy retries are exhausted.
func (a *Assembler) AppendNotice(ctx context.Context, content string) error {
	row := &types.MessageBlock{
		ID:        uuid.New(),
		MessageID: a.messageID,
		TopicID:   a.topicID,
		Ordinal:   a.nextOrdinal,
		Type:      types.BlockTypeError,
		Status:    types.BlockStatusSuccess,
		Content:   content,
	}
	if _, err := a.blocks.Create(dbctx.Context{Ctx: ctx}, []*types.MessageBlock{row}); err != nil {
		return fmt.Errorf("create notice block: %w", err)
	}
	a.nextOrdinal++
	if a.notify != nil {
		a.notify.BlockCreated(a.topicID, row)
	}
	return nil
}

// claimOrCreate returns the block carrying blockType content. The
// placeholder is reclassified in place once; if the active block is
// already the wanted type it is reused; otherwise the current active
// block is finalized and a fresh row is created.
func (a *Assembler) claimOrCreate(ctx context.Context, blockType, status string, extra map[string]interface{}) (uuid.UUID, error) {
	if a.activeID != uuid.Nil && a.activeType == blockType {
		return a.activeID, nil
	}

	if a.activeID != uuid.Nil && a.activeType == types.BlockTypePlaceholder {
		updates := map[string]interface{}{
			"type":   blockType,
			"status": status,
		}
		for k, v := range extra {
			updates[k] = v
		}
		if err := a.writeSync(ctx, a.activeID, updates); err != nil {
			return uuid.Nil, fmt.Errorf("reclassify placeholder: %w", err)
		}
		a.activeType = blockType
		return a.activeID, nil
	}

	// Single active block per message: close the previous one before
	// opening the next.
	if a.activeID != uuid.Nil {
		fin := map[string]interface{}{"status": types.BlockStatusSuccess}
		switch a.activeType {
		case types.BlockTypeMainText:
			fin["content"] = a.textBuf.String()
		case types.BlockTypeThinking:
			fin["content"] = a.thinkingBuf.String()
			fin["thinking_millis"] = a.thinkingMillis
		}
		if err := a.finalizeActive(ctx, fin); err != nil {
			return uuid.Nil, err
		}
		if blockType == types.BlockTypeMainText {
			// A new text segment after tool output restarts accumulation.
			a.textBuf.Reset()
		}
	}

	row := &types.MessageBlock{
		ID:        uuid.New(),
		MessageID: a.messageID,
		TopicID:   a.topicID,
		Ordinal:   a.nextOrdinal,
		Type:      blockType,
		Status:    status,
	}
	if extra != nil {
		if v, ok := extra["tool_call_id"].(string); ok {
			row.ToolCallID = v
		}
		if v, ok := extra["tool_name"].(string); ok {
			row.ToolName = v
		}
		if v, ok := extra["server_ref"].(string); ok {
			row.ServerRef = v
		}
		if v, ok := extra["payload"].(datatypes.JSON); ok {
			row.Payload = v
		}
	}
	if _, err := a.blocks.Create(dbctx.Context{Ctx: ctx}, []*types.MessageBlock{row}); err != nil {
		return uuid.Nil, fmt.Errorf("create %s block: %w", blockType, err)
	}
	a.nextOrdinal++
	a.activeID = row.ID
	a.activeType = blockType
	if a.notify != nil {
		a.notify.BlockCreated(a.topicID, row)
	}
	return row.ID, nil
}

func (a *Assembler) completeTool(ctx context.Context, callID string, response json.RawMessage, isError bool) error {
	id, ok := a.toolBlocks[callID]
	if !ok {
		a.log.Warn("tool-complete for unknown call id", "call_id", callID)
		return nil
	}
	delete(a.toolBlocks, callID)

	status := types.BlockStatusSuccess
	if isError {
		status = types.BlockStatusError
	}
	payload := map[string]any{}
	if len(response) > 0 {
		payload["response"] = json.RawMessage(response)
	}
	updates := map[string]interface{}{
		"status":  status,
		"payload": mustJSON(payload),
	}
	if err := a.writeSync(ctx, id, updates); err != nil {
		return err
	}
	if a.activeID == id {
		a.activeID = uuid.Nil
		a.activeType = ""
	}
	return nil
}

// finalizeActive cancels any pending throttled write for the active
// block and persists its terminal state synchronously.
func (a *Assembler) finalizeActive(ctx context.Context, updates map[string]interface{}) error {
	id := a.activeID
	if id == uuid.Nil {
		return nil
	}
	if err := a.writeSync(ctx, id, updates); err != nil {
		return err
	}
	a.activeID = uuid.Nil
	a.activeType = ""
	return nil
}

func (a *Assembler) writeSync(ctx context.Context, blockID uuid.UUID, updates map[string]interface{}) error {
	a.writer.Discard(blockID)
	if err := a.blocks.UpdateFields(dbctx.Context{Ctx: ctx}, blockID, updates); err != nil {
		return fmt.Errorf("write block %s: %w", blockID, err)
	}
	if a.notify != nil {
		if st, ok := updates["status"].(string); ok && types.BlockStatusTerminal(st) {
			a.notify.BlockDone(a.topicID, blockID, updates)
		} else {
			a.notify.BlockDelta(a.topicID, blockID, updates)
		}
	}
	return nil
}

func mustJSON(v map[string]any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}
