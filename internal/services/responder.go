package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	chatrepo "github.com/nvoss/loomchat-backend/internal/data/repos/chat"
	types "github.com/nvoss/loomchat-backend/internal/domain/chat"
	"github.com/nvoss/loomchat-backend/internal/platform/dbctx"
	"github.com/nvoss/loomchat-backend/internal/platform/logger"
	"github.com/nvoss/loomchat-backend/internal/platform/modelgw"
)

// errPolicyStop aborts a generation stream because the tool policy
// decided the attempt is over; it never surfaces to callers.
var errPolicyStop = errors.New("tool policy stop")

// ResponderDeps is the explicit wiring of the response orchestrator.
type ResponderDeps struct {
	Topics     chatrepo.TopicRepo
	Messages   chatrepo.MessageRepo
	Blocks     chatrepo.BlockRepo
	Writer     *BlockWriter
	Notify     ChatNotifier
	Gateway    modelgw.Client
	Tools      ToolRunner
	Compressor *Compressor
	Enforcer   *Enforcer
	Queue      *TopicQueue
	Aborts     *modelgw.AbortRegistry
	Profiles   map[string]AssistantProfile
}

// Responder owns the lifecycle of assistant responses: it creates the
// message rows for a user turn, queues one generation task per
// mentioned assistant profile, and drives each stream through the
// assembler, compressor and tool policy. Tasks for one topic run
// serialized; topics are independent.
type Responder struct {
	log *logger.Logger
	d   ResponderDeps
}

type responseTask struct {
	TopicID            uuid.UUID
	UserMessageID      uuid.UUID
	AssistantMessageID uuid.UUID
	Profile            AssistantProfile
	Attempt            AttemptState
}

func NewResponder(log *logger.Logger, d ResponderDeps) *Responder {
	return &Responder{log: log.With("service", "Responder"), d: d}
}

func (r *Responder) profile(ref string) AssistantProfile {
	if p, ok := r.d.Profiles[ref]; ok {
		return p
	}
	if p, ok := r.d.Profiles["default"]; ok {
		return p
	}
	return AssistantProfile{Name: ref, ContextCount: 20}
}

// Send records a user turn and queues one assistant response per
// mentioned profile. All responses share the user message id as their
// ask id, so clients can render them as siblings.
func (r *Responder) Send(ctx context.Context, topicID uuid.UUID, text string, mentions []string) (*types.Message, []*types.Message, error) {
	dbc := dbctx.Context{Ctx: ctx}
	topic, err := r.d.Topics.GetByID(dbc, topicID)
	if err != nil {
		return nil, nil, fmt.Errorf("load topic: %w", err)
	}

	seq, err := r.d.Topics.NextSeq(dbc, topicID)
	if err != nil {
		return nil, nil, err
	}
	userMsg := &types.Message{
		ID:      uuid.New(),
		TopicID: topicID,
		Seq:     seq,
		Role:    types.RoleUser,
		Status:  types.MessageStatusSuccess,
	}
	if _, err := r.d.Messages.Create(dbc, []*types.Message{userMsg}); err != nil {
		return nil, nil, fmt.Errorf("create user message: %w", err)
	}
	userBlock := &types.MessageBlock{
		ID:        uuid.New(),
		MessageID: userMsg.ID,
		TopicID:   topicID,
		Ordinal:   0,
		Type:      types.BlockTypeMainText,
		Status:    types.BlockStatusSuccess,
		Content:   text,
	}
	if _, err := r.d.Blocks.Create(dbc, []*types.MessageBlock{userBlock}); err != nil {
		return nil, nil, fmt.Errorf("create user block: %w", err)
	}
	r.d.Notify.MessageCreated(topicID, userMsg)

	if len(mentions) == 0 {
		ref := topic.AssistantRef
		if ref == "" {
			ref = "default"
		}
		mentions = []string{ref}
	}

	assistants := make([]*types.Message, 0, len(mentions))
	for _, ref := range mentions {
		asst, err := r.spawnAssistant(ctx, topicID, userMsg.ID, ref, text)
		if err != nil {
			return nil, nil, err
		}
		assistants = append(assistants, asst)
	}
	return userMsg, assistants, nil
}

// spawnAssistant creates a pending assistant sibling for the given ask
// and queues its first generation attempt.
func (r *Responder) spawnAssistant(ctx context.Context, topicID, askID uuid.UUID, assistantRef, userText string) (*types.Message, error) {
	dbc := dbctx.Context{Ctx: ctx}
	prof := r.profile(assistantRef)

	seq, err := r.d.Topics.NextSeq(dbc, topicID)
	if err != nil {
		return nil, err
	}
	ask := askID
	asst := &types.Message{
		ID:           uuid.New(),
		TopicID:      topicID,
		Seq:          seq,
		Role:         types.RoleAssistant,
		Status:       types.MessageStatusPending,
		AskID:        &ask,
		ModelRef:     prof.ModelRef,
		AssistantRef: assistantRef,
	}
	if _, err := r.d.Messages.Create(dbc, []*types.Message{asst}); err != nil {
		return nil, fmt.Errorf("create assistant message: %w", err)
	}
	r.d.Notify.MessageCreated(topicID, asst)

	r.enqueue(responseTask{
		TopicID:            topicID,
		UserMessageID:      askID,
		AssistantMessageID: asst.ID,
		Profile:            prof,
		Attempt:            AttemptState{OriginalText: userText},
	})
	return asst, nil
}

// Resend reruns every assistant response answering the given user
// message, resetting each sibling before requeueing it.
func (r *Responder) Resend(ctx context.Context, userMessageID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	userMsg, err := r.d.Messages.GetByID(dbc, userMessageID)
	if err != nil {
		return err
	}
	if userMsg.Role != types.RoleUser {
		return fmt.Errorf("resend targets a user message")
	}
	text, err := r.messageText(ctx, userMessageID)
	if err != nil {
		return err
	}

	siblings, err := r.d.Messages.ListByAskID(dbc, userMessageID)
	if err != nil {
		return err
	}
	if len(siblings) == 0 {
		_, err := r.spawnAssistant(ctx, userMsg.TopicID, userMessageID, "", text)
		return err
	}
	for _, sib := range siblings {
		if sib.Role != types.RoleAssistant {
			continue
		}
		if err := r.resetAssistant(ctx, sib); err != nil {
			return err
		}
		r.enqueue(responseTask{
			TopicID:            sib.TopicID,
			UserMessageID:      userMessageID,
			AssistantMessageID: sib.ID,
			Profile:            r.profile(sib.AssistantRef),
			Attempt:            AttemptState{OriginalText: text},
		})
	}
	return nil
}

// Regenerate reruns a single assistant response in place.
func (r *Responder) Regenerate(ctx context.Context, assistantMessageID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	msg, err := r.d.Messages.GetByID(dbc, assistantMessageID)
	if err != nil {
		return err
	}
	if msg.Role != types.RoleAssistant || msg.AskID == nil {
		return fmt.Errorf("regenerate targets an assistant message")
	}
	text, err := r.messageText(ctx, *msg.AskID)
	if err != nil {
		return err
	}
	if err := r.resetAssistant(ctx, msg); err != nil {
		return err
	}
	r.enqueue(responseTask{
		TopicID:            msg.TopicID,
		UserMessageID:      *msg.AskID,
		AssistantMessageID: msg.ID,
		Profile:            r.profile(msg.AssistantRef),
		Attempt:            AttemptState{OriginalText: text},
	})
	return nil
}

// Append adds one more assistant sibling answering an existing user
// turn with a different profile.
func (r *Responder) Append(ctx context.Context, userMessageID uuid.UUID, assistantRef string) (*types.Message, error) {
	dbc := dbctx.Context{Ctx: ctx}
	userMsg, err := r.d.Messages.GetByID(dbc, userMessageID)
	if err != nil {
		return nil, err
	}
	if userMsg.Role != types.RoleUser {
		return nil, fmt.Errorf("append targets a user message")
	}
	text, err := r.messageText(ctx, userMessageID)
	if err != nil {
		return nil, err
	}
	return r.spawnAssistant(ctx, userMsg.TopicID, userMessageID, assistantRef, text)
}

// Cancel aborts the in-flight generation for an assistant message. The
// stream winds down to paused, not error.
func (r *Responder) Cancel(_ context.Context, assistantMessageID uuid.UUID) bool {
	return r.d.Aborts.Abort(assistantMessageID)
}

func (r *Responder) enqueue(task responseTask) {
	r.d.Queue.Enqueue(context.Background(), task.TopicID, func(ctx context.Context) {
		r.runAttempt(ctx, task)
	})
}

func (r *Responder) runAttempt(ctx context.Context, task responseTask) {
	tracer := otel.Tracer("loomchat/responder")
	ctx, span := tracer.Start(ctx, "respond",
		trace.WithAttributes(
			attribute.String("topic_id", task.TopicID.String()),
			attribute.String("message_id", task.AssistantMessageID.String()),
			attribute.Int("retry_count", task.Attempt.RetryCount),
		))
	defer span.End()

	log := r.log.With("message_id", task.AssistantMessageID, "retry_count", task.Attempt.RetryCount)
	dbc := dbctx.Context{Ctx: ctx}

	if err := r.d.Messages.UpdateFields(dbc, task.AssistantMessageID, map[string]interface{}{
		"status": types.MessageStatusStreaming,
	}); err != nil {
		log.Error("Failed to mark message streaming", "error", err)
		return
	}

	prompt, promptTokens, err := r.buildPrompt(ctx, task)
	if err != nil {
		log.Error("Failed to build prompt", "error", err)
		r.finalizeError(ctx, task, "failed to assemble conversation context")
		return
	}

	asm := NewAssembler(r.log, r.d.Blocks, r.d.Writer, r.d.Notify, task.TopicID, task.AssistantMessageID)
	gctx := r.d.Aborts.Register(ctx, task.AssistantMessageID)
	defer r.d.Aborts.Release(task.AssistantMessageID)

	if err := asm.Begin(gctx); err != nil {
		log.Error("Failed to open placeholder block", "error", err)
		r.finalizeError(ctx, task, "failed to start response")
		return
	}

	attempt := task.Attempt
	verdict := DecisionContinue

	req := modelgw.ResponseRequest{
		Model:     task.Profile.ModelRef,
		System:    task.Profile.SystemPrompt,
		Messages:  prompt,
		Tools:     task.Profile.GatewayTools(),
		EnableWeb: task.Profile.EnableWeb,
	}
	if task.Profile.ToolMandatory {
		req.ToolChoice = "required"
	}

	streamErr := r.d.Gateway.StreamResponse(gctx, req, func(ev modelgw.Event) error {
		if task.Profile.ToolMandatory {
			if d := r.d.Enforcer.Observe(&attempt, ev); d != DecisionContinue {
				verdict = d
				return errPolicyStop
			}
		}
		if err := asm.Apply(gctx, ev); err != nil {
			return err
		}
		if tip, ok := ev.(modelgw.ToolInProgress); ok && tip.ServerRef != "" && r.d.Tools != nil {
			r.execTool(gctx, asm, tip)
		}
		return nil
	})

	switch {
	case verdict == DecisionRetry:
		r.retryAttempt(ctx, task, attempt)
		return
	case verdict == DecisionExhausted:
		r.finishExhausted(ctx, task, asm, promptTokens)
		return
	case streamErr != nil && (errors.Is(streamErr, context.Canceled) || gctx.Err() != nil):
		log.Info("Generation cancelled; pausing message")
		_ = asm.Fail(ctx, "", true)
		r.finalizePaused(ctx, task)
		return
	case streamErr != nil:
		log.Warn("Generation stream failed", "error", streamErr)
		_ = asm.Fail(ctx, streamErr.Error(), false)
		r.finalizeError(ctx, task, streamErr.Error())
		return
	case asm.Failed():
		// The stream carried an error event and ended cleanly.
		r.finalizeError(ctx, task, "generation reported an error")
		return
	}

	// Stream ended without a complete event in some gateway versions;
	// the policy check still applies to the full response.
	if task.Profile.ToolMandatory {
		switch r.d.Enforcer.Recheck(&attempt) {
		case DecisionRetry:
			r.retryAttempt(ctx, task, attempt)
			return
		case DecisionExhausted:
			r.finishExhausted(ctx, task, asm, promptTokens)
			return
		}
	}
	if err := asm.CompleteStream(ctx); err != nil {
		log.Warn("Failed to finalize blocks", "error", err)
	}
	r.finalizeSuccess(ctx, task, asm, promptTokens)
}

// buildPrompt assembles the conversation window for one attempt. A
// retry forces a minimal window so the directive dominates.
func (r *Responder) buildPrompt(ctx context.Context, task responseTask) ([]modelgw.PromptMessage, int, error) {
	dbc := dbctx.Context{Ctx: ctx}
	count := task.Profile.ContextCount
	if count <= 0 {
		count = 20
	}
	if task.Attempt.RetryCount > 0 {
		count = r.d.Enforcer.Config().RetryContextCount
	}

	recent, err := r.d.Messages.ListRecent(dbc, task.TopicID, count+1)
	if err != nil {
		return nil, 0, err
	}

	cms := make([]ContextMessage, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if m.ID == task.AssistantMessageID {
			continue
		}
		if m.Role == types.RoleAssistant && !types.MessageStatusTerminal(m.Status) {
			continue
		}
		text, err := r.messageText(ctx, m.ID)
		if err != nil {
			return nil, 0, err
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		cms = append(cms, ContextMessage{Role: m.Role, Content: text})
	}
	if len(cms) > count {
		cms = cms[len(cms)-count:]
	}

	if task.Profile.CompressContext && r.d.Compressor != nil {
		cms = r.d.Compressor.Compress(cms)
	}

	out := make([]modelgw.PromptMessage, 0, len(cms))
	tokens := 0
	for _, cm := range cms {
		tokens += EstimateTokens(cm.Content)
		out = append(out, modelgw.PromptMessage{Role: cm.Role, Content: cm.Content})
	}
	return out, tokens, nil
}

// messageText concatenates a message's main text blocks.
func (r *Responder) messageText(ctx context.Context, messageID uuid.UUID) (string, error) {
	rows, err := r.d.Blocks.ListByMessage(dbctx.Context{Ctx: ctx}, messageID)
	if err != nil {
		return "", err
	}
	var parts []string
	for _, b := range rows {
		if b.Type == types.BlockTypeMainText && b.Content != "" {
			parts = append(parts, b.Content)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func (r *Responder) execTool(ctx context.Context, asm *Assembler, tip modelgw.ToolInProgress) {
	resp, err := r.d.Tools.Run(ctx, ToolRequest{
		ToolName:  tip.ToolName,
		ServerRef: tip.ServerRef,
		Arguments: tip.Arguments,
	})
	synth := modelgw.ToolComplete{CallID: tip.CallID, ToolName: tip.ToolName}
	if err != nil {
		synth.IsError = true
		synth.Response, _ = json.Marshal(map[string]string{"error": err.Error()})
	} else {
		synth.IsError = resp.IsError
		synth.Response, _ = json.Marshal(resp)
	}
	if applyErr := asm.Apply(ctx, synth); applyErr != nil {
		r.log.Warn("Failed to record tool result", "call_id", tip.CallID, "error", applyErr)
	}
}

// retryAttempt resets the assistant message, rewrites the triggering
// user text with the escalating directive, and requeues the attempt
// after the policy delay.
func (r *Responder) retryAttempt(ctx context.Context, task responseTask, attempt AttemptState) {
	dbc := dbctx.Context{Ctx: ctx}
	log := r.log.With("message_id", task.AssistantMessageID)

	if err := r.d.Blocks.DeleteByMessage(dbc, task.AssistantMessageID); err != nil {
		log.Error("Failed to discard blocks for retry", "error", err)
	}
	if err := r.d.Messages.UpdateFields(dbc, task.AssistantMessageID, map[string]interface{}{
		"status": types.MessageStatusPending,
	}); err != nil {
		log.Error("Failed to reset message for retry", "error", err)
	}
	r.notifyMessage(ctx, task.TopicID, task.AssistantMessageID, false)

	rewritten := r.d.Enforcer.RewriteUserText(&attempt)
	if err := r.rewriteUserBlock(ctx, task.UserMessageID, task.TopicID, rewritten); err != nil {
		log.Warn("Failed to rewrite user text for retry", "error", err)
	}

	delay := r.d.Enforcer.Config().RetryDelay
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	next := task
	next.Attempt = AttemptState{
		RetryCount:   attempt.RetryCount + 1,
		OriginalText: attempt.OriginalText,
	}
	r.enqueue(next)
}

func (r *Responder) rewriteUserBlock(ctx context.Context, userMessageID, topicID uuid.UUID, text string) error {
	rows, err := r.d.Blocks.ListByMessage(dbctx.Context{Ctx: ctx}, userMessageID)
	if err != nil {
		return err
	}
	for _, b := range rows {
		if b.Type != types.BlockTypeMainText {
			continue
		}
		if err := r.d.Blocks.UpdateFields(dbctx.Context{Ctx: ctx}, b.ID, map[string]interface{}{
			"content": text,
		}); err != nil {
			return err
		}
		r.d.Notify.BlockDelta(topicID, b.ID, map[string]any{"content": text})
		return nil
	}
	return fmt.Errorf("user message has no text block")
}

// restoreUserText removes the retry directive from the triggering user
// message once the retry loop is over, so the stored turn reads as the
// user wrote it.
func (r *Responder) restoreUserText(ctx context.Context, task responseTask) {
	if task.Attempt.RetryCount == 0 {
		return
	}
	current, err := r.messageText(ctx, task.UserMessageID)
	if err != nil {
		r.log.Warn("Failed to load user text for restore", "error", err)
		return
	}
	restored := r.d.Enforcer.StripDirectives(current)
	if restored == current {
		return
	}
	if err := r.rewriteUserBlock(ctx, task.UserMessageID, task.TopicID, restored); err != nil {
		r.log.Warn("Failed to restore user text", "error", err)
	}
}

// resetAssistant clears an assistant message back to pending and drops
// its blocks.
func (r *Responder) resetAssistant(ctx context.Context, msg *types.Message) error {
	dbc := dbctx.Context{Ctx: ctx}
	if !types.MessageStatusTerminal(msg.Status) {
		r.d.Aborts.Abort(msg.ID)
	}
	if err := r.d.Blocks.DeleteByMessage(dbc, msg.ID); err != nil {
		return err
	}
	if err := r.d.Messages.UpdateFields(dbc, msg.ID, map[string]interface{}{
		"status": types.MessageStatusPending,
		"usage":  datatypes.JSON([]byte("{}")),
	}); err != nil {
		return err
	}
	r.notifyMessage(ctx, msg.TopicID, msg.ID, false)
	return nil
}

func (r *Responder) finishExhausted(ctx context.Context, task responseTask, asm *Assembler, promptTokens int) {
	if err := asm.AppendNotice(ctx, r.d.Enforcer.Config().ExhaustedNotice); err != nil {
		r.log.Warn("Failed to append exhaustion notice", "error", err)
	}
	if err := asm.CompleteStream(ctx); err != nil {
		r.log.Warn("Failed to finalize blocks", "error", err)
	}
	// Exhaustion finishes in success so the conversation is not stuck.
	r.finalizeSuccess(ctx, task, asm, promptTokens)
}

func (r *Responder) finalizeSuccess(ctx context.Context, task responseTask, asm *Assembler, promptTokens int) {
	r.restoreUserText(ctx, task)
	usage := types.TokenUsage{}
	if u := asm.Usage(); u != nil {
		usage.PromptTokens = u.PromptTokens
		usage.CompletionTokens = u.CompletionTokens
		usage.TotalTokens = u.TotalTokens
	} else {
		// The gateway reported no usage; estimate from text volume.
		usage.PromptTokens = int64(promptTokens)
		usage.CompletionTokens = int64(asm.TextLen())
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		usage.Estimated = true
	}
	raw, _ := json.Marshal(usage)

	dbc := dbctx.Context{Ctx: ctx}
	if err := r.d.Messages.UpdateFields(dbc, task.AssistantMessageID, map[string]interface{}{
		"status": types.MessageStatusSuccess,
		"usage":  datatypes.JSON(raw),
	}); err != nil {
		r.log.Error("Failed to finalize message", "message_id", task.AssistantMessageID, "error", err)
		return
	}
	r.notifyMessage(ctx, task.TopicID, task.AssistantMessageID, true)
}

func (r *Responder) finalizePaused(ctx context.Context, task responseTask) {
	r.restoreUserText(ctx, task)
	dbc := dbctx.Context{Ctx: ctx}
	if err := r.d.Messages.UpdateFields(dbc, task.AssistantMessageID, map[string]interface{}{
		"status": types.MessageStatusPaused,
	}); err != nil {
		r.log.Error("Failed to pause message", "message_id", task.AssistantMessageID, "error", err)
		return
	}
	r.notifyMessage(ctx, task.TopicID, task.AssistantMessageID, false)
}

func (r *Responder) finalizeError(ctx context.Context, task responseTask, errText string) {
	r.restoreUserText(ctx, task)
	dbc := dbctx.Context{Ctx: ctx}
	if err := r.d.Messages.UpdateFields(dbc, task.AssistantMessageID, map[string]interface{}{
		"status": types.MessageStatusError,
	}); err != nil {
		r.log.Error("Failed to mark message errored", "message_id", task.AssistantMessageID, "error", err)
	}
	r.d.Notify.MessageError(task.TopicID, task.AssistantMessageID, errText)
}

func (r *Responder) notifyMessage(ctx context.Context, topicID, messageID uuid.UUID, done bool) {
	msg, err := r.d.Messages.GetByID(dbctx.Context{Ctx: ctx}, messageID)
	if err != nil {
		return
	}
	if done {
		r.d.Notify.MessageDone(topicID, msg)
		return
	}
	r.d.Notify.MessageUpdated(topicID, msg)
}
