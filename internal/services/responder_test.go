package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/nvoss/loomchat-backend/internal/domain/chat"
	"github.com/nvoss/loomchat-backend/internal/platform/dbctx"
	"github.com/nvoss/loomchat-backend/internal/platform/modelgw"
)

// streamScript plays one scripted gateway call.
type streamScript func(ctx context.Context, req modelgw.ResponseRequest, onEvent func(modelgw.Event) error) error

type fakeGateway struct {
	mu      sync.Mutex
	scripts []streamScript
	reqs    []modelgw.ResponseRequest
}

func (g *fakeGateway) StreamResponse(ctx context.Context, req modelgw.ResponseRequest, onEvent func(modelgw.Event) error) error {
	g.mu.Lock()
	idx := len(g.reqs)
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	if idx >= len(g.scripts) {
		return fmt.Errorf("unexpected gateway call %d", idx)
	}
	return g.scripts[idx](ctx, req, onEvent)
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reqs)
}

func (g *fakeGateway) request(i int) modelgw.ResponseRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reqs[i]
}

// playEvents builds a script that feeds a fixed event sequence.
func playEvents(events ...modelgw.Event) streamScript {
	return func(_ context.Context, _ modelgw.ResponseRequest, onEvent func(modelgw.Event) error) error {
		for _, ev := range events {
			if err := onEvent(ev); err != nil {
				return err
			}
		}
		return nil
	}
}

type fakeTools struct {
	mu   sync.Mutex
	reqs []ToolRequest
}

func (f *fakeTools) Run(_ context.Context, req ToolRequest) (ToolResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return ToolResponse{Content: []ToolContent{{Type: "text", Text: "service restarted"}}}, nil
}

type responderEnv struct {
	topics   *memTopics
	messages *memMessages
	blocks   *memBlocks
	notify   *recNotifier
	gateway  *fakeGateway
	tools    *fakeTools
	queue    *TopicQueue
	aborts   *modelgw.AbortRegistry
	resp     *Responder
	topicID  uuid.UUID
}

func newResponderEnv(t *testing.T, profiles map[string]AssistantProfile, scripts ...streamScript) *responderEnv {
	t.Helper()
	log := testLogger()

	env := &responderEnv{
		topics:   newMemTopics(),
		messages: newMemMessages(),
		blocks:   newMemBlocks(),
		notify:   &recNotifier{},
		gateway:  &fakeGateway{scripts: scripts},
		tools:    &fakeTools{},
		queue:    NewTopicQueue(log),
		aborts:   modelgw.NewAbortRegistry(),
	}

	ecfg := DefaultEnforcerConfig()
	ecfg.MaxRetries = 2
	ecfg.RetryDelay = 0

	if profiles == nil {
		profiles = map[string]AssistantProfile{
			"default": {Name: "default", ContextCount: 20},
		}
	}

	env.resp = NewResponder(log, ResponderDeps{
		Topics:     env.topics,
		Messages:   env.messages,
		Blocks:     env.blocks,
		Writer:     NewBlockWriter(log, env.blocks, env.notify, WithWriteWindow(time.Millisecond)),
		Notify:     env.notify,
		Gateway:    env.gateway,
		Tools:      env.tools,
		Compressor: NewCompressor(log, DefaultCompressorConfig()),
		Enforcer:   NewEnforcer(log, ecfg),
		Queue:      env.queue,
		Aborts:     env.aborts,
		Profiles:   profiles,
	})

	topic := &types.Topic{ID: uuid.New(), Title: "test", AssistantRef: "default", NextSeq: 1}
	if _, err := env.topics.Create(dbctx.Context{Ctx: context.Background()}, topic); err != nil {
		t.Fatalf("seed topic: %v", err)
	}
	env.topicID = topic.ID
	return env
}

func (env *responderEnv) message(t *testing.T, id uuid.UUID) *types.Message {
	t.Helper()
	msg, err := env.messages.GetByID(dbctx.Context{Ctx: context.Background()}, id)
	if err != nil {
		t.Fatalf("load message %s: %v", id, err)
	}
	return msg
}

func (env *responderEnv) blocksOf(t *testing.T, messageID uuid.UUID) []*types.MessageBlock {
	t.Helper()
	rows, err := env.blocks.ListByMessage(dbctx.Context{Ctx: context.Background()}, messageID)
	if err != nil {
		t.Fatalf("load blocks: %v", err)
	}
	return rows
}

func decodeUsage(t *testing.T, msg *types.Message) types.TokenUsage {
	t.Helper()
	var u types.TokenUsage
	if err := json.Unmarshal(msg.Usage, &u); err != nil {
		t.Fatalf("decode usage %q: %v", string(msg.Usage), err)
	}
	return u
}

func TestSendStreamsTextToSuccess(t *testing.T) {
	env := newResponderEnv(t, nil, playEvents(
		modelgw.Created{},
		modelgw.TextChunk{Text: "Here you go."},
		modelgw.Complete{},
	))

	userMsg, assistants, err := env.resp.Send(context.Background(), env.topicID, "hi", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	env.queue.Wait()

	if len(assistants) != 1 {
		t.Fatalf("expected 1 assistant, got %d", len(assistants))
	}
	if userMsg.Status != types.MessageStatusSuccess {
		t.Fatalf("user message status = %q", userMsg.Status)
	}

	asst := env.message(t, assistants[0].ID)
	if asst.Status != types.MessageStatusSuccess {
		t.Fatalf("assistant status = %q", asst.Status)
	}
	rows := env.blocksOf(t, asst.ID)
	if len(rows) != 1 {
		t.Fatalf("expected 1 block, got %d", len(rows))
	}
	if rows[0].Type != types.BlockTypeMainText || rows[0].Content != "Here you go." {
		t.Fatalf("block = %q %q", rows[0].Type, rows[0].Content)
	}
	if rows[0].Status != types.BlockStatusSuccess {
		t.Fatalf("block status = %q", rows[0].Status)
	}

	usage := decodeUsage(t, asst)
	if !usage.Estimated {
		t.Fatal("usage should be estimated when the gateway reports none")
	}
	if usage.CompletionTokens != int64(len("Here you go.")) {
		t.Fatalf("completion tokens = %d", usage.CompletionTokens)
	}
	if !env.notify.has("MessageDone") {
		t.Fatal("no MessageDone notification")
	}
}

func TestSendFanOutSharesAskID(t *testing.T) {
	profiles := map[string]AssistantProfile{
		"default": {Name: "default", ContextCount: 20},
		"critic":  {Name: "critic", ContextCount: 20},
	}
	env := newResponderEnv(t, profiles,
		playEvents(modelgw.TextChunk{Text: "take one"}, modelgw.Complete{}),
		playEvents(modelgw.TextChunk{Text: "take two"}, modelgw.Complete{}),
	)

	userMsg, assistants, err := env.resp.Send(context.Background(), env.topicID, "compare", []string{"default", "critic"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	env.queue.Wait()

	if len(assistants) != 2 {
		t.Fatalf("expected 2 assistants, got %d", len(assistants))
	}
	if assistants[0].ID == assistants[1].ID {
		t.Fatal("siblings share a message id")
	}
	for _, a := range assistants {
		row := env.message(t, a.ID)
		if row.AskID == nil || *row.AskID != userMsg.ID {
			t.Fatalf("assistant %s ask id = %v, want %s", a.ID, row.AskID, userMsg.ID)
		}
		if row.Status != types.MessageStatusSuccess {
			t.Fatalf("assistant %s status = %q", a.ID, row.Status)
		}
	}
	if env.gateway.calls() != 2 {
		t.Fatalf("gateway calls = %d, want 2", env.gateway.calls())
	}
}

func TestCancelPausesInFlightGeneration(t *testing.T) {
	started := make(chan struct{})
	env := newResponderEnv(t, nil, func(ctx context.Context, _ modelgw.ResponseRequest, onEvent func(modelgw.Event) error) error {
		if err := onEvent(modelgw.TextChunk{Text: "partial "}); err != nil {
			return err
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	_, assistants, err := env.resp.Send(context.Background(), env.topicID, "long job", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("stream never started")
	}
	if !env.resp.Cancel(context.Background(), assistants[0].ID) {
		t.Fatal("Cancel found no in-flight generation")
	}
	env.queue.Wait()

	asst := env.message(t, assistants[0].ID)
	if asst.Status != types.MessageStatusPaused {
		t.Fatalf("assistant status = %q, want paused", asst.Status)
	}
	rows := env.blocksOf(t, asst.ID)
	if len(rows) != 1 {
		t.Fatalf("expected 1 block after cancel, got %d", len(rows))
	}
	if rows[0].Status != types.BlockStatusPaused || rows[0].Content != "partial " {
		t.Fatalf("block = %q %q", rows[0].Status, rows[0].Content)
	}
	if env.notify.has("MessageError") {
		t.Fatal("cancellation must not report an error")
	}
}

func TestToolMandatoryRetryThenSuccess(t *testing.T) {
	profiles := map[string]AssistantProfile{
		"default": {Name: "default", ContextCount: 20},
		"ops": {
			Name:          "ops",
			ContextCount:  20,
			ToolMandatory: true,
			Tools: []ProfileTool{
				{Name: "restart", ServerRef: "srv", Description: "restart a service"},
			},
		},
	}
	env := newResponderEnv(t, profiles,
		// First attempt answers in prose and is cut off by the policy.
		playEvents(modelgw.TextChunk{Text: strings.Repeat("talk ", 20)}),
		playEvents(
			modelgw.ToolInProgress{CallID: "c1", ToolName: "restart", ServerRef: "srv", Arguments: json.RawMessage(`{"svc":"web"}`)},
			modelgw.TextChunk{Text: "Restarted."},
			modelgw.Complete{Usage: &modelgw.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		),
	)

	userMsg, assistants, err := env.resp.Send(context.Background(), env.topicID, "check the deploy", []string{"ops"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	env.queue.Wait()

	if env.gateway.calls() != 2 {
		t.Fatalf("gateway calls = %d, want 2", env.gateway.calls())
	}
	if tc := env.gateway.request(0).ToolChoice; tc != "required" {
		t.Fatalf("tool choice = %q, want required", tc)
	}

	// The retry prompt carries the escalating directive.
	retryReq := env.gateway.request(1)
	last := retryReq.Messages[len(retryReq.Messages)-1]
	wantText := DefaultEnforcerConfig().Directives[0] + "check the deploy"
	if last.Content != wantText {
		t.Fatalf("retry prompt = %q, want %q", last.Content, wantText)
	}
	// Once the turn finishes the directive is stripped back out of the
	// stored user text.
	userRows := env.blocksOf(t, userMsg.ID)
	if userRows[0].Content != "check the deploy" {
		t.Fatalf("user block = %q, want original text restored", userRows[0].Content)
	}

	asst := env.message(t, assistants[0].ID)
	if asst.Status != types.MessageStatusSuccess {
		t.Fatalf("assistant status = %q", asst.Status)
	}
	rows := env.blocksOf(t, asst.ID)
	if len(rows) != 2 {
		t.Fatalf("expected tool + text blocks, got %d", len(rows))
	}
	if rows[0].Type != types.BlockTypeTool || rows[0].Status != types.BlockStatusSuccess || rows[0].ToolCallID != "c1" {
		t.Fatalf("tool block = %+v", rows[0])
	}
	if !strings.Contains(string(rows[0].Payload), "service restarted") {
		t.Fatalf("tool payload missing runner response: %s", rows[0].Payload)
	}
	if rows[1].Type != types.BlockTypeMainText || rows[1].Content != "Restarted." {
		t.Fatalf("text block = %q %q", rows[1].Type, rows[1].Content)
	}

	env.tools.mu.Lock()
	toolCalls := len(env.tools.reqs)
	env.tools.mu.Unlock()
	if toolCalls != 1 {
		t.Fatalf("tool runner calls = %d, want 1", toolCalls)
	}

	usage := decodeUsage(t, asst)
	if usage.Estimated || usage.TotalTokens != 15 {
		t.Fatalf("usage = %+v, want reported totals", usage)
	}
}

func TestToolMandatoryExhaustionEndsInSuccess(t *testing.T) {
	profiles := map[string]AssistantProfile{
		"default": {Name: "default", ContextCount: 20},
		"ops":     {Name: "ops", ContextCount: 20, ToolMandatory: true},
	}
	prose := playEvents(modelgw.TextChunk{Text: strings.Repeat("talk ", 20)})
	env := newResponderEnv(t, profiles, prose, prose, prose)

	userMsg, assistants, err := env.resp.Send(context.Background(), env.topicID, "do it", []string{"ops"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	env.queue.Wait()

	// MaxRetries is 2 in the test wiring: two retries, then exhaustion.
	if env.gateway.calls() != 3 {
		t.Fatalf("gateway calls = %d, want 3", env.gateway.calls())
	}

	asst := env.message(t, assistants[0].ID)
	if asst.Status != types.MessageStatusSuccess {
		t.Fatalf("assistant status = %q, want success after exhaustion", asst.Status)
	}
	rows := env.blocksOf(t, asst.ID)
	var notice *types.MessageBlock
	for _, b := range rows {
		if b.Type == types.BlockTypeError {
			notice = b
		}
	}
	if notice == nil {
		t.Fatalf("no explanatory block in %d blocks", len(rows))
	}
	if notice.Content != DefaultEnforcerConfig().ExhaustedNotice {
		t.Fatalf("notice = %q", notice.Content)
	}
	if env.notify.has("MessageError") {
		t.Fatal("exhaustion must not report an error")
	}
	userRows := env.blocksOf(t, userMsg.ID)
	if userRows[0].Content != "do it" {
		t.Fatalf("user block = %q, want directives stripped after exhaustion", userRows[0].Content)
	}
}

func TestRegenerateRerunsInPlace(t *testing.T) {
	env := newResponderEnv(t, nil,
		playEvents(modelgw.TextChunk{Text: "first draft"}, modelgw.Complete{}),
		playEvents(modelgw.TextChunk{Text: "second draft"}, modelgw.Complete{}),
	)

	_, assistants, err := env.resp.Send(context.Background(), env.topicID, "write it", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	env.queue.Wait()

	if err := env.resp.Regenerate(context.Background(), assistants[0].ID); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	env.queue.Wait()

	rows := env.blocksOf(t, assistants[0].ID)
	if len(rows) != 1 {
		t.Fatalf("expected 1 block after regenerate, got %d", len(rows))
	}
	if rows[0].Content != "second draft" {
		t.Fatalf("block content = %q", rows[0].Content)
	}
	if env.message(t, assistants[0].ID).Status != types.MessageStatusSuccess {
		t.Fatal("regenerated message not successful")
	}
}

func TestAppendAddsSiblingForAnotherProfile(t *testing.T) {
	profiles := map[string]AssistantProfile{
		"default": {Name: "default", ContextCount: 20},
		"critic":  {Name: "critic", ContextCount: 20},
	}
	env := newResponderEnv(t, profiles,
		playEvents(modelgw.TextChunk{Text: "answer"}, modelgw.Complete{}),
		playEvents(modelgw.TextChunk{Text: "critique"}, modelgw.Complete{}),
	)

	userMsg, _, err := env.resp.Send(context.Background(), env.topicID, "review this", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	env.queue.Wait()

	added, err := env.resp.Append(context.Background(), userMsg.ID, "critic")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	env.queue.Wait()

	row := env.message(t, added.ID)
	if row.AskID == nil || *row.AskID != userMsg.ID {
		t.Fatalf("appended sibling ask id = %v", row.AskID)
	}
	if row.AssistantRef != "critic" {
		t.Fatalf("assistant ref = %q", row.AssistantRef)
	}
	siblings, err := env.messages.ListByAskID(dbctx.Context{Ctx: context.Background()}, userMsg.ID)
	if err != nil {
		t.Fatalf("ListByAskID: %v", err)
	}
	if len(siblings) != 2 {
		t.Fatalf("expected 2 siblings, got %d", len(siblings))
	}
}
