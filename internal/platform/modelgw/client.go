package modelgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nvoss/loomchat-backend/internal/platform/envutil"
	"github.com/nvoss/loomchat-backend/internal/platform/logger"
)

// PromptMessage is one turn of conversation context sent upstream.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec describes a tool offered to the model. ServerRef names the
// local tool server that executes the call; empty means provider-hosted.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	ServerRef   string          `json:"server_ref,omitempty"`
}

// ResponseRequest is a full generation request.
type ResponseRequest struct {
	Model      string          `json:"model"`
	System     string          `json:"system,omitempty"`
	Messages   []PromptMessage `json:"messages"`
	Tools      []ToolSpec      `json:"tools,omitempty"`
	MaxTokens  int             `json:"max_tokens,omitempty"`
	EnableWeb  bool            `json:"enable_web,omitempty"`
	ToolChoice string          `json:"tool_choice,omitempty"`
}

// Client streams model responses as typed events. onEvent returning an
// error aborts the stream and surfaces that error.
type Client interface {
	StreamResponse(ctx context.Context, req ResponseRequest, onEvent func(Event) error) error
}

type httpClient struct {
	log     *logger.Logger
	baseURL string
	apiKey  string
	model   string
	hc      *http.Client
}

func NewClient(log *logger.Logger) (Client, error) {
	baseURL := envutil.String("MODELGW_BASE_URL", "")
	if baseURL == "" {
		return nil, fmt.Errorf("missing MODELGW_BASE_URL")
	}
	return &httpClient{
		log:     log.With("service", "ModelGateway"),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  envutil.String("MODELGW_API_KEY", ""),
		model:   envutil.String("MODELGW_MODEL", "gpt-4.1"),
		hc: &http.Client{
			Timeout: envutil.Duration("MODELGW_TIMEOUT", 10*time.Minute),
		},
	}, nil
}

func (c *httpClient) StreamResponse(ctx context.Context, req ResponseRequest, onEvent func(Event) error) error {
	if req.Model == "" {
		req.Model = c.model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/responses", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("model gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	return streamSSE(resp.Body, func(name, data string) error {
		ev, decErr := decodeEvent(name, data)
		if decErr != nil {
			c.log.Warn("Undecodable stream event", "event", name, "error", decErr)
			return nil
		}
		if ev == nil {
			return nil
		}
		return onEvent(ev)
	})
}
