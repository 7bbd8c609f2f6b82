package services

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

// ToolRequest is one invocation of a locally registered tool server.
type ToolRequest struct {
	ToolName  string          `json:"tool_name"`
	ServerRef string          `json:"server_ref"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type ToolResponse struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"is_error"`
}

// ToolRunner executes tool calls the model delegates back to us.
type ToolRunner interface {
	Run(ctx context.Context, req ToolRequest) (ToolResponse, error)
}

type httpToolRunner struct {
	log     *logger.Logger
	baseURL string
	hc      *http.Client
}

// NewToolRunner talks to the tool server fleet behind TOOLS_BASE_URL.
// Each server_ref maps to a path segment on that host.
func NewToolRunner(log *logger.Logger) (ToolRunner, error) {
	baseURL := envutil.String("TOOLS_BASE_URL", "")
	if baseURL == "" {
		return nil, fmt.Errorf("missing TOOLS_BASE_URL")
	}
	return &httpToolRunner{
		log:     log.With("service", "ToolRunner"),
		baseURL: strings.TrimRight(baseURL, "/"),
		hc: &http.Client{
			Timeout: envutil.Duration("TOOLS_TIMEOUT", 60*time.Second),
		},
	}, nil
}

func (r *httpToolRunner) Run(ctx context.Context, req ToolRequest) (ToolResponse, error) {
	if req.ToolName == "" || req.ServerRef == "" {
		return ToolResponse{}, fmt.Errorf("missing tool_name or server_ref")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ToolResponse{}, err
	}

	url := fmt.Sprintf("%s/servers/%s/call", r.baseURL, req.ServerRef)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ToolResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.hc.Do(httpReq)
	if err != nil {
		return ToolResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ToolResponse{}, fmt.Errorf("tool server status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out ToolResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ToolResponse{}, fmt.Errorf("decode tool response: %w", err)
	}
	return out, nil
}
