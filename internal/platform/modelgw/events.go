package modelgw

import "encoding/json"

// Event is the closed set of stream events a generation can emit. Every
// variant implements streamEvent, so consumers can type switch
// exhaustively and the compiler rejects unknown variants.
type Event interface {
	streamEvent()
}

// Created signals the provider accepted the request and streaming is
// about to begin.
type Created struct{}

// TextChunk carries an incremental piece of answer text.
type TextChunk struct {
	Text string `json:"text"`
}

// TextComplete carries the final accumulated answer text.
type TextComplete struct {
	Text string `json:"text"`
}

// ThinkingChunk carries incremental reasoning text plus elapsed
// reasoning time.
type ThinkingChunk struct {
	Text         string `json:"text"`
	ElapsedMilli int64  `json:"thinking_millsec"`
}

// ThinkingComplete ends the reasoning phase.
type ThinkingComplete struct {
	Text         string `json:"text"`
	ElapsedMilli int64  `json:"thinking_millsec"`
}

// ToolInProgress announces a provider tool call has started. A non-empty
// ServerRef marks a call this process must execute itself.
type ToolInProgress struct {
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	ServerRef string          `json:"server_ref,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolComplete carries the outcome of a tool call.
type ToolComplete struct {
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Response json.RawMessage `json:"response,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
}

// ExternalToolInProgress announces a provider-hosted tool (code
// execution and the like) has started.
type ExternalToolInProgress struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
}

// ExternalToolComplete carries the outcome of a provider-hosted tool.
type ExternalToolComplete struct {
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Response json.RawMessage `json:"response,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
}

// WebSearchInProgress announces a provider web search has started.
type WebSearchInProgress struct{}

// WebSearchComplete carries web search results for a citation block.
type WebSearchComplete struct {
	Results json.RawMessage `json:"results,omitempty"`
}

// ImageCreated announces image generation has started.
type ImageCreated struct{}

// ImageDelta carries a partial image rendering.
type ImageDelta struct {
	URL  string          `json:"url,omitempty"`
	Meta json.RawMessage `json:"meta,omitempty"`
}

// ImageGenerated carries the final image.
type ImageGenerated struct {
	URL  string          `json:"url,omitempty"`
	Meta json.RawMessage `json:"meta,omitempty"`
}

// ErrorEvent reports a mid-stream provider failure.
type ErrorEvent struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Usage is the provider-reported token accounting attached to Complete.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Complete ends the stream successfully.
type Complete struct {
	Usage *Usage `json:"usage,omitempty"`
}

func (Created) streamEvent()                {}
func (TextChunk) streamEvent()              {}
func (TextComplete) streamEvent()           {}
func (ThinkingChunk) streamEvent()          {}
func (ThinkingComplete) streamEvent()       {}
func (ToolInProgress) streamEvent()         {}
func (ToolComplete) streamEvent()           {}
func (ExternalToolInProgress) streamEvent() {}
func (ExternalToolComplete) streamEvent()   {}
func (WebSearchInProgress) streamEvent()    {}
func (WebSearchComplete) streamEvent()      {}
func (ImageCreated) streamEvent()           {}
func (ImageDelta) streamEvent()             {}
func (ImageGenerated) streamEvent()         {}
func (ErrorEvent) streamEvent()             {}
func (Complete) streamEvent()               {}

// Wire event names used by the gateway's SSE stream.
const (
	wireCreated                = "created"
	wireTextChunk              = "text-chunk"
	wireTextComplete           = "text-complete"
	wireThinkingChunk          = "thinking-chunk"
	wireThinkingComplete       = "thinking-complete"
	wireToolInProgress         = "tool-in-progress"
	wireToolComplete           = "tool-complete"
	wireExternalToolInProgress = "external-tool-in-progress"
	wireExternalToolComplete   = "external-tool-complete"
	wireWebSearchInProgress    = "web-search-in-progress"
	wireWebSearchComplete      = "web-search-complete"
	wireImageCreated           = "image-created"
	wireImageDelta             = "image-delta"
	wireImageGenerated         = "image-generated"
	wireError                  = "error"
	wireComplete               = "complete"
)
