package services

import (
	"strings"
	"time"

	"github.com/nvoss/loomchat-backend/internal/platform/logger"
	"github.com/nvoss/loomchat-backend/internal/platform/modelgw"
)

// EnforcerConfig tunes the tool policy. The text threshold is a
// heuristic for "the model started answering in prose instead of
// calling a tool", so it is configurable rather than baked in.
type EnforcerConfig struct {
	TextThreshold int           `yaml:"text_threshold"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	// RetryContextCount is how much history a retry attempt keeps.
	// Keeping it minimal raises the odds the directive is obeyed.
	RetryContextCount int `yaml:"retry_context_count"`
	// Directives are prepended to the user text on retry, escalating
	// with the attempt number.
	Directives []string `yaml:"directives"`

	// ExhaustedNotice is the content of the explanatory block written
	// when retries run out.
	ExhaustedNotice string `yaml:"exhausted_notice"`
}

func DefaultEnforcerConfig() EnforcerConfig {
	return EnforcerConfig{
		TextThreshold:     50,
		MaxRetries:        10,
		RetryDelay:        2 * time.Second,
		RetryContextCount: 1,
		Directives: []string{
			"Use the available tools to answer this request. ",
			"You must call a tool before answering. Do not reply in plain text. ",
			"IMPORTANT: Invoke a tool now. A plain-text answer will be rejected. ",
			"STOP. Your previous answers were rejected because no tool was called. Call a tool first. ",
			"FINAL WARNING: Respond only with a tool call. Any other response is invalid. ",
		},
		ExhaustedNotice: "The assistant was unable to produce a tool-backed answer " +
			"after repeated attempts. The response above may be incomplete.",
	}
}

// Decision is the enforcer's verdict for the current attempt.
type Decision int

const (
	// DecisionContinue lets the stream keep going.
	DecisionContinue Decision = iota
	// DecisionRetry aborts the attempt and schedules a rewritten retry.
	DecisionRetry
	// DecisionExhausted stops retrying and surfaces an explanatory
	// block while finishing in success status.
	DecisionExhausted
)

// AttemptState is the explicit per-attempt record threaded through the
// retry loop; nothing about an attempt is captured in closures.
type AttemptState struct {
	RetryCount   int
	OriginalText string
	HasToolCall  bool
	TextLen      int
	violated     bool
}

// Enforcer watches a tool-mandatory generation attempt and cancels it
// once the accumulated prose makes a missing tool call likely.
type Enforcer struct {
	log *logger.Logger
	cfg EnforcerConfig
}

func NewEnforcer(log *logger.Logger, cfg EnforcerConfig) *Enforcer {
	if cfg.MaxRetries <= 0 || len(cfg.Directives) == 0 {
		cfg = DefaultEnforcerConfig()
	}
	return &Enforcer{log: log.With("service", "Enforcer"), cfg: cfg}
}

func (e *Enforcer) Config() EnforcerConfig { return e.cfg }

// Observe folds the next stream event into the attempt state and
// returns the verdict. Must be called for every event in order.
func (e *Enforcer) Observe(st *AttemptState, ev modelgw.Event) Decision {
	switch t := ev.(type) {
	case modelgw.ToolInProgress, modelgw.ExternalToolInProgress:
		st.HasToolCall = true
	case modelgw.TextChunk:
		st.TextLen += len(t.Text)
		if !st.HasToolCall && st.TextLen > e.cfg.TextThreshold {
			return e.violation(st)
		}
	case modelgw.Complete:
		// The violation may only be visible once the whole response has
		// been seen, e.g. short answers under the threshold.
		if !st.HasToolCall {
			return e.violation(st)
		}
	}
	return DecisionContinue
}

// Recheck applies the completion-time check for streams that ended
// without an explicit complete event.
func (e *Enforcer) Recheck(st *AttemptState) Decision {
	if st.HasToolCall {
		return DecisionContinue
	}
	return e.violation(st)
}

func (e *Enforcer) violation(st *AttemptState) Decision {
	if st.violated {
		return DecisionContinue
	}
	st.violated = true
	if st.RetryCount >= e.cfg.MaxRetries {
		e.log.Warn("Tool policy retries exhausted", "retry_count", st.RetryCount)
		return DecisionExhausted
	}
	e.log.Info("Tool policy violation; scheduling retry",
		"retry_count", st.RetryCount, "text_len", st.TextLen)
	return DecisionRetry
}

// Directive returns the escalating instruction for the given attempt.
func (e *Enforcer) Directive(retryCount int) string {
	idx := retryCount
	if idx >= len(e.cfg.Directives) {
		idx = len(e.cfg.Directives) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return e.cfg.Directives[idx]
}

// RewriteUserText prepends the directive for the next attempt to the
// original user text, replacing any directive added by a prior attempt.
func (e *Enforcer) RewriteUserText(st *AttemptState) string {
	return e.Directive(st.RetryCount) + st.OriginalText
}

// StripDirectives recovers the original user text from a rewritten one.
func (e *Enforcer) StripDirectives(text string) string {
	for changed := true; changed; {
		changed = false
		for _, d := range e.cfg.Directives {
			if strings.HasPrefix(text, d) {
				text = strings.TrimPrefix(text, d)
				changed = true
			}
		}
	}
	return text
}
