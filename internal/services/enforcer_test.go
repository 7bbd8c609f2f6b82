package services

import (
	"strings"
	"testing"

	"github.com/nvoss/loomchat-backend/internal/platform/modelgw"
)

func TestObserveRetriesOnceProseCrossesThreshold(t *testing.T) {
	e := NewEnforcer(testLogger(), DefaultEnforcerConfig())
	st := &AttemptState{OriginalText: "list my open tickets"}

	if d := e.Observe(st, modelgw.TextChunk{Text: strings.Repeat("x", 40)}); d != DecisionContinue {
		t.Fatalf("under threshold: got %v, want continue", d)
	}
	if d := e.Observe(st, modelgw.TextChunk{Text: strings.Repeat("x", 20)}); d != DecisionRetry {
		t.Fatalf("over threshold: got %v, want retry", d)
	}
	// A second violation within the same attempt is not re-reported.
	if d := e.Observe(st, modelgw.TextChunk{Text: "more"}); d != DecisionContinue {
		t.Fatalf("repeat violation: got %v, want continue", d)
	}

	want := DefaultEnforcerConfig().Directives[0] + "list my open tickets"
	if got := e.RewriteUserText(st); got != want {
		t.Fatalf("RewriteUserText = %q, want %q", got, want)
	}
}

func TestObserveToolCallSuppressesThreshold(t *testing.T) {
	e := NewEnforcer(testLogger(), DefaultEnforcerConfig())
	st := &AttemptState{}

	e.Observe(st, modelgw.ToolInProgress{CallID: "c1", ToolName: "search"})
	if d := e.Observe(st, modelgw.TextChunk{Text: strings.Repeat("x", 500)}); d != DecisionContinue {
		t.Fatalf("prose after tool call: got %v, want continue", d)
	}
	if d := e.Observe(st, modelgw.Complete{}); d != DecisionContinue {
		t.Fatalf("complete after tool call: got %v, want continue", d)
	}
}

func TestObserveCompleteCatchesShortAnswers(t *testing.T) {
	e := NewEnforcer(testLogger(), DefaultEnforcerConfig())
	st := &AttemptState{}

	e.Observe(st, modelgw.TextChunk{Text: "nope"})
	if d := e.Observe(st, modelgw.Complete{}); d != DecisionRetry {
		t.Fatalf("short no-tool answer: got %v, want retry", d)
	}
}

func TestRecheckFlagsMissingToolCall(t *testing.T) {
	e := NewEnforcer(testLogger(), DefaultEnforcerConfig())

	if d := e.Recheck(&AttemptState{HasToolCall: true}); d != DecisionContinue {
		t.Fatalf("tool call present: got %v", d)
	}
	if d := e.Recheck(&AttemptState{}); d != DecisionRetry {
		t.Fatalf("tool call missing: got %v", d)
	}
}

func TestViolationExhaustsAtMaxRetries(t *testing.T) {
	e := NewEnforcer(testLogger(), DefaultEnforcerConfig())
	st := &AttemptState{RetryCount: DefaultEnforcerConfig().MaxRetries}

	if d := e.Observe(st, modelgw.Complete{}); d != DecisionExhausted {
		t.Fatalf("at max retries: got %v, want exhausted", d)
	}
}

func TestDirectiveEscalatesAndClamps(t *testing.T) {
	e := NewEnforcer(testLogger(), DefaultEnforcerConfig())
	dirs := DefaultEnforcerConfig().Directives

	if got := e.Directive(0); got != dirs[0] {
		t.Fatalf("Directive(0) = %q", got)
	}
	if got := e.Directive(3); got != dirs[3] {
		t.Fatalf("Directive(3) = %q", got)
	}
	if got := e.Directive(99); got != dirs[len(dirs)-1] {
		t.Fatalf("Directive(99) = %q, want last directive", got)
	}
}

func TestStripDirectivesRecoversOriginalText(t *testing.T) {
	e := NewEnforcer(testLogger(), DefaultEnforcerConfig())
	dirs := DefaultEnforcerConfig().Directives

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "show me the forecast", "show me the forecast"},
		{"one directive", dirs[2] + "show me the forecast", "show me the forecast"},
		{"stacked directives", dirs[4] + dirs[0] + "show me the forecast", "show me the forecast"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := e.StripDirectives(tc.in); got != tc.want {
				t.Fatalf("StripDirectives(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
