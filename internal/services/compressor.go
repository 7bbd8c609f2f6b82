package services

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/nvoss/loomchat-backend/internal/platform/logger"
)

// CompressorConfig carries the thresholds and vocabulary of the context
// compressor. Keyword sets are deployment-specific, so they come from
// configuration rather than constants.
type CompressorConfig struct {
	// ThresholdTokens is the estimated volume below which context passes
	// through untouched.
	ThresholdTokens int `yaml:"threshold_tokens"`
	// AggressiveTokens is the volume at which the stricter extraction
	// strategy kicks in.
	AggressiveTokens int `yaml:"aggressive_tokens"`
	// TrivialFloor is the per-message size under which content is kept
	// verbatim behind a label.
	TrivialFloor  int `yaml:"trivial_floor"`
	DigestCap     int `yaml:"digest_cap"`
	AggressiveCap int `yaml:"aggressive_cap"`
	// LinesPerBucket bounds how much of each topical bucket survives.
	LinesPerBucket int `yaml:"lines_per_bucket"`

	// KeywordBuckets maps bucket name to the substrings that route a
	// line into it.
	KeywordBuckets map[string][]string `yaml:"keyword_buckets"`
	// AggressiveKeywords are matched whole-word, case-insensitive.
	AggressiveKeywords []string `yaml:"aggressive_keywords"`

	WarningSuffix       string `yaml:"warning_suffix"`
	StrongWarningSuffix string `yaml:"strong_warning_suffix"`
}

func DefaultCompressorConfig() CompressorConfig {
	return CompressorConfig{
		ThresholdTokens:  6000,
		AggressiveTokens: 10000,
		TrivialFloor:     1000,
		DigestCap:        1500,
		AggressiveCap:    1000,
		LinesPerBucket:   3,
		KeywordBuckets: map[string][]string{
			"tasks":     {"task", "todo", "action item", "assigned"},
			"decisions": {"decided", "decision", "agreed", "approved"},
			"deadlines": {"due", "deadline", "by end of", "eta"},
			"status":    {"done", "completed", "blocked", "in progress"},
		},
		AggressiveKeywords: []string{"task", "deadline", "decision", "blocked", "done"},
		WarningSuffix: "\n[The history above is compressed. Prioritize the current " +
			"query over historical detail.]",
		StrongWarningSuffix: "\n[The history above is heavily compressed and lossy. " +
			"Answer from the current query; treat history as hints only.]",
	}
}

// ContextMessage is one turn handed to the generation gateway.
type ContextMessage struct {
	Role    string
	Content string
}

// Compressor shrinks conversation history before generation for
// assistant profiles that opt in. It is lossy and best-effort: any
// internal failure degrades to hard truncation, never to an error.
type Compressor struct {
	log  *logger.Logger
	cfg  CompressorConfig
	date *regexp.Regexp
}

func NewCompressor(log *logger.Logger, cfg CompressorConfig) *Compressor {
	if cfg.ThresholdTokens <= 0 {
		cfg = DefaultCompressorConfig()
	}
	return &Compressor{
		log: log.With("service", "Compressor"),
		cfg: cfg,
		// Dates and ISO week numbers survive every filter.
		date: regexp.MustCompile(`(?i)(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}(/\d{2,4})?|week\s*\d{1,2}|w\d{1,2}\b)`),
	}
}

// EstimateTokens is a cheap proxy for token volume: content length plus
// whitespace-delimited word count.
func EstimateTokens(content string) int {
	return len(content) + len(strings.Fields(content))
}

// Compress shrinks history once it crosses the volume threshold. The
// most recent user message is always returned verbatim.
func (c *Compressor) Compress(messages []ContextMessage) []ContextMessage {
	if len(messages) == 0 {
		return messages
	}

	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	if total < c.cfg.ThresholdTokens {
		return messages
	}

	out, err := c.compressAll(messages, total)
	if err != nil {
		c.log.Warn("Compression failed; falling back to truncation", "error", err)
		return c.truncate(messages)
	}
	return out
}

func (c *Compressor) compressAll(messages []ContextMessage, total int) ([]ContextMessage, error) {
	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = i
			break
		}
	}

	aggressive := total >= c.cfg.AggressiveTokens
	out := make([]ContextMessage, 0, len(messages))
	for i, m := range messages {
		if i == lastUser {
			out = append(out, m)
			continue
		}
		compressed, err := c.compressOne(m.Content, aggressive)
		if err != nil {
			return nil, err
		}
		out = append(out, ContextMessage{Role: m.Role, Content: compressed})
	}
	return out, nil
}

func (c *Compressor) compressOne(content string, aggressive bool) (string, error) {
	if len(content) < c.cfg.TrivialFloor {
		return "[summary] " + content, nil
	}
	if aggressive {
		return c.aggressiveDigest(content)
	}
	return c.keywordDigest(content)
}

func (c *Compressor) keywordDigest(content string) (string, error) {
	lines := strings.Split(content, "\n")
	perBucket := make(map[string]int, len(c.cfg.KeywordBuckets))
	var picked []string
	seen := make(map[string]bool)

	add := func(line string) {
		if line == "" || seen[line] {
			return
		}
		seen[line] = true
		picked = append(picked, line)
	}

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if c.date.MatchString(line) {
			add(line)
			continue
		}
		lower := strings.ToLower(line)
		for bucket, words := range c.cfg.KeywordBuckets {
			if perBucket[bucket] >= c.cfg.LinesPerBucket {
				continue
			}
			for _, w := range words {
				if strings.Contains(lower, w) {
					perBucket[bucket]++
					add(line)
					break
				}
			}
		}
	}

	digest := strings.Join(picked, "\n")
	if digest == "" {
		return "", fmt.Errorf("no lines survived keyword digest")
	}
	digest = capString(digest, c.cfg.DigestCap)
	return digest + c.cfg.WarningSuffix, nil
}

func (c *Compressor) aggressiveDigest(content string) (string, error) {
	words := make(map[string]bool, len(c.cfg.AggressiveKeywords))
	for _, w := range c.cfg.AggressiveKeywords {
		words[strings.ToLower(w)] = true
	}

	var picked []string
	seen := make(map[string]bool)
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || seen[line] {
			continue
		}
		keep := c.date.MatchString(line)
		if !keep {
			for _, tok := range strings.Fields(strings.ToLower(line)) {
				tok = strings.Trim(tok, ".,;:!?()[]\"'")
				if words[tok] {
					keep = true
					break
				}
			}
		}
		if keep {
			seen[line] = true
			picked = append(picked, line)
		}
	}

	digest := strings.Join(picked, "\n")
	if digest == "" {
		return "", fmt.Errorf("no lines survived aggressive digest")
	}
	digest = capString(digest, c.cfg.AggressiveCap)
	return digest + c.cfg.StrongWarningSuffix, nil
}

// truncate is the failure fallback: keep only the last two messages.
func (c *Compressor) truncate(messages []ContextMessage) []ContextMessage {
	if len(messages) <= 2 {
		return messages
	}
	return messages[len(messages)-2:]
}

// capString trims s to at most max bytes without splitting a rune.
func capString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
