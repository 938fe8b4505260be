// Package session implements the StreamingSession: for one agent, it
// prepares a chat request from conversation history, opens a streaming
// completion, drives the inline marker parser over the arriving tokens,
// and reports the finished turn back to the caller.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/agentorch/pkg/llmclient"
	"github.com/kadirpekel/agentorch/pkg/model"
	"github.com/kadirpekel/agentorch/pkg/multiplexer"
	"github.com/kadirpekel/agentorch/pkg/plan"
)

// Config configures one agent's StreamingSession.
type Config struct {
	AgentID      string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// TurnResult summarizes one completed turn.
type TurnResult struct {
	Text         string
	Plan         *model.Plan
	HasPlanBlock bool
	FileOps      []FileOp
	TokenCount   int
	Elapsed      time.Duration
}

// Session drives one agent's conversation: it owns the message history
// and the per-turn marker parser, and reports NORMAL/THINKING/SUMMARY
// output through the shared OutputMultiplexer as tokens arrive.
type Session struct {
	cfg    Config
	client llmclient.StreamingClient
	mux    *multiplexer.Multiplexer

	history []llmclient.Message
}

// summaryAdder is the narrow slice of AgentRegistry a Session needs:
// forwarding [SUMMARY] content so it's visible via registry.AddSummary
// without importing the registry package directly (avoids a cycle,
// since pkg/registry never needs to know about sessions).
type summaryAdder interface {
	AddSummary(agentID, text string) error
}

// New constructs a Session, seeding its history with cfg.SystemPrompt
// when one is set.
func New(cfg Config, client llmclient.StreamingClient, mux *multiplexer.Multiplexer) *Session {
	s := &Session{cfg: cfg, client: client, mux: mux}
	if cfg.SystemPrompt != "" {
		s.history = append(s.history, llmclient.Message{Role: "system", Content: cfg.SystemPrompt})
	}
	return s
}

// History returns a copy of the conversation history.
func (s *Session) History() []llmclient.Message {
	return append([]llmclient.Message(nil), s.history...)
}

// RunTurn appends userMessage to the history, streams the completion,
// and drives the marker parser over every token as it arrives. On
// success the full assistant message is appended to history. On a
// transport error, the user message that triggered the turn is removed
// from history (so history stays legal for replay) and an ERROR record
// is written to the multiplexer. registry may be nil, in which case
// SUMMARY emissions are still written to the multiplexer but not
// forwarded anywhere else.
func (s *Session) RunTurn(ctx context.Context, registry summaryAdder, userMessage string) (TurnResult, error) {
	s.history = append(s.history, llmclient.Message{Role: "user", Content: userMessage})

	events, err := s.client.Stream(ctx, llmclient.Request{
		Model:       s.cfg.Model,
		Messages:    s.history,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		return s.rollback(err)
	}

	parser := newMarkerParser()
	var fullText strings.Builder
	tokenCount := 0
	start := time.Now()

	for ev := range events {
		if ev.Err != nil {
			return s.rollback(ev.Err)
		}
		if ev.Done {
			break
		}
		if ev.Content == "" {
			continue
		}

		tokenCount++
		fullText.WriteString(ev.Content)

		for _, emission := range parser.feed(ev.Content) {
			s.dispatch(registry, emission)
		}
	}

	for _, emission := range parser.finish() {
		s.dispatch(registry, emission)
	}

	elapsed := time.Since(start)
	text := fullText.String()
	s.history = append(s.history, llmclient.Message{Role: "assistant", Content: text})

	result := TurnResult{
		Text:         text,
		FileOps:      ExtractFileOps(text),
		HasPlanBlock: strings.Contains(strings.ToUpper(text), "[PLAN]"),
		TokenCount:   tokenCount,
		Elapsed:      elapsed,
	}
	if workflowPlan, perr := plan.Parse(text); perr == nil && workflowPlan != nil {
		result.Plan = workflowPlan
	}

	s.writeTokenStats(tokenCount, elapsed)
	return result, nil
}

// rollback removes the just-appended user message from history and
// reports err to the caller and the multiplexer, per spec's transport-
// error recovery rule.
func (s *Session) rollback(err error) (TurnResult, error) {
	if n := len(s.history); n > 0 && s.history[n-1].Role == "user" {
		s.history = s.history[:n-1]
	}
	s.mux.Write(s.cfg.AgentID, fmt.Sprintf("transport error: %v", err), multiplexer.KindError)
	return TurnResult{}, err
}

func (s *Session) dispatch(registry summaryAdder, emission Emission) {
	if emission.Text == "" {
		return
	}
	switch emission.Kind {
	case multiplexer.KindSummary:
		s.mux.WriteSummary(s.cfg.AgentID, emission.Text)
		if registry != nil {
			_ = registry.AddSummary(s.cfg.AgentID, emission.Text)
		}
	default:
		s.mux.Write(s.cfg.AgentID, emission.Text, emission.Kind)
	}
}

func (s *Session) writeTokenStats(tokens int, elapsed time.Duration) {
	seconds := elapsed.Seconds()
	var tps float64
	if seconds > 0 {
		tps = float64(tokens) / seconds
	}
	s.mux.WriteStatus(s.cfg.AgentID, "STATUS",
		fmt.Sprintf("%d tokens in %.1fs (%.1f tok/s)", tokens, seconds, tps))
}
