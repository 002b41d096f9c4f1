// Package triage turns conversation content into intake replies and urgency
// decisions using the language model.
package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/domain/chat"
	"github.com/careportal/careportal/internal/platform/apperr"
	"github.com/careportal/careportal/internal/platform/llm"
)

type Config struct {
	HistoryTurns int
	Timeout      time.Duration
}

func DefaultConfig() Config {
	return Config{HistoryTurns: 10, Timeout: 30 * time.Second}
}

// Reply is the assistant's answer to a patient message.
type Reply struct {
	Text     string
	Metadata chat.AIProcessingMetadata
}

type extraction struct {
	ChiefComplaint         string   `json:"chiefComplaint"`
	Duration               string   `json:"duration"`
	Severity               string   `json:"severity"`
	ExistingProvider       string   `json:"existingProvider"`
	Symptoms               []string `json:"symptoms"`
	RecommendedSpecialties []string `json:"recommendedSpecialties"`
	UrgencyIndicators      []string `json:"urgencyIndicators"`
	Confidence             float64  `json:"confidence"`
}

type triageScore struct {
	Decision   string  `json:"decision" jsonschema:"enum=self_care,enum=schedule_routine,enum=needs_provider,enum=emergency"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Engine calls the model once per operation and never retries.
type Engine struct {
	llm    llm.Client
	cfg    Config
	logger zerolog.Logger
}

func NewEngine(client llm.Client, cfg Config, logger zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = def.HistoryTurns
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Engine{
		llm:    client,
		cfg:    cfg,
		logger: logger.With().Str("component", "triage").Logger(),
	}
}

// ProcessMessage generates the assistant reply to content. history holds the
// conversation before content, oldest first. Structured extraction is best
// effort; only a failed reply is returned as an error.
func (e *Engine) ProcessMessage(ctx context.Context, content string, history []chat.Message, conversationID uuid.UUID) (*Reply, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.Validation("content", "required")
	}

	turns := append(e.window(history), llm.Message{Role: llm.RoleUser, Content: content})
	if len(turns) > e.cfg.HistoryTurns {
		turns = turns[len(turns)-e.cfg.HistoryTurns:]
	}

	replyCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	resp, err := e.llm.Complete(replyCtx, llm.Request{
		SystemPrompt: replySystemPrompt,
		Messages:     turns,
		MaxTokens:    400,
	})
	cancel()
	if err != nil {
		return nil, asUpstream("triage.reply", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return nil, &apperr.UpstreamError{Op: "triage.reply", Err: errors.New("empty reply")}
	}

	md := chat.AIProcessingMetadata{Status: chat.StatusSent}
	prior := priorCollectedInfo(history)

	extracted, err := e.extract(ctx, content)
	if err != nil {
		e.logger.Warn().Err(err).
			Str("conversation_id", conversationID.String()).
			Msg("structured extraction failed")
		md.CollectedInfo = prior
	} else {
		md.CollectedInfo = prior.Merge(&chat.CollectedInfo{
			ChiefComplaint:         strings.TrimSpace(extracted.ChiefComplaint),
			Duration:               strings.TrimSpace(extracted.Duration),
			Severity:               strings.TrimSpace(extracted.Severity),
			ExistingProvider:       strings.TrimSpace(extracted.ExistingProvider),
			Symptoms:               extracted.Symptoms,
			RecommendedSpecialties: extracted.RecommendedSpecialties,
			UrgencyIndicators:      extracted.UrgencyIndicators,
		})
		score := clamp(extracted.Confidence)
		md.ConfidenceScore = &score
	}

	return &Reply{Text: text, Metadata: md}, nil
}

// MakeTriageDecision scores the urgency of the conversation in messages.
func (e *Engine) MakeTriageDecision(ctx context.Context, messages []chat.Message) (chat.TriageDecision, error) {
	turns := e.window(messages)
	if len(turns) == 0 {
		return chat.TriageDecision{}, apperr.Validation("messages", "no user or assistant turns to score")
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	score, err := llm.CompleteJSON[triageScore](callCtx, e.llm, llm.Request{
		SystemPrompt: triageSystemPrompt,
		Messages:     turns,
		SchemaName:   "triage_decision",
		MaxTokens:    200,
		Temperature:  llm.Temp(0),
	})
	if err != nil {
		return chat.TriageDecision{}, asUpstream("triage.score", err)
	}

	decision := chat.TriageDecision{
		Decision:   chat.TriageOutcome(score.Decision),
		Confidence: clamp(score.Confidence),
	}
	if !decision.Decision.Valid() {
		return chat.TriageDecision{}, &apperr.UpstreamError{
			Op:  "triage.score",
			Err: fmt.Errorf("model returned unknown outcome %q", score.Decision),
		}
	}
	e.logger.Debug().
		Str("decision", string(decision.Decision)).
		Float64("confidence", decision.Confidence).
		Str("rationale", score.Rationale).
		Msg("triage scored")
	return decision, nil
}

func (e *Engine) extract(ctx context.Context, content string) (extraction, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	return llm.CompleteJSON[extraction](callCtx, e.llm, llm.Request{
		SystemPrompt: extractionSystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: content}},
		SchemaName:   "intake_extraction",
		MaxTokens:    400,
		Temperature:  llm.Temp(0),
	})
}

// window keeps the last HistoryTurns user and assistant turns.
func (e *Engine) window(history []chat.Message) []llm.Message {
	turns := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case chat.RoleUser:
			turns = append(turns, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case chat.RoleAssistant:
			turns = append(turns, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}
	if len(turns) > e.cfg.HistoryTurns {
		turns = turns[len(turns)-e.cfg.HistoryTurns:]
	}
	return turns
}

// priorCollectedInfo returns the collected info of the latest assistant turn
// that carried any.
func priorCollectedInfo(history []chat.Message) *chat.CollectedInfo {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != chat.RoleAssistant {
			continue
		}
		if md, ok := history[i].Metadata.(chat.AIProcessingMetadata); ok && md.CollectedInfo != nil {
			return md.CollectedInfo
		}
	}
	return nil
}

func asUpstream(op string, err error) error {
	var ue *apperr.UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	return &apperr.UpstreamError{Op: op, Err: err}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
