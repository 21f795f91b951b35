package services

import (
	"context"
	"fmt"
	"strings"

	"multichat_go_backend/internal/broker"
	"multichat_go_backend/internal/catalog"
	"multichat_go_backend/internal/pricing"

	"github.com/rs/zerolog"
)

const (
	// historyPairLimit bounds the context window per request.
	historyPairLimit = 15
	// maxReplyLength is the transport wire limit; replies beyond it are
	// split on line boundaries. Kept slightly under the 4096 hard cap.
	maxReplyLength = 4000

	roleUser      = "user"
	roleAssistant = "assistant"
	roleSystem    = "system"
)

// askAliases maps one-shot ask shorthands onto catalog keys.
var askAliases = map[string]string{
	"gpt":      "gpt4",
	"gpt4":     "gpt4",
	"claude":   "claude",
	"sonnet":   "claude",
	"gemini":   "gemini",
	"google":   "gemini",
	"mimo":     "mimo",
	"chimera":  "chimera",
	"devstral": "devstral",
}

// Outcome is the structured result of one inbound message. Quota and
// session errors never escape as faults; they come back here.
type Outcome struct {
	Success         bool    `json:"success"`
	Denied          bool    `json:"denied"`
	Reason          string  `json:"reason,omitempty"`
	Reply           string  `json:"reply,omitempty"`
	ModelKey        string  `json:"model_key,omitempty"`
	ModelName       string  `json:"model_name,omitempty"`
	FreeModel       bool    `json:"free_model"`
	TokensUsed      int64   `json:"tokens_used"`
	CostUSD         float64 `json:"cost_usd"`
	CostLabel       string  `json:"cost_label,omitempty"`
	ResponseTime    float64 `json:"response_time"`
	RemainingTokens int64   `json:"remaining_tokens"`
}

// ChatService coordinates the quota ledger, the session store and the
// model-call collaborator for each inbound message.
type ChatService struct {
	users    UserManager
	quota    QuotaManager
	sessions SessionManager
	model    ModelClient
	events   *broker.Broker
	log      zerolog.Logger
}

func NewChatService(
	users UserManager,
	quota QuotaManager,
	sessions SessionManager,
	model ModelClient,
	events *broker.Broker,
	log zerolog.Logger,
) *ChatService {
	return &ChatService{
		users:    users,
		quota:    quota,
		sessions: sessions,
		model:    model,
		events:   events,
		log:      log,
	}
}

// HandleIncoming runs the full per-message state machine: resolve user,
// model access, admission, append, auto-title, context assembly, model
// call, then usage recording. Provider errors are surfaced verbatim; a
// failed call leaves only the already-appended user message behind.
func (s *ChatService) HandleIncoming(ctx context.Context, externalID, username, text string) (*Outcome, error) {
	user, err := s.users.GetOrCreateUser(externalID, username)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	modelKey := user.SelectedModel

	allowed, reason, err := s.quota.CheckModelAccess(externalID, modelKey)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return &Outcome{Denied: true, Reason: reason, ModelKey: modelKey}, nil
	}

	estimated := pricing.EstimateTokens(text)
	admitted, remaining, tier, err := s.quota.CheckAdmission(externalID, estimated)
	if err != nil {
		return nil, err
	}
	if !admitted {
		return &Outcome{
			Denied:          true,
			Reason:          quotaDeniedReason(tier),
			ModelKey:        modelKey,
			RemainingTokens: remaining,
		}, nil
	}

	if err := s.sessions.AppendMessage(externalID, roleUser, text, ""); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	if err := s.sessions.AutoTitleSession(externalID, text); err != nil {
		s.log.Warn().Err(err).Str("externalID", externalID).Msg("auto-title failed")
	}

	history, err := s.sessions.GetHistory(externalID, historyPairLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if user.SystemPrompt != "" {
		history = append([]ChatTurn{{Role: roleSystem, Content: user.SystemPrompt}}, history...)
	}

	result, err := s.model.Send(ctx, modelKey, history)
	if err != nil {
		s.log.Error().Err(err).Str("externalID", externalID).Str("model", modelKey).Msg("provider call failed")
		return &Outcome{Reason: err.Error(), ModelKey: modelKey, ModelName: catalog.ModelName(modelKey)}, nil
	}

	cost := pricing.Cost(modelKey, result.InputTokens, result.OutputTokens)
	if err := s.quota.RecordUsage(externalID, result.TotalTokens, cost); err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}
	if err := s.sessions.AppendMessage(externalID, roleAssistant, result.Response, modelKey); err != nil {
		return nil, fmt.Errorf("failed to append response: %w", err)
	}
	if err := s.sessions.AttachUsageMetrics(externalID, result.TotalTokens, result.InputTokens, result.OutputTokens, cost, result.ResponseTime); err != nil {
		s.log.Warn().Err(err).Str("externalID", externalID).Msg("failed to attach usage metrics")
	}

	s.publishUsage(externalID, result.TotalTokens, cost)

	return &Outcome{
		Success:         true,
		Reply:           result.Response,
		ModelKey:        modelKey,
		ModelName:       catalog.ModelName(modelKey),
		FreeModel:       pricing.IsFreeModel(modelKey),
		TokensUsed:      result.TotalTokens,
		CostUSD:         cost,
		CostLabel:       pricing.FormatCost(cost),
		ResponseTime:    result.ResponseTime,
		RemainingTokens: remaining - result.TotalTokens,
	}, nil
}

// OneShotAsk answers a single question with an explicitly chosen model.
// Usage is billed, but nothing is appended to the session history.
func (s *ChatService) OneShotAsk(ctx context.Context, externalID, modelAlias, question string) (*Outcome, error) {
	modelKey, ok := askAliases[strings.ToLower(modelAlias)]
	if !ok {
		return &Outcome{
			Denied: true,
			Reason: fmt.Sprintf("Unknown model: %s. Available: gpt4, claude, gemini, mimo, chimera, devstral.", modelAlias),
		}, nil
	}

	if _, err := s.users.GetOrCreateUser(externalID, ""); err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	allowed, reason, err := s.quota.CheckModelAccess(externalID, modelKey)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return &Outcome{Denied: true, Reason: reason, ModelKey: modelKey}, nil
	}

	admitted, remaining, tier, err := s.quota.CheckAdmission(externalID, pricing.EstimateTokens(question))
	if err != nil {
		return nil, err
	}
	if !admitted {
		return &Outcome{Denied: true, Reason: quotaDeniedReason(tier), ModelKey: modelKey, RemainingTokens: remaining}, nil
	}

	result, err := s.model.Send(ctx, modelKey, []ChatTurn{{Role: roleUser, Content: question}})
	if err != nil {
		return &Outcome{Reason: err.Error(), ModelKey: modelKey, ModelName: catalog.ModelName(modelKey)}, nil
	}

	cost := pricing.Cost(modelKey, result.InputTokens, result.OutputTokens)
	if err := s.quota.RecordUsage(externalID, result.TotalTokens, cost); err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}
	s.publishUsage(externalID, result.TotalTokens, cost)

	return &Outcome{
		Success:      true,
		Reply:        result.Response,
		ModelKey:     modelKey,
		ModelName:    catalog.ModelName(modelKey),
		FreeModel:    pricing.IsFreeModel(modelKey),
		TokensUsed:   result.TotalTokens,
		CostUSD:      cost,
		CostLabel:    pricing.FormatCost(cost),
		ResponseTime: result.ResponseTime,
	}, nil
}

// SplitReply breaks a long reply into wire-sized chunks, preferring
// line boundaries so structural spans survive intact. The limit counts
// runes, never bytes: a hard split must not sever a multi-byte
// character.
func SplitReply(text string) []string {
	remaining := []rune(text)
	if len(remaining) <= maxReplyLength {
		return []string{text}
	}

	var parts []string
	for len(remaining) > 0 {
		if len(remaining) <= maxReplyLength {
			parts = append(parts, string(remaining))
			break
		}
		splitIdx := lastNewline(remaining[:maxReplyLength])
		if splitIdx <= 0 {
			splitIdx = maxReplyLength
		}
		parts = append(parts, string(remaining[:splitIdx]))
		remaining = trimLeadingBreaks(remaining[splitIdx:])
	}
	return parts
}

func lastNewline(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}

func trimLeadingBreaks(runes []rune) []rune {
	for len(runes) > 0 && (runes[0] == '\n' || runes[0] == ' ') {
		runes = runes[1:]
	}
	return runes
}

func (s *ChatService) publishUsage(externalID string, tokens int64, cost float64) {
	if s.events == nil {
		return
	}
	s.events.Publish(broker.UsageTopic(externalID), broker.UsageEvent{
		ExternalID: externalID,
		Tokens:     tokens,
		CostUSD:    cost,
	})
}

func quotaDeniedReason(tier string) string {
	tierName := catalog.TierFor(tier).Name
	if tier == "admin" {
		tierName = tier
	}
	return fmt.Sprintf("You have reached the monthly token limit for the %s tier. Try a free model or wait for the next month.", tierName)
}
