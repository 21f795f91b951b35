package services

import (
	"context"

	"multichat_go_backend/internal/models"
)

// ChatTurn is one entry of the context window sent to the provider.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SendResult carries a successful provider response together with the
// usage the provider reported.
type SendResult struct {
	Response     string
	TotalTokens  int64
	InputTokens  int64
	OutputTokens int64
	ResponseTime float64
}

// ModelClient is the outbound model-call collaborator: opaque, slow,
// and allowed to fail. Implementations must treat empty content as a
// failure, never as a zero-length success.
type ModelClient interface {
	Send(ctx context.Context, modelKey string, messages []ChatTurn) (*SendResult, error)
}

// QuotaManager owns per-user token accounting and tier access rules.
type QuotaManager interface {
	CheckAdmission(externalID string, estimatedTokens int64) (allowed bool, remaining int64, tier string, err error)
	RecordUsage(externalID string, tokensUsed int64, costUSD float64) error
	CheckModelAccess(externalID, modelKey string) (allowed bool, reason string, err error)
}

// SessionManager owns conversation sessions and the message history
// scoped to them.
type SessionManager interface {
	CreateSession(externalID, title string) (string, error)
	ListSessions(externalID string) ([]models.ChatSession, error)
	GetCurrentSession(externalID string) (*models.ChatSession, error)
	SwitchSession(externalID, sessionID string) error
	RecordPreviousSession(externalID, outgoingSessionID string) error
	GoBack(externalID string) (*models.ChatSession, error)
	RenameSession(externalID, newTitle string) (bool, error)
	AutoTitleSession(externalID, firstMessageText string) error
	DeleteSession(externalID, sessionID string) (deleted bool, reason string, err error)
	AppendMessage(externalID, role, content, modelUsed string) error
	GetHistory(externalID string, limit int) ([]ChatTurn, error)
	GetTranscript(externalID string) (*models.ChatSession, []models.Message, error)
	ClearHistory(externalID string) error
	AttachUsageMetrics(externalID string, tokens, inputTokens, outputTokens int64, costUSD, responseTime float64) error
}

// UserManager resolves and mutates user records.
type UserManager interface {
	GetOrCreateUser(externalID, username string) (*models.User, error)
	GetUser(externalID string) (*models.User, error)
	UpdateSelectedModel(externalID, modelKey string) error
	SetSystemPrompt(externalID, prompt string) error
	ClearSystemPrompt(externalID string) error
	GetSystemPrompt(externalID string) (string, error)
	GetUserStats(externalID string) (*UserStats, error)
	SetSubscriptionTier(externalID, tierKey string) error
}
