package services_test

import (
	"context"
	"testing"

	"multichat_go_backend/internal/database"
	"multichat_go_backend/internal/models"
	"multichat_go_backend/internal/services"

	"github.com/stretchr/testify/mock"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens an isolated in-memory database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

type MockUserManager struct {
	mock.Mock
}

func (m *MockUserManager) GetOrCreateUser(externalID, username string) (*models.User, error) {
	args := m.Called(externalID, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserManager) GetUser(externalID string) (*models.User, error) {
	args := m.Called(externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserManager) UpdateSelectedModel(externalID, modelKey string) error {
	args := m.Called(externalID, modelKey)
	return args.Error(0)
}

func (m *MockUserManager) SetSystemPrompt(externalID, prompt string) error {
	args := m.Called(externalID, prompt)
	return args.Error(0)
}

func (m *MockUserManager) ClearSystemPrompt(externalID string) error {
	args := m.Called(externalID)
	return args.Error(0)
}

func (m *MockUserManager) GetSystemPrompt(externalID string) (string, error) {
	args := m.Called(externalID)
	return args.String(0), args.Error(1)
}

func (m *MockUserManager) GetUserStats(externalID string) (*services.UserStats, error) {
	args := m.Called(externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.UserStats), args.Error(1)
}

func (m *MockUserManager) SetSubscriptionTier(externalID, tierKey string) error {
	args := m.Called(externalID, tierKey)
	return args.Error(0)
}

type MockQuotaManager struct {
	mock.Mock
}

func (m *MockQuotaManager) CheckAdmission(externalID string, estimatedTokens int64) (bool, int64, string, error) {
	args := m.Called(externalID, estimatedTokens)
	return args.Bool(0), args.Get(1).(int64), args.String(2), args.Error(3)
}

func (m *MockQuotaManager) RecordUsage(externalID string, tokensUsed int64, costUSD float64) error {
	args := m.Called(externalID, tokensUsed, costUSD)
	return args.Error(0)
}

func (m *MockQuotaManager) CheckModelAccess(externalID, modelKey string) (bool, string, error) {
	args := m.Called(externalID, modelKey)
	return args.Bool(0), args.String(1), args.Error(2)
}

type MockSessionManager struct {
	mock.Mock
}

func (m *MockSessionManager) CreateSession(externalID, title string) (string, error) {
	args := m.Called(externalID, title)
	return args.String(0), args.Error(1)
}

func (m *MockSessionManager) ListSessions(externalID string) ([]models.ChatSession, error) {
	args := m.Called(externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatSession), args.Error(1)
}

func (m *MockSessionManager) GetCurrentSession(externalID string) (*models.ChatSession, error) {
	args := m.Called(externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatSession), args.Error(1)
}

func (m *MockSessionManager) SwitchSession(externalID, sessionID string) error {
	args := m.Called(externalID, sessionID)
	return args.Error(0)
}

func (m *MockSessionManager) RecordPreviousSession(externalID, outgoingSessionID string) error {
	args := m.Called(externalID, outgoingSessionID)
	return args.Error(0)
}

func (m *MockSessionManager) GoBack(externalID string) (*models.ChatSession, error) {
	args := m.Called(externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatSession), args.Error(1)
}

func (m *MockSessionManager) RenameSession(externalID, newTitle string) (bool, error) {
	args := m.Called(externalID, newTitle)
	return args.Bool(0), args.Error(1)
}

func (m *MockSessionManager) AutoTitleSession(externalID, firstMessageText string) error {
	args := m.Called(externalID, firstMessageText)
	return args.Error(0)
}

func (m *MockSessionManager) DeleteSession(externalID, sessionID string) (bool, string, error) {
	args := m.Called(externalID, sessionID)
	return args.Bool(0), args.String(1), args.Error(2)
}

func (m *MockSessionManager) AppendMessage(externalID, role, content, modelUsed string) error {
	args := m.Called(externalID, role, content, modelUsed)
	return args.Error(0)
}

func (m *MockSessionManager) GetHistory(externalID string, limit int) ([]services.ChatTurn, error) {
	args := m.Called(externalID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]services.ChatTurn), args.Error(1)
}

func (m *MockSessionManager) GetTranscript(externalID string) (*models.ChatSession, []models.Message, error) {
	args := m.Called(externalID)
	var session *models.ChatSession
	if args.Get(0) != nil {
		session = args.Get(0).(*models.ChatSession)
	}
	var messages []models.Message
	if args.Get(1) != nil {
		messages = args.Get(1).([]models.Message)
	}
	return session, messages, args.Error(2)
}

func (m *MockSessionManager) ClearHistory(externalID string) error {
	args := m.Called(externalID)
	return args.Error(0)
}

func (m *MockSessionManager) AttachUsageMetrics(externalID string, tokens, inputTokens, outputTokens int64, costUSD, responseTime float64) error {
	args := m.Called(externalID, tokens, inputTokens, outputTokens, costUSD, responseTime)
	return args.Error(0)
}

type MockModelClient struct {
	mock.Mock
}

func (m *MockModelClient) Send(ctx context.Context, modelKey string, messages []services.ChatTurn) (*services.SendResult, error) {
	args := m.Called(ctx, modelKey, messages)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.SendResult), args.Error(1)
}
