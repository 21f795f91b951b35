package services_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"multichat_go_backend/internal/models"
	"multichat_go_backend/internal/pricing"
	"multichat_go_backend/internal/services"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestHandleIncoming(t *testing.T) {
	// Setup
	mockUsers := new(MockUserManager)
	mockQuota := new(MockQuotaManager)
	mockSessions := new(MockSessionManager)
	mockModel := new(MockModelClient)

	chatService := services.NewChatService(
		mockUsers,
		mockQuota,
		mockSessions,
		mockModel,
		nil,
		zerolog.Nop(),
	)

	// Test data
	ctx := context.Background()
	externalID := "user-42"
	username := "alice"
	text := "What is the capital of France?"
	estimated := pricing.EstimateTokens(text)

	resetMocks := func() {
		mockUsers.ExpectedCalls = nil
		mockUsers.Calls = nil
		mockQuota.ExpectedCalls = nil
		mockQuota.Calls = nil
		mockSessions.ExpectedCalls = nil
		mockSessions.Calls = nil
		mockModel.ExpectedCalls = nil
		mockModel.Calls = nil
	}

	t.Run("Successful Message", func(t *testing.T) {
		resetMocks()

		// Expectations
		user := &models.User{ExternalID: externalID, Username: username, SelectedModel: "claude", SubscriptionTier: "pro"}
		mockUsers.On("GetOrCreateUser", externalID, username).Return(user, nil).Once()
		mockQuota.On("CheckModelAccess", externalID, "claude").Return(true, "", nil).Once()
		mockQuota.On("CheckAdmission", externalID, estimated).Return(true, int64(5000), "pro", nil).Once()
		mockSessions.On("AppendMessage", externalID, "user", text, "").Return(nil).Once()
		mockSessions.On("AutoTitleSession", externalID, text).Return(nil).Once()
		mockSessions.On("GetHistory", externalID, 15).Return([]services.ChatTurn{{Role: "user", Content: text}}, nil).Once()
		mockModel.On("Send", ctx, "claude", mock.AnythingOfType("[]services.ChatTurn")).Return(&services.SendResult{
			Response:     "Paris.",
			TotalTokens:  150,
			InputTokens:  100,
			OutputTokens: 50,
			ResponseTime: 1.2,
		}, nil).Once()
		expectedCost := pricing.Cost("claude", 100, 50)
		mockQuota.On("RecordUsage", externalID, int64(150), expectedCost).Return(nil).Once()
		mockSessions.On("AppendMessage", externalID, "assistant", "Paris.", "claude").Return(nil).Once()
		mockSessions.On("AttachUsageMetrics", externalID, int64(150), int64(100), int64(50), expectedCost, 1.2).Return(nil).Once()

		// Execute
		outcome, err := chatService.HandleIncoming(ctx, externalID, username, text)

		// Assert
		assert.NoError(t, err)
		assert.True(t, outcome.Success)
		assert.Equal(t, "Paris.", outcome.Reply)
		assert.Equal(t, "claude", outcome.ModelKey)
		assert.Equal(t, "Claude Sonnet 4.5", outcome.ModelName)
		assert.False(t, outcome.FreeModel)
		assert.Equal(t, int64(150), outcome.TokensUsed)
		assert.Equal(t, expectedCost, outcome.CostUSD)
		assert.Equal(t, int64(5000-150), outcome.RemainingTokens)

		// Verify expectations
		mockUsers.AssertExpectations(t)
		mockQuota.AssertExpectations(t)
		mockSessions.AssertExpectations(t)
		mockModel.AssertExpectations(t)
	})

	t.Run("System Prompt Prepended", func(t *testing.T) {
		resetMocks()

		// Expectations
		user := &models.User{ExternalID: externalID, SelectedModel: "mimo", SubscriptionTier: "free", SystemPrompt: "Be terse."}
		mockUsers.On("GetOrCreateUser", externalID, username).Return(user, nil).Once()
		mockQuota.On("CheckModelAccess", externalID, "mimo").Return(true, "", nil).Once()
		mockQuota.On("CheckAdmission", externalID, estimated).Return(true, int64(90000), "free", nil).Once()
		mockSessions.On("AppendMessage", externalID, "user", text, "").Return(nil).Once()
		mockSessions.On("AutoTitleSession", externalID, text).Return(nil).Once()
		mockSessions.On("GetHistory", externalID, 15).Return([]services.ChatTurn{{Role: "user", Content: text}}, nil).Once()
		mockModel.On("Send", ctx, "mimo", mock.MatchedBy(func(turns []services.ChatTurn) bool {
			return len(turns) == 2 && turns[0].Role == "system" && turns[0].Content == "Be terse."
		})).Return(&services.SendResult{Response: "Paris.", TotalTokens: 20, InputTokens: 15, OutputTokens: 5}, nil).Once()
		mockQuota.On("RecordUsage", externalID, int64(20), 0.0).Return(nil).Once()
		mockSessions.On("AppendMessage", externalID, "assistant", "Paris.", "mimo").Return(nil).Once()
		mockSessions.On("AttachUsageMetrics", externalID, int64(20), int64(15), int64(5), 0.0, 0.0).Return(nil).Once()

		// Execute
		outcome, err := chatService.HandleIncoming(ctx, externalID, username, text)

		// Assert
		assert.NoError(t, err)
		assert.True(t, outcome.Success)
		assert.True(t, outcome.FreeModel)
		assert.Equal(t, "Free", outcome.CostLabel)
		mockModel.AssertExpectations(t)
	})

	t.Run("Model Access Denied", func(t *testing.T) {
		resetMocks()

		// Expectations
		user := &models.User{ExternalID: externalID, SelectedModel: "claude", SubscriptionTier: "free"}
		mockUsers.On("GetOrCreateUser", externalID, username).Return(user, nil).Once()
		denial := "The Free tier does not include Claude Sonnet 4.5. Allowed models: chimera, devstral, mimo."
		mockQuota.On("CheckModelAccess", externalID, "claude").Return(false, denial, nil).Once()

		// Execute
		outcome, err := chatService.HandleIncoming(ctx, externalID, username, text)

		// Assert
		assert.NoError(t, err)
		assert.False(t, outcome.Success)
		assert.True(t, outcome.Denied)
		assert.Equal(t, denial, outcome.Reason)

		// Nothing was appended and nothing was billed
		mockSessions.AssertNotCalled(t, "AppendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		mockQuota.AssertNotCalled(t, "RecordUsage", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Quota Exhausted", func(t *testing.T) {
		resetMocks()

		// Expectations
		user := &models.User{ExternalID: externalID, SelectedModel: "mimo", SubscriptionTier: "free"}
		mockUsers.On("GetOrCreateUser", externalID, username).Return(user, nil).Once()
		mockQuota.On("CheckModelAccess", externalID, "mimo").Return(true, "", nil).Once()
		mockQuota.On("CheckAdmission", externalID, estimated).Return(false, int64(3), "free", nil).Once()

		// Execute
		outcome, err := chatService.HandleIncoming(ctx, externalID, username, text)

		// Assert
		assert.NoError(t, err)
		assert.True(t, outcome.Denied)
		assert.Contains(t, outcome.Reason, "monthly token limit for the Free tier")
		assert.Equal(t, int64(3), outcome.RemainingTokens)
		mockSessions.AssertNotCalled(t, "AppendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Provider Failure Surfaces Verbatim", func(t *testing.T) {
		resetMocks()

		// Expectations
		user := &models.User{ExternalID: externalID, SelectedModel: "gemini", SubscriptionTier: "pro"}
		mockUsers.On("GetOrCreateUser", externalID, username).Return(user, nil).Once()
		mockQuota.On("CheckModelAccess", externalID, "gemini").Return(true, "", nil).Once()
		mockQuota.On("CheckAdmission", externalID, estimated).Return(true, int64(100000), "pro", nil).Once()
		mockSessions.On("AppendMessage", externalID, "user", text, "").Return(nil).Once()
		mockSessions.On("AutoTitleSession", externalID, text).Return(nil).Once()
		mockSessions.On("GetHistory", externalID, 15).Return([]services.ChatTurn{{Role: "user", Content: text}}, nil).Once()
		providerErr := fmt.Errorf("model returned an empty response")
		mockModel.On("Send", ctx, "gemini", mock.AnythingOfType("[]services.ChatTurn")).Return(nil, providerErr).Once()

		// Execute
		outcome, err := chatService.HandleIncoming(ctx, externalID, username, text)

		// Assert
		assert.NoError(t, err)
		assert.False(t, outcome.Success)
		assert.False(t, outcome.Denied)
		assert.Equal(t, providerErr.Error(), outcome.Reason)

		// A failed call bills nothing; the user message stays appended.
		mockQuota.AssertNotCalled(t, "RecordUsage", mock.Anything, mock.Anything, mock.Anything)
		mockSessions.AssertNotCalled(t, "AppendMessage", externalID, "assistant", mock.Anything, mock.Anything)
	})
}

func TestOneShotAsk(t *testing.T) {
	// Setup
	mockUsers := new(MockUserManager)
	mockQuota := new(MockQuotaManager)
	mockSessions := new(MockSessionManager)
	mockModel := new(MockModelClient)

	chatService := services.NewChatService(
		mockUsers,
		mockQuota,
		mockSessions,
		mockModel,
		nil,
		zerolog.Nop(),
	)

	ctx := context.Background()
	externalID := "user-42"
	question := "Summarize the theory of relativity."

	resetMocks := func() {
		mockUsers.ExpectedCalls = nil
		mockUsers.Calls = nil
		mockQuota.ExpectedCalls = nil
		mockQuota.Calls = nil
		mockSessions.ExpectedCalls = nil
		mockSessions.Calls = nil
		mockModel.ExpectedCalls = nil
		mockModel.Calls = nil
	}

	t.Run("Alias Resolves To Catalog Key", func(t *testing.T) {
		resetMocks()

		// Expectations
		user := &models.User{ExternalID: externalID, SubscriptionTier: "pro"}
		mockUsers.On("GetOrCreateUser", externalID, "").Return(user, nil).Once()
		mockQuota.On("CheckModelAccess", externalID, "claude").Return(true, "", nil).Once()
		mockQuota.On("CheckAdmission", externalID, pricing.EstimateTokens(question)).Return(true, int64(100000), "pro", nil).Once()
		mockModel.On("Send", ctx, "claude", []services.ChatTurn{{Role: "user", Content: question}}).Return(&services.SendResult{
			Response:     "It relates space and time.",
			TotalTokens:  80,
			InputTokens:  30,
			OutputTokens: 50,
		}, nil).Once()
		mockQuota.On("RecordUsage", externalID, int64(80), pricing.Cost("claude", 30, 50)).Return(nil).Once()

		// Execute — "sonnet" is an alias for the claude catalog key
		outcome, err := chatService.OneShotAsk(ctx, externalID, "sonnet", question)

		// Assert
		assert.NoError(t, err)
		assert.True(t, outcome.Success)
		assert.Equal(t, "claude", outcome.ModelKey)

		// One-shot answers never touch the session history
		mockSessions.AssertNotCalled(t, "AppendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		mockModel.AssertExpectations(t)
	})

	t.Run("Unknown Alias", func(t *testing.T) {
		resetMocks()

		// Execute
		outcome, err := chatService.OneShotAsk(ctx, externalID, "grok", question)

		// Assert
		assert.NoError(t, err)
		assert.True(t, outcome.Denied)
		assert.Contains(t, outcome.Reason, "Unknown model: grok")
		mockUsers.AssertNotCalled(t, "GetOrCreateUser", mock.Anything, mock.Anything)
	})

	t.Run("Access Denied For Paid Model On Free Tier", func(t *testing.T) {
		resetMocks()

		// Expectations
		user := &models.User{ExternalID: externalID, SubscriptionTier: "free"}
		mockUsers.On("GetOrCreateUser", externalID, "").Return(user, nil).Once()
		mockQuota.On("CheckModelAccess", externalID, "gpt4").Return(false, "The Free tier does not include GPT-4o.", nil).Once()

		// Execute
		outcome, err := chatService.OneShotAsk(ctx, externalID, "gpt", question)

		// Assert
		assert.NoError(t, err)
		assert.True(t, outcome.Denied)
		mockModel.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestSplitReply(t *testing.T) {
	t.Run("Short Reply Passes Through", func(t *testing.T) {
		parts := services.SplitReply("hello")
		assert.Equal(t, []string{"hello"}, parts)
	})

	t.Run("Empty Reply", func(t *testing.T) {
		parts := services.SplitReply("")
		assert.Equal(t, []string{""}, parts)
	})

	t.Run("Splits On Line Boundary", func(t *testing.T) {
		line := ""
		for i := 0; i < 100; i++ {
			line += "x"
		}
		text := ""
		for i := 0; i < 50; i++ {
			text += line + "\n"
		}

		parts := services.SplitReply(text)
		assert.Greater(t, len(parts), 1)
		for _, part := range parts {
			assert.LessOrEqual(t, len(part), 4000)
		}
	})

	t.Run("Hard Split Without Newlines", func(t *testing.T) {
		text := ""
		for i := 0; i < 9000; i++ {
			text += "a"
		}

		parts := services.SplitReply(text)
		assert.Equal(t, 3, len(parts))
		assert.Equal(t, 4000, len(parts[0]))
		assert.Equal(t, 4000, len(parts[1]))
		assert.Equal(t, 1000, len(parts[2]))
	})

	t.Run("Hard Split Counts Runes Not Bytes", func(t *testing.T) {
		// 9000 three-byte runes without a single newline.
		text := strings.Repeat("世", 9000)

		parts := services.SplitReply(text)
		assert.Equal(t, 3, len(parts))

		rebuilt := ""
		for _, part := range parts {
			assert.True(t, utf8.ValidString(part))
			assert.LessOrEqual(t, utf8.RuneCountInString(part), 4000)
			rebuilt += part
		}
		assert.Equal(t, text, rebuilt)
	})

	t.Run("No Content Lost", func(t *testing.T) {
		text := ""
		for i := 0; i < 9000; i++ {
			text += "b"
		}

		total := 0
		for _, part := range services.SplitReply(text) {
			total += len(part)
		}
		assert.Equal(t, 9000, total)
	})
}
