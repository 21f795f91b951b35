package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"multichat_go_backend/internal/auth"
	"multichat_go_backend/internal/catalog"
	"multichat_go_backend/internal/errors"
	"multichat_go_backend/internal/export"
	"multichat_go_backend/internal/models"
	"multichat_go_backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v79"
)

const sessionPreviewLength = 20

func SetupRoutes(r *gin.Engine, chatService *services.ChatService, userService services.UserManager, sessionService services.SessionManager, stripeService *services.StripeService) {
	api := r.Group("/api")
	{
		api.POST("/start", auth.AuthMiddleware(userService), startHandler(userService))
		api.GET("/stats", auth.AuthMiddleware(userService), statsHandler(userService))

		api.GET("/models", auth.AuthMiddleware(userService), listModelsHandler(userService))
		api.POST("/models/select", auth.AuthMiddleware(userService), selectModelHandler(userService))

		api.POST("/chat/message", auth.AuthMiddleware(userService), sendMessageHandler(chatService))
		api.POST("/chat/ask", auth.AuthMiddleware(userService), oneShotAskHandler(chatService))
		api.POST("/chat/clear", auth.AuthMiddleware(userService), clearHistoryHandler(sessionService))

		api.GET("/sessions", auth.AuthMiddleware(userService), listSessionsHandler(sessionService))
		api.POST("/sessions/new", auth.AuthMiddleware(userService), newSessionHandler(sessionService))
		api.POST("/sessions/switch", auth.AuthMiddleware(userService), switchSessionHandler(sessionService))
		api.POST("/sessions/rename", auth.AuthMiddleware(userService), renameSessionHandler(sessionService))
		api.POST("/sessions/back", auth.AuthMiddleware(userService), goBackHandler(sessionService))
		api.DELETE("/sessions/:session_id", auth.AuthMiddleware(userService), deleteSessionHandler(sessionService))
		api.GET("/sessions/export", auth.AuthMiddleware(userService), exportSessionHandler(sessionService))

		api.GET("/system-prompt", auth.AuthMiddleware(userService), getSystemPromptHandler(userService))
		api.POST("/system-prompt", auth.AuthMiddleware(userService), setSystemPromptHandler(userService))
		api.DELETE("/system-prompt", auth.AuthMiddleware(userService), clearSystemPromptHandler(userService))

		api.POST("/upgrade", auth.AuthMiddleware(userService), upgradeTierHandler(stripeService))
		api.POST("/stripe/webhook", stripeWebhookHandler(stripeService, userService))
	}
}

// currentUser pulls the authenticated user the middleware stashed in the
// request context.
func currentUser(c *gin.Context) (*models.User, bool) {
	user, exists := c.Get("user")
	if !exists {
		errors.HandleError(c, errors.New401Error())
		return nil, false
	}
	userModel, ok := user.(*models.User)
	if !ok {
		errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to cast user to *models.User")))
		return nil, false
	}
	return userModel, true
}

func startHandler(userService services.UserManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		stats, err := userService.GetUserStats(user.ExternalID)
		if err != nil {
			errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to load user stats: %w", err)))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"greeting": fmt.Sprintf("Welcome, %s!", user.Username),
			"stats":    stats,
		})
	}
}

func statsHandler(userService services.UserManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		stats, err := userService.GetUserStats(user.ExternalID)
		if err != nil {
			errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to load user stats: %w", err)))
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func listModelsHandler(userService services.UserManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		tier := catalog.TierFor(user.SubscriptionTier)

		var entries []gin.H
		for _, key := range catalog.ModelKeys() {
			info := catalog.Models[key]
			entries = append(entries, gin.H{
				"key":         key,
				"name":        info.Name,
				"description": info.Description,
				"free":        info.Free,
				"selected":    key == user.SelectedModel,
				"available":   tier.Access.Allows(key),
			})
		}
		c.JSON(http.StatusOK, gin.H{"models": entries})
	}
}

func selectModelHandler(userService services.UserManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		var request struct {
			Model string `json:"model" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			errors.HandleError(c, errors.New400Error(err.Error()))
			return
		}

		if err := userService.UpdateSelectedModel(user.ExternalID, request.Model); err != nil {
			errors.HandleError(c, errors.New400Error(fmt.Sprintf("Unknown model: %s", request.Model)))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"selected": request.Model,
			"name":     catalog.ModelName(request.Model),
		})
	}
}

func sendMessageHandler(chatService *services.ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		var request struct {
			Message string `json:"message" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			errors.HandleError(c, errors.New400Error(err.Error()))
			return
		}

		outcome, err := chatService.HandleIncoming(c.Request.Context(), user.ExternalID, user.Username, request.Message)
		if err != nil {
			errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to process message: %w", err)))
			return
		}
		writeOutcome(c, outcome)
	}
}

func oneShotAskHandler(chatService *services.ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		var request struct {
			Model    string `json:"model" binding:"required"`
			Question string `json:"question" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			errors.HandleError(c, errors.New400Error(err.Error()))
			return
		}

		outcome, err := chatService.OneShotAsk(c.Request.Context(), user.ExternalID, request.Model, request.Question)
		if err != nil {
			errors.HandleError(c, errors.New400Error(err.Error()))
			return
		}
		writeOutcome(c, outcome)
	}
}

// writeOutcome maps an orchestrator outcome onto the HTTP surface:
// denials are 403, provider failures 502, success carries the reply in
// wire-sized chunks alongside the usage numbers.
func writeOutcome(c *gin.Context, outcome *services.Outcome) {
	if outcome.Denied {
		errors.HandleError(c, errors.NewAdmissionDeniedError(outcome.Reason))
		return
	}
	if !outcome.Success {
		errors.HandleError(c, errors.NewUpstreamError(outcome.Reason))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chunks":  services.SplitReply(outcome.Reply),
		"outcome": outcome,
	})
}

func clearHistoryHandler(sessionService services.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		if err := sessionService.ClearHistory(user.ExternalID); err != nil {
			errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to clear history: %w", err)))
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "History cleared"})
	}
}

func listSessionsHandler(sessionService services.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		sessions, err := sessionService.ListSessions(user.ExternalID)
		if err != nil {
			errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to list sessions: %w", err)))
			return
		}

		entries := make([]gin.H, 0, len(sessions))
		for _, session := range sessions {
			entries = append(entries, gin.H{
				"session_id": session.SessionID,
				"title":      previewTitle(session.Title),
				"current":    session.SessionID == user.CurrentSessionID,
				"updated_at": session.UpdatedAt.Format(time.RFC3339),
			})
		}
		c.JSON(http.StatusOK, gin.H{"sessions": entries})
	}
}

func newSessionHandler(sessionService services.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		var request struct {
			Title string `json:"title"`
		}
		// Body is optional; an untitled session gets the default title.
		_ = c.ShouldBindJSON(&request)
		if request.Title == "" {
			request.Title = services.DefaultSessionTitle
		}

		outgoing := user.CurrentSessionID
		sessionID, err := sessionService.CreateSession(user.ExternalID, request.Title)
		if err != nil {
			errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to create session: %w", err)))
			return
		}
		if err := sessionService.RecordPreviousSession(user.ExternalID, outgoing); err != nil {
			errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to record previous session: %w", err)))
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "title": request.Title})
	}
}

func switchSessionHandler(sessionService services.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		var request struct {
			SessionID string `json:"session_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			errors.HandleError(c, errors.New400Error(err.Error()))
			return
		}

		outgoing := user.CurrentSessionID
		if err := sessionService.SwitchSession(user.ExternalID, request.SessionID); err != nil {
			errors.HandleError(c, errors.New404Error("Session not found"))
			return
		}
		if err := sessionService.RecordPreviousSession(user.ExternalID, outgoing); err != nil {
			errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to record previous session: %w", err)))
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": request.SessionID})
	}
}

func renameSessionHandler(sessionService services.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		var request struct {
			Title string `json:"title" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			errors.HandleError(c, errors.New400Error(err.Error()))
			return
		}

		renamed, err := sessionService.RenameSession(user.ExternalID, request.Title)
		if err != nil {
			errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to rename session: %w", err)))
			return
		}
		if !renamed {
			errors.HandleError(c, errors.New404Error("No active session to rename"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Session renamed"})
	}
}

func goBackHandler(sessionService services.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		session, err := sessionService.GoBack(user.ExternalID)
		if err != nil {
			errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to go back: %w", err)))
			return
		}
		if session == nil {
			errors.HandleError(c, errors.New404Error("No previous session to return to"))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id": session.SessionID,
			"title":      session.Title,
		})
	}
}

func deleteSessionHandler(sessionService services.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		sessionID := c.Param("session_id")

		deleted, reason, err := sessionService.DeleteSession(user.ExternalID, sessionID)
		if err != nil {
			errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to delete session: %w", err)))
			return
		}
		if !deleted {
			if reason == "session not found" {
				errors.HandleError(c, errors.New404Error("Session not found"))
				return
			}
			errors.HandleError(c, errors.NewLastSessionError("Cannot delete your only session"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Session deleted"})
	}
}

func exportSessionHandler(sessionService services.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		session, messages, err := sessionService.GetTranscript(user.ExternalID)
		if err != nil {
			errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to load transcript: %w", err)))
			return
		}
		if session == nil {
			errors.HandleError(c, errors.New404Error("No active session to export"))
			return
		}

		pdfBytes, err := export.Transcript(session, messages)
		if err != nil {
			errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to render transcript: %w", err)))
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.pdf"`, session.SessionID))
		c.Data(http.StatusOK, "application/pdf", pdfBytes)
	}
}

func getSystemPromptHandler(userService services.UserManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		prompt, err := userService.GetSystemPrompt(user.ExternalID)
		if err != nil {
			errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to load system prompt: %w", err)))
			return
		}
		c.JSON(http.StatusOK, gin.H{"system_prompt": prompt})
	}
}

func setSystemPromptHandler(userService services.UserManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		var request struct {
			Prompt string `json:"prompt" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			errors.HandleError(c, errors.New400Error(err.Error()))
			return
		}
		if err := userService.SetSystemPrompt(user.ExternalID, request.Prompt); err != nil {
			errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to set system prompt: %w", err)))
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "System prompt set"})
	}
}

func clearSystemPromptHandler(userService services.UserManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		if err := userService.ClearSystemPrompt(user.ExternalID); err != nil {
			errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to clear system prompt: %w", err)))
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "System prompt cleared"})
	}
}

func upgradeTierHandler(stripeService *services.StripeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		var request struct {
			Tier string `json:"tier" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			errors.HandleError(c, errors.New400Error(err.Error()))
			return
		}

		session, err := stripeService.CreateTierCheckoutSession(user.ExternalID, request.Tier)
		if err != nil {
			errors.HandleError(c, errors.New400Error(err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"checkout_session_id": session.ID})
	}
}

func stripeWebhookHandler(stripeService *services.StripeService, userService services.UserManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		const MaxBodyBytes = int64(65536)
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)

		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			errors.HandleError(c, errors.New400Error("Error reading request body"))
			return
		}

		signatureHeader := c.GetHeader("Stripe-Signature")
		event, err := stripeService.HandleWebhook(payload, signatureHeader)
		if err != nil {
			errors.HandleError(c, errors.New400Error("Failed to verify webhook signature"))
			return
		}

		switch event.Type {
		case "checkout.session.completed":
			var session stripe.CheckoutSession
			if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
				errors.HandleError(c, errors.New400Error("Failed to parse checkout session"))
				return
			}
			if err := processSuccessfulCheckout(session, userService); err != nil {
				errors.HandleError(c, errors.New500Error(fmt.Errorf("failed to process checkout session: %w", err)))
				return
			}
		default:
			// Other event types are acknowledged without action.
		}

		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

func processSuccessfulCheckout(session stripe.CheckoutSession, userService services.UserManager) error {
	externalID := session.Metadata["external_id"]
	tierKey := session.Metadata["tier"]
	if externalID == "" || tierKey == "" {
		return fmt.Errorf("checkout session missing external_id or tier metadata")
	}
	return userService.SetSubscriptionTier(externalID, tierKey)
}

func previewTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= sessionPreviewLength {
		return title
	}
	return string(runes[:sessionPreviewLength]) + "..."
}
