package services

import (
	"errors"
	"fmt"
	"time"

	"multichat_go_backend/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// DefaultSessionTitle is given to sessions created implicitly or via
// the plain new-chat command. Auto-titling only ever replaces it.
const DefaultSessionTitle = "New chat"

const (
	maxTitleLength    = 100
	autoTitleLength   = 30
	autoTitleEllipsis = "..."
	assistantRole     = "assistant"
)

// SessionService implements SessionManager on top of gorm. Each
// operation runs in its own short-lived transaction; there is no
// cross-operation transaction.
type SessionService struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewSessionService(db *gorm.DB, log zerolog.Logger) *SessionService {
	return &SessionService{db: db, log: log}
}

// CreateSession persists a fresh session and makes it the user's
// current one. The superseded session is not archived here; callers
// wanting go-back semantics record it via RecordPreviousSession.
func (s *SessionService) CreateSession(externalID, title string) (string, error) {
	if title == "" {
		title = DefaultSessionTitle
	}
	sessionID := uuid.New().String()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		session := &models.ChatSession{
			ExternalID:   externalID,
			SessionID:    sessionID,
			Title:        truncateRunes(title, maxTitleLength),
			IsAutoTitled: true,
		}
		if err := tx.Create(session).Error; err != nil {
			return err
		}
		return tx.Model(&models.User{}).
			Where("external_id = ?", externalID).
			Update("current_session_id", sessionID).Error
	})
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	s.log.Info().Str("externalID", externalID).Str("sessionID", sessionID).Msg("session created")
	return sessionID, nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (s *SessionService) ListSessions(externalID string) ([]models.ChatSession, error) {
	var sessions []models.ChatSession
	result := s.db.Where("external_id = ?", externalID).
		Order("updated_at desc").
		Find(&sessions)
	if result.Error != nil {
		return nil, result.Error
	}
	return sessions, nil
}

// GetCurrentSession resolves the user's active session, or nil when the
// user has none yet.
func (s *SessionService) GetCurrentSession(externalID string) (*models.ChatSession, error) {
	var user models.User
	if err := s.db.Where("external_id = ?", externalID).First(&user).Error; err != nil {
		return nil, err
	}
	if user.CurrentSessionID == "" {
		return nil, nil
	}

	var session models.ChatSession
	err := s.db.Where("session_id = ?", user.CurrentSessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// SwitchSession makes sessionID the user's current session. Capturing
// the outgoing session for go-back is a separate, independent call.
func (s *SessionService) SwitchSession(externalID, sessionID string) error {
	var session models.ChatSession
	err := s.db.Where("session_id = ? AND external_id = ?", sessionID, externalID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return err
	}

	return s.db.Model(&models.User{}).
		Where("external_id = ?", externalID).
		Update("current_session_id", sessionID).Error
}

// RecordPreviousSession stores the outgoing session id for go-back
// semantics. A no-op switch (outgoing equals the session now current)
// is not recorded.
func (s *SessionService) RecordPreviousSession(externalID, outgoingSessionID string) error {
	if outgoingSessionID == "" {
		return nil
	}
	var user models.User
	if err := s.db.Where("external_id = ?", externalID).First(&user).Error; err != nil {
		return err
	}
	if user.CurrentSessionID == outgoingSessionID {
		return nil
	}
	return s.db.Model(&models.User{}).
		Where("external_id = ?", externalID).
		Update("previous_session_id", outgoingSessionID).Error
}

// GoBack swaps the current and previous session references and returns
// the newly current session, or nil when there is nothing to go back to.
func (s *SessionService) GoBack(externalID string) (*models.ChatSession, error) {
	var user models.User
	if err := s.db.Where("external_id = ?", externalID).First(&user).Error; err != nil {
		return nil, err
	}
	if user.PreviousSessionID == "" {
		return nil, nil
	}

	var session models.ChatSession
	err := s.db.Where("session_id = ? AND external_id = ?", user.PreviousSessionID, externalID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Stale reference, e.g. the session was deleted meanwhile.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	err = s.db.Model(&models.User{}).Where("external_id = ?", externalID).Updates(map[string]interface{}{
		"current_session_id":  user.PreviousSessionID,
		"previous_session_id": user.CurrentSessionID,
	}).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// RenameSession sets a user-chosen title on the current session and
// permanently disables auto-titling for it. Returns false when the user
// has no current session.
func (s *SessionService) RenameSession(externalID, newTitle string) (bool, error) {
	session, err := s.GetCurrentSession(externalID)
	if err != nil {
		return false, err
	}
	if session == nil {
		return false, nil
	}

	err = s.db.Model(&models.ChatSession{}).
		Where("session_id = ?", session.SessionID).
		Updates(map[string]interface{}{
			"title":          truncateRunes(newTitle, maxTitleLength),
			"is_auto_titled": false,
			"updated_at":     time.Now(),
		}).Error
	if err != nil {
		return false, err
	}
	return true, nil
}

// AutoTitleSession derives a title from the session's first message.
// Cheap to call on every inbound message: it only applies while the
// session still carries its creation default and has never been
// renamed, so repeated calls after the first are no-ops.
func (s *SessionService) AutoTitleSession(externalID, firstMessageText string) error {
	session, err := s.GetCurrentSession(externalID)
	if err != nil {
		return err
	}
	if session == nil || !session.IsAutoTitled || session.Title != DefaultSessionTitle {
		return nil
	}

	title := firstMessageText
	if runeLen(title) > autoTitleLength {
		title = truncateRunes(title, autoTitleLength) + autoTitleEllipsis
	}

	return s.db.Model(&models.ChatSession{}).
		Where("session_id = ?", session.SessionID).
		Updates(map[string]interface{}{
			"title":      title,
			"updated_at": time.Now(),
		}).Error
}

// DeleteSession removes a session and all messages scoped to it. A
// user's sole remaining session can never be deleted. When the active
// session is deleted, current moves to an arbitrary remaining session.
func (s *SessionService) DeleteSession(externalID, sessionID string) (bool, string, error) {
	var count int64
	if err := s.db.Model(&models.ChatSession{}).Where("external_id = ?", externalID).Count(&count).Error; err != nil {
		return false, "", err
	}
	if count <= 1 {
		return false, "cannot delete last session", nil
	}

	var session models.ChatSession
	err := s.db.Where("session_id = ? AND external_id = ?", sessionID, externalID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, "session not found", nil
	}
	if err != nil {
		return false, "", err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&session).Error; err != nil {
			return err
		}

		var user models.User
		if err := tx.Where("external_id = ?", externalID).First(&user).Error; err != nil {
			return err
		}
		if user.CurrentSessionID == sessionID {
			var remaining models.ChatSession
			if err := tx.Where("external_id = ?", externalID).First(&remaining).Error; err != nil {
				return err
			}
			if err := tx.Model(&user).Update("current_session_id", remaining.SessionID).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, "", fmt.Errorf("failed to delete session: %w", err)
	}

	s.log.Info().Str("externalID", externalID).Str("sessionID", sessionID).Msg("session deleted")
	return true, "", nil
}

// AppendMessage stores a message in the user's current session,
// implicitly creating one first if the user has none. This is the only
// implicit-creation path outside the explicit new-chat command.
func (s *SessionService) AppendMessage(externalID, role, content, modelUsed string) error {
	var user models.User
	if err := s.db.Where("external_id = ?", externalID).First(&user).Error; err != nil {
		return err
	}

	sessionID := user.CurrentSessionID
	if sessionID == "" {
		created, err := s.CreateSession(externalID, DefaultSessionTitle)
		if err != nil {
			return err
		}
		sessionID = created
	}

	message := &models.Message{
		ExternalID: externalID,
		SessionID:  sessionID,
		Role:       role,
		Content:    content,
		ModelUsed:  modelUsed,
		Timestamp:  time.Now(),
	}
	return s.db.Create(message).Error
}

// GetHistory returns the last limit message pairs of the current
// session, oldest first. Messages from other sessions never leak in.
func (s *SessionService) GetHistory(externalID string, limit int) ([]ChatTurn, error) {
	var user models.User
	if err := s.db.Where("external_id = ?", externalID).First(&user).Error; err != nil {
		return nil, err
	}
	if user.CurrentSessionID == "" {
		return []ChatTurn{}, nil
	}

	var messages []models.Message
	result := s.db.Where("external_id = ? AND session_id = ?", externalID, user.CurrentSessionID).
		Order("timestamp desc").
		Order("id desc").
		Limit(limit * 2).
		Find(&messages)
	if result.Error != nil {
		return nil, result.Error
	}

	history := make([]ChatTurn, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		history = append(history, ChatTurn{Role: messages[i].Role, Content: messages[i].Content})
	}
	return history, nil
}

// GetTranscript returns the current session and its full message list
// in chronological order, for export. No window limit applies here.
func (s *SessionService) GetTranscript(externalID string) (*models.ChatSession, []models.Message, error) {
	session, err := s.GetCurrentSession(externalID)
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		return nil, nil, nil
	}

	var messages []models.Message
	err = s.db.Where("external_id = ? AND session_id = ?", externalID, session.SessionID).
		Order("timestamp asc").
		Order("id asc").
		Find(&messages).Error
	if err != nil {
		return nil, nil, err
	}
	return session, messages, nil
}

// ClearHistory deletes all messages of the current session. The session
// itself survives.
func (s *SessionService) ClearHistory(externalID string) error {
	var user models.User
	if err := s.db.Where("external_id = ?", externalID).First(&user).Error; err != nil {
		return err
	}
	if user.CurrentSessionID == "" {
		return nil
	}
	err := s.db.Where("external_id = ? AND session_id = ?", externalID, user.CurrentSessionID).
		Delete(&models.Message{}).Error
	if err != nil {
		return err
	}
	s.log.Info().Str("externalID", externalID).Str("sessionID", user.CurrentSessionID).Msg("history cleared")
	return nil
}

// AttachUsageMetrics patches provider-reported usage onto the user's
// most recent assistant message. Recency-based lookup, not id-based:
// two in-flight replies for one user could cross-attach. Accepted.
func (s *SessionService) AttachUsageMetrics(externalID string, tokens, inputTokens, outputTokens int64, costUSD, responseTime float64) error {
	var message models.Message
	err := s.db.Where("external_id = ? AND role = ?", externalID, assistantRole).
		Order("id desc").
		First(&message).Error
	if err != nil {
		return fmt.Errorf("no assistant message to attach metrics to: %w", err)
	}

	return s.db.Model(&message).Updates(map[string]interface{}{
		"tokens_used":   tokens,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"cost_usd":      costUSD,
		"response_time": responseTime,
	}).Error
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func runeLen(s string) int {
	return len([]rune(s))
}
