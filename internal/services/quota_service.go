package services

import (
	"fmt"
	"time"

	"multichat_go_backend/internal/catalog"
	"multichat_go_backend/internal/models"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// AdminRemainingTokens is the sentinel balance reported for privileged
// users, who bypass tier rules entirely.
const AdminRemainingTokens int64 = 999_999_999

// QuotaService implements QuotaManager on top of gorm.
//
// Admission check and usage recording are deliberately two separate,
// non-atomic steps: concurrent requests from one user can overshoot the
// monthly limit before the next check observes the increment. Accepted
// as best effort; the balance self-corrects on the next check.
type QuotaService struct {
	db     *gorm.DB
	admins map[string]bool
	log    zerolog.Logger
}

func NewQuotaService(db *gorm.DB, adminIDs []string, log zerolog.Logger) *QuotaService {
	admins := make(map[string]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &QuotaService{db: db, admins: admins, log: log}
}

// IsAdmin reports whether the identity is privileged.
func (s *QuotaService) IsAdmin(externalID string) bool {
	return s.admins[externalID]
}

// CheckAdmission evaluates whether the user may spend roughly
// estimatedTokens. The monthly window rolls over lazily here: when the
// stored reset timestamp belongs to an earlier calendar month, the used
// counter is reset as a side effect of this very call. The effective
// limit is re-derived from the tier catalog on every check so tier
// changes apply immediately; the denormalized column on the user row is
// refreshed for display only.
func (s *QuotaService) CheckAdmission(externalID string, estimatedTokens int64) (bool, int64, string, error) {
	if s.IsAdmin(externalID) {
		return true, AdminRemainingTokens, "admin", nil
	}

	var user models.User
	if err := s.db.Where("external_id = ?", externalID).First(&user).Error; err != nil {
		return false, 0, "", fmt.Errorf("failed to load user %s: %w", externalID, err)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{}

	if monthRolledOver(user.LastTokenReset, now) {
		s.log.Info().Str("externalID", externalID).
			Time("lastReset", user.LastTokenReset).
			Msg("monthly token window rolled over")
		user.TokensUsedMonth = 0
		user.LastTokenReset = now
		updates["tokens_used_month"] = int64(0)
		updates["last_token_reset"] = now
	}

	tier := catalog.TierFor(user.SubscriptionTier)
	if user.TokensLimitMonth != tier.MonthlyTokens {
		updates["tokens_limit_month"] = tier.MonthlyTokens
	}

	if len(updates) > 0 {
		if err := s.db.Model(&models.User{}).Where("external_id = ?", externalID).Updates(updates).Error; err != nil {
			return false, 0, "", fmt.Errorf("failed to update token window: %w", err)
		}
	}

	remaining := tier.MonthlyTokens - user.TokensUsedMonth
	return remaining >= estimatedTokens, remaining, user.SubscriptionTier, nil
}

// RecordUsage unconditionally adds the provider-reported token count
// and cost to the user's counters. The actual amount may exceed the
// earlier estimate; estimation is advisory, not a reservation.
func (s *QuotaService) RecordUsage(externalID string, tokensUsed int64, costUSD float64) error {
	result := s.db.Model(&models.User{}).
		Where("external_id = ?", externalID).
		Updates(map[string]interface{}{
			"tokens_used_month": gorm.Expr("tokens_used_month + ?", tokensUsed),
			"total_spent_usd":   gorm.Expr("total_spent_usd + ?", costUSD),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record usage: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("no user found for %s", externalID)
	}
	s.log.Debug().Str("externalID", externalID).
		Int64("tokens", tokensUsed).Float64("costUSD", costUSD).
		Msg("usage recorded")
	return nil
}

// CheckModelAccess resolves the user's tier policy against the
// requested model. Denials carry a reason naming the tier and its
// allowed set.
func (s *QuotaService) CheckModelAccess(externalID, modelKey string) (bool, string, error) {
	if s.IsAdmin(externalID) {
		return true, "", nil
	}

	var user models.User
	if err := s.db.Where("external_id = ?", externalID).First(&user).Error; err != nil {
		return false, "", fmt.Errorf("failed to load user %s: %w", externalID, err)
	}

	tier := catalog.TierFor(user.SubscriptionTier)
	if tier.Access.Allows(modelKey) {
		return true, "", nil
	}

	reason := fmt.Sprintf("The %s tier does not include %s. Allowed models: %s.",
		tier.Name, catalog.ModelName(modelKey), tier.Access.Describe())
	return false, reason, nil
}

// monthRolledOver reports whether last falls in a calendar month
// strictly earlier than now.
func monthRolledOver(last, now time.Time) bool {
	if last.IsZero() {
		return false
	}
	if last.Year() != now.Year() {
		return last.Year() < now.Year()
	}
	return last.Month() < now.Month()
}
