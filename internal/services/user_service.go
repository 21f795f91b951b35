package services

import (
	"fmt"
	"time"

	"multichat_go_backend/internal/catalog"
	"multichat_go_backend/internal/models"

	gocache "github.com/patrickmn/go-cache"
	"gorm.io/gorm"
)

// UserStats is the aggregate shown by the show-stats command.
type UserStats struct {
	ExternalID      string    `json:"external_id"`
	SelectedModel   string    `json:"selected_model"`
	Tier            string    `json:"tier"`
	TierName        string    `json:"tier_name"`
	TokensUsed      int64     `json:"tokens_used"`
	TokensLimit     int64     `json:"tokens_limit"`
	TokensRemaining int64     `json:"tokens_remaining"`
	UsagePercent    float64   `json:"usage_percent"`
	TotalSpentUSD   float64   `json:"total_spent_usd"`
	IsAdmin         bool      `json:"is_admin"`
	CreatedAt       time.Time `json:"created_at"`
}

// UserService implements UserManager. Reads go through a short-TTL
// cache; writes made through this service invalidate the cached row.
// The quota ledger updates usage counters directly, so stats read here
// can lag a just-recorded reply by up to the cache TTL.
type UserService struct {
	db     *gorm.DB
	cache  *gocache.Cache
	admins map[string]bool
}

func NewUserService(db *gorm.DB, adminIDs []string) *UserService {
	admins := make(map[string]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &UserService{
		db:     db,
		cache:  gocache.New(30*time.Second, 5*time.Minute),
		admins: admins,
	}
}

// GetOrCreateUser resolves the user by external identity, creating the
// record with catalog defaults on first contact.
func (s *UserService) GetOrCreateUser(externalID, username string) (*models.User, error) {
	user := models.User{
		ExternalID:       externalID,
		Username:         username,
		SelectedModel:    catalog.DefaultModelKey,
		SubscriptionTier: catalog.DefaultTier,
		TokensLimitMonth: catalog.TierFor(catalog.DefaultTier).MonthlyTokens,
		LastTokenReset:   time.Now().UTC(),
	}
	result := s.db.Where(models.User{ExternalID: externalID}).FirstOrCreate(&user)
	if result.Error != nil {
		return nil, result.Error
	}
	s.cache.Delete(externalID)
	return &user, nil
}

// GetUser returns the user record, or an error when it does not exist.
func (s *UserService) GetUser(externalID string) (*models.User, error) {
	if cached, found := s.cache.Get(externalID); found {
		if user, ok := cached.(*models.User); ok {
			return user, nil
		}
	}

	var user models.User
	if err := s.db.Where("external_id = ?", externalID).First(&user).Error; err != nil {
		return nil, err
	}
	s.cache.Set(externalID, &user, gocache.DefaultExpiration)
	return &user, nil
}

func (s *UserService) UpdateSelectedModel(externalID, modelKey string) error {
	if _, ok := catalog.Models[modelKey]; !ok {
		return fmt.Errorf("unknown model: %s", modelKey)
	}
	defer s.cache.Delete(externalID)
	return s.db.Model(&models.User{}).
		Where("external_id = ?", externalID).
		Update("selected_model", modelKey).Error
}

func (s *UserService) SetSystemPrompt(externalID, prompt string) error {
	defer s.cache.Delete(externalID)
	return s.db.Model(&models.User{}).
		Where("external_id = ?", externalID).
		Update("system_prompt", prompt).Error
}

func (s *UserService) ClearSystemPrompt(externalID string) error {
	return s.SetSystemPrompt(externalID, "")
}

func (s *UserService) GetSystemPrompt(externalID string) (string, error) {
	user, err := s.GetUser(externalID)
	if err != nil {
		return "", err
	}
	return user.SystemPrompt, nil
}

// SetSubscriptionTier applies an externally triggered tier change. The
// denormalized monthly limit follows the catalog immediately.
func (s *UserService) SetSubscriptionTier(externalID, tierKey string) error {
	if _, ok := catalog.Tiers[tierKey]; !ok {
		return fmt.Errorf("unknown tier: %s", tierKey)
	}
	defer s.cache.Delete(externalID)
	return s.db.Model(&models.User{}).
		Where("external_id = ?", externalID).
		Updates(map[string]interface{}{
			"subscription_tier":  tierKey,
			"tokens_limit_month": catalog.TierFor(tierKey).MonthlyTokens,
		}).Error
}

// GetUserStats assembles the usage figures for the stats command.
func (s *UserService) GetUserStats(externalID string) (*UserStats, error) {
	user, err := s.GetUser(externalID)
	if err != nil {
		return nil, err
	}

	tier := catalog.TierFor(user.SubscriptionTier)
	limit := tier.MonthlyTokens
	remaining := limit - user.TokensUsedMonth
	if remaining < 0 {
		remaining = 0
	}

	percent := 0.0
	if limit > 0 {
		percent = float64(user.TokensUsedMonth) / float64(limit) * 100
		if percent > 100 {
			percent = 100
		}
	}

	return &UserStats{
		ExternalID:      user.ExternalID,
		SelectedModel:   user.SelectedModel,
		Tier:            user.SubscriptionTier,
		TierName:        tier.Name,
		TokensUsed:      user.TokensUsedMonth,
		TokensLimit:     limit,
		TokensRemaining: remaining,
		UsagePercent:    percent,
		TotalSpentUSD:   user.TotalSpentUSD,
		IsAdmin:         s.admins[externalID],
		CreatedAt:       user.CreatedAt,
	}, nil
}
