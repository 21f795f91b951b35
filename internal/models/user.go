package models

import (
	"time"

	"gorm.io/gorm"
)

// User is one record per end user, keyed by the stable identity the
// chat transport hands us.
type User struct {
	gorm.Model
	ExternalID        string `gorm:"unique;not null;index"`
	Username          string
	SelectedModel     string `gorm:"default:mimo"`
	CurrentSessionID  string
	PreviousSessionID string
	SubscriptionTier  string `gorm:"default:free"`
	TokensUsedMonth   int64  `gorm:"default:0"`
	TokensLimitMonth  int64  `gorm:"default:100000"`
	LastTokenReset    time.Time
	TotalSpentUSD     float64 `gorm:"default:0"`
	SystemPrompt      string
}
