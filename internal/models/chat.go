package models

import (
	"time"

	"gorm.io/gorm"
)

// ChatSession is a titled conversation thread owned by exactly one user.
// SessionID is the generated identifier the rest of the system refers to;
// the gorm surrogate key stays internal.
type ChatSession struct {
	gorm.Model
	ExternalID   string `gorm:"index;not null"`
	SessionID    string `gorm:"index;unique;not null"`
	Title        string `gorm:"size:100"`
	IsAutoTitled bool   `gorm:"default:true"`
}

// Message belongs to one session. The owner is recorded redundantly so
// per-user queries skip the session join. Usage metrics stay zero until
// the model call that produced an assistant message completes.
type Message struct {
	gorm.Model
	ExternalID   string `gorm:"index;not null"`
	SessionID    string `gorm:"index;not null"`
	Role         string `gorm:"not null"`
	Content      string `gorm:"not null"`
	ModelUsed    string
	TokensUsed   int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	ResponseTime float64
	Timestamp    time.Time
}
