package models

import (
	"time"

	"gorm.io/datatypes"
)

const AbuseFlagsTableName = "api_key_abuse_flags"

// ApiKeyAbuseFlag holds the abuse detector's verdict for one API key.
// Blocked is sticky: only a manual unblock clears it.
type ApiKeyAbuseFlag struct {
	ApiKey      string         `gorm:"primaryKey" json:"api_key"`
	RiskScore   int            `json:"risk_score"`
	ReasonCodes datatypes.JSON `json:"reason_codes"` // JSON array of reason strings
	Blocked     bool           `gorm:"index" json:"blocked"`
	LastSeenAt  time.Time      `json:"last_seen_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"-"`
}

// TableName specifies the table name for the ApiKeyAbuseFlag model
func (ApiKeyAbuseFlag) TableName() string {
	return AbuseFlagsTableName
}
