// Package models contains the models for the gateway API
package models

import (
	"time"

	"gorm.io/datatypes"
)

const ApiKeysTableName = "api_keys"

// ApiKeyModel represents a downstream API key and its limits
type ApiKeyModel struct {
	Key                string         `gorm:"primaryKey" json:"key"`
	TenantID           string         `gorm:"index" json:"tenant_id"`
	IsActive           bool           `gorm:"default:true" json:"is_active"`
	Provider           string         `json:"provider,omitempty"` // optional per-key provider override
	RateLimitPerMinute int            `gorm:"default:600" json:"rate_limit_per_minute"`
	ConnectionLimit    int            `gorm:"default:3" json:"connection_limit"`
	WsSubscribeRPS     *int           `json:"ws_subscribe_rps,omitempty"`
	WsUnsubscribeRPS   *int           `json:"ws_unsubscribe_rps,omitempty"`
	WsModeRPS          *int           `json:"ws_mode_rps,omitempty"`
	EntitledExchanges  datatypes.JSON `json:"entitled_exchanges,omitempty"` // JSON array of exchange names, empty = all
	CreatedAt          time.Time      `gorm:"autoCreateTime" json:"-"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"-"`
}

// TableName specifies the table name for the ApiKeyModel
func (ApiKeyModel) TableName() string {
	return ApiKeysTableName
}
