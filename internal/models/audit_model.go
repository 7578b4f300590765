package models

import (
	"time"

	"gorm.io/datatypes"
)

const AuditLogsTableName = "request_audit_logs"

// Audit event kinds
const (
	AuditKindHTTP = "http"
	AuditKindWS   = "ws"
)

// RequestAuditLog is an append-only audit row for one HTTP request or WS event
type RequestAuditLog struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Kind         string         `gorm:"index" json:"kind"` // http | ws
	RouteOrEvent string         `json:"route_or_event"`
	Method       string         `json:"method,omitempty"`
	Status       int            `json:"status,omitempty"`
	ApiKey       string         `gorm:"index:idx_audit_key_ts,priority:1" json:"api_key,omitempty"`
	TenantID     string         `json:"tenant_id,omitempty"`
	IP           string         `json:"ip,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Origin       string         `json:"origin,omitempty"`
	DurationMs   int64          `json:"duration_ms,omitempty"`
	Meta         datatypes.JSON `json:"meta,omitempty"`
	Ts           time.Time      `gorm:"index;index:idx_audit_key_ts,priority:2" json:"ts"`
}

// TableName specifies the table name for the RequestAuditLog model
func (RequestAuditLog) TableName() string {
	return AuditLogsTableName
}
