package repository

import (
	"time"

	"github.com/marketfanout/gatewayapi/internal/models"
	"gorm.io/gorm"
)

// AuditRepository provides access to the request_audit_logs table
type AuditRepository struct {
	DB *gorm.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{DB: db}
}

// InsertBatch appends a chunk of audit rows
func (r *AuditRepository) InsertBatch(rows []models.RequestAuditLog) error {
	if len(rows) == 0 {
		return nil
	}
	return r.DB.Create(&rows).Error
}

// KeyActivity is the per-key aggregate the abuse detector scores
type KeyActivity struct {
	ApiKey        string
	TotalRequests int64
	UniqueIPs     int64
}

// AggregateByKeySince groups audit rows newer than the cutoff by api key
func (r *AuditRepository) AggregateByKeySince(since time.Time) ([]KeyActivity, error) {
	var rows []KeyActivity
	err := r.DB.Model(&models.RequestAuditLog{}).
		Select("api_key, COUNT(*) AS total_requests, COUNT(DISTINCT ip) AS unique_i_ps").
		Where("ts >= ? AND api_key <> ''", since).
		Group("api_key").
		Scan(&rows).Error
	return rows, err
}

// DeleteOlderThan removes audit rows past the retention cutoff
func (r *AuditRepository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result := r.DB.Where("ts < ?", cutoff).Delete(&models.RequestAuditLog{})
	return result.RowsAffected, result.Error
}
