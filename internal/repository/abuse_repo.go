package repository

import (
	"errors"
	"time"

	"github.com/marketfanout/gatewayapi/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AbuseRepository provides access to the api_key_abuse_flags table
type AbuseRepository struct {
	DB *gorm.DB
}

// NewAbuseRepository creates a new AbuseRepository
func NewAbuseRepository(db *gorm.DB) *AbuseRepository {
	return &AbuseRepository{DB: db}
}

// GetFlag fetches the abuse flag for a key, nil when none exists
func (r *AbuseRepository) GetFlag(apiKey string) (*models.ApiKeyAbuseFlag, error) {
	var flag models.ApiKeyAbuseFlag
	err := r.DB.Where("api_key = ?", apiKey).First(&flag).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &flag, nil
}

// ListFlags returns all abuse flags ordered by risk score
func (r *AbuseRepository) ListFlags() ([]models.ApiKeyAbuseFlag, error) {
	var flags []models.ApiKeyAbuseFlag
	err := r.DB.Order("risk_score DESC").Find(&flags).Error
	return flags, err
}

// UpsertFlag writes the detector's verdict. Blocked is sticky: once set it
// stays set until ClearBlock.
func (r *AbuseRepository) UpsertFlag(flag *models.ApiKeyAbuseFlag) error {
	return r.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "api_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"risk_score":   flag.RiskScore,
			"reason_codes": flag.ReasonCodes,
			"blocked":      gorm.Expr("api_key_abuse_flags.blocked OR excluded.blocked"),
			"last_seen_at": flag.LastSeenAt,
			"updated_at":   time.Now(),
		}),
	}).Create(flag).Error
}

// SetBlock force-blocks a key regardless of its score
func (r *AbuseRepository) SetBlock(apiKey string, reasonsJSON []byte) error {
	flag := models.ApiKeyAbuseFlag{
		ApiKey:      apiKey,
		ReasonCodes: reasonsJSON,
		Blocked:     true,
		LastSeenAt:  time.Now(),
	}
	return r.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "api_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"reason_codes": flag.ReasonCodes,
			"blocked":      true,
			"updated_at":   time.Now(),
		}),
	}).Create(&flag).Error
}

// ClearBlock removes a block and resets the score
func (r *AbuseRepository) ClearBlock(apiKey string, reasonsJSON []byte) error {
	result := r.DB.Model(&models.ApiKeyAbuseFlag{}).Where("api_key = ?", apiKey).
		Updates(map[string]interface{}{
			"blocked":      false,
			"risk_score":   0,
			"reason_codes": reasonsJSON,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
