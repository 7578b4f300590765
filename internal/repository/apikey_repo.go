package repository

import (
	"errors"
	"fmt"

	"github.com/marketfanout/gatewayapi/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ApiKeyRepository provides access to the api_keys table
type ApiKeyRepository struct {
	DB *gorm.DB
}

// NewApiKeyRepository creates a new ApiKeyRepository
func NewApiKeyRepository(db *gorm.DB) *ApiKeyRepository {
	return &ApiKeyRepository{DB: db}
}

// GetByKey fetches an API key record, nil when not found
func (r *ApiKeyRepository) GetByKey(key string) (*models.ApiKeyModel, error) {
	var record models.ApiKeyModel
	err := r.DB.Where("key = ?", key).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// Create inserts a new API key record
func (r *ApiKeyRepository) Create(record *models.ApiKeyModel) error {
	result := r.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(record)
	if result.Error != nil {
		return fmt.Errorf("error creating api key: %v", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("api key %q already exists", record.Key)
	}
	return nil
}

// UpdateLimits applies a partial update of limit columns
func (r *ApiKeyRepository) UpdateLimits(key string, updates map[string]interface{}) error {
	result := r.DB.Model(&models.ApiKeyModel{}).Where("key = ?", key).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetEntitledExchanges replaces the entitled exchange set for a key
func (r *ApiKeyRepository) SetEntitledExchanges(key string, exchangesJSON []byte) error {
	result := r.DB.Model(&models.ApiKeyModel{}).Where("key = ?", key).
		Update("entitled_exchanges", exchangesJSON)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
