package service

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/marketfanout/gatewayapi/internal/models"
	"github.com/marketfanout/gatewayapi/internal/repository"
	"gorm.io/gorm"
)

const apiKeyCacheTTL = 60 * time.Second

type cachedKey struct {
	record    *models.ApiKeyModel
	fetchedAt time.Time
}

// ApiKeyService validates downstream API keys with a read-through cache
type ApiKeyService struct {
	repo *repository.ApiKeyRepository

	mu    sync.RWMutex
	cache map[string]cachedKey
}

// NewApiKeyService creates a new ApiKeyService
func NewApiKeyService(db *gorm.DB) *ApiKeyService {
	return &ApiKeyService{
		repo:  repository.NewApiKeyRepository(db),
		cache: make(map[string]cachedKey),
	}
}

// ValidateApiKey returns the key record, nil when unknown. Inactive keys are
// returned as-is, callers decide how to reject them.
func (s *ApiKeyService) ValidateApiKey(key string) (*models.ApiKeyModel, error) {
	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < apiKeyCacheTTL {
		return entry.record, nil
	}

	record, err := s.repo.GetByKey(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = cachedKey{record: record, fetchedAt: time.Now()}
	s.mu.Unlock()
	return record, nil
}

// Invalidate drops one key from the read-through cache
func (s *ApiKeyService) Invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

// CreateKey inserts a new API key record
func (s *ApiKeyService) CreateKey(record *models.ApiKeyModel) error {
	return s.repo.Create(record)
}

// UpdateLimits applies a partial limit update and invalidates the cache
func (s *ApiKeyService) UpdateLimits(key string, updates map[string]interface{}) error {
	if err := s.repo.UpdateLimits(key, updates); err != nil {
		return err
	}
	s.Invalidate(key)
	return nil
}

// SetEntitledExchanges replaces the entitled exchange set for a key
func (s *ApiKeyService) SetEntitledExchanges(key string, exchanges []string) error {
	payload, err := json.Marshal(exchanges)
	if err != nil {
		return err
	}
	if err := s.repo.SetEntitledExchanges(key, payload); err != nil {
		return err
	}
	s.Invalidate(key)
	return nil
}

// EntitledExchanges decodes the key's entitled exchange set, nil means all
func EntitledExchanges(record *models.ApiKeyModel) []string {
	if record == nil || len(record.EntitledExchanges) == 0 {
		return nil
	}
	var exchanges []string
	if err := json.Unmarshal(record.EntitledExchanges, &exchanges); err != nil {
		return nil
	}
	if len(exchanges) == 0 {
		return nil
	}
	return exchanges
}
