package service

import (
	"github.com/marketfanout/gatewayapi/internal/models"
	"github.com/marketfanout/gatewayapi/internal/repository"
	"gorm.io/gorm"
)

// InstrumentService serves read-only instrument lookups. The tables are
// populated by the external CSV sync job.
type InstrumentService struct {
	repo *repository.InstrumentRepository
}

// NewInstrumentService creates a new InstrumentService
func NewInstrumentService(db *gorm.DB) *InstrumentService {
	return &InstrumentService{repo: repository.NewInstrumentRepository(db)}
}

// QueryInstruments returns instruments matching the query parameters
func (s *InstrumentService) QueryInstruments(params models.QueryInstrumentsParams) ([]models.InstrumentModel, error) {
	return s.repo.QueryInstruments(params)
}

// GetTokensBySymbols resolves exchange:tradingsymbol pairs to tokens
func (s *InstrumentService) GetTokensBySymbols(symbols [][2]string) (map[string]uint32, error) {
	return s.repo.GetTokensBySymbols(symbols)
}
