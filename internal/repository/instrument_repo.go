package repository

import (
	"github.com/marketfanout/gatewayapi/internal/models"
	"gorm.io/gorm"
)

// InstrumentRepository provides read access to the instrument tables. Both
// tables are populated by the external CSV sync job.
type InstrumentRepository struct {
	DB *gorm.DB
}

// NewInstrumentRepository creates a new InstrumentRepository
func NewInstrumentRepository(db *gorm.DB) *InstrumentRepository {
	return &InstrumentRepository{DB: db}
}

// GetExchangesByTokens resolves the authoritative exchange for each token
// from the instruments table
func (r *InstrumentRepository) GetExchangesByTokens(tokens []uint32) (map[uint32]string, error) {
	var rows []models.InstrumentModel
	err := r.DB.Select("instrument_token, exchange").
		Where("instrument_token IN ?", tokens).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make(map[uint32]string, len(rows))
	for _, row := range rows {
		result[row.InstrumentToken] = row.Exchange
	}
	return result, nil
}

// GetVortexExchangesByTokens resolves exchanges from the vortex mapping table
func (r *InstrumentRepository) GetVortexExchangesByTokens(tokens []uint32) (map[uint32]string, error) {
	var rows []models.VortexInstrumentModel
	err := r.DB.Select("token, exchange").Where("token IN ?", tokens).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make(map[uint32]string, len(rows))
	for _, row := range rows {
		result[row.Token] = row.Exchange
	}
	return result, nil
}

// QueryInstruments filters the instruments table by the given params
func (r *InstrumentRepository) QueryInstruments(params models.QueryInstrumentsParams) ([]models.InstrumentModel, error) {
	query := r.DB.Model(&models.InstrumentModel{})
	if params.Exchange != "" {
		query = query.Where("exchange = ?", params.Exchange)
	}
	if params.Tradingsymbol != "" {
		query = query.Where("tradingsymbol LIKE ?", params.Tradingsymbol)
	}
	if params.Name != "" {
		query = query.Where("name LIKE ?", params.Name)
	}
	if params.Segment != "" {
		query = query.Where("segment = ?", params.Segment)
	}
	if params.InstrumentType != "" {
		query = query.Where("instrument_type = ?", params.InstrumentType)
	}

	var instruments []models.InstrumentModel
	err := query.Limit(1000).Find(&instruments).Error
	return instruments, err
}

// GetTokensBySymbols maps exchange:tradingsymbol strings to tokens
func (r *InstrumentRepository) GetTokensBySymbols(symbols [][2]string) (map[string]uint32, error) {
	result := make(map[string]uint32, len(symbols))
	for _, pair := range symbols {
		var row models.InstrumentModel
		err := r.DB.Select("instrument_token").
			Where("exchange = ? AND tradingsymbol = ?", pair[0], pair[1]).
			First(&row).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				continue
			}
			return nil, err
		}
		result[pair[0]+":"+pair[1]] = row.InstrumentToken
	}
	return result, nil
}
