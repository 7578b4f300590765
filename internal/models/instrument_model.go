package models

import "time"

const InstrumentsTableName = "instruments"
const VortexInstrumentsTableName = "vortex_instruments"

// InstrumentModel represents a trading instrument. The table is populated
// by the external CSV sync job; the gateway only reads it.
type InstrumentModel struct {
	InstrumentToken uint32    `gorm:"primaryKey" json:"instrument_token"`
	ExchangeToken   uint32    `json:"exchange_token"`
	Tradingsymbol   string    `gorm:"index:idx_exchange_tradingsymbol,priority:2" json:"tradingsymbol"`
	Name            string    `json:"name"`
	Exchange        string    `gorm:"index:idx_exchange_tradingsymbol,priority:1" json:"exchange"`
	Segment         string    `json:"segment"`
	InstrumentType  string    `json:"instrument_type"`
	TickSize        float64   `json:"tick_size"`
	LotSize         uint      `json:"lot_size"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"-"`
}

// TableName specifies the table name for the InstrumentModel
func (InstrumentModel) TableName() string {
	return InstrumentsTableName
}

// QueryInstrumentsParams is the parameters for the instrument query endpoint
type QueryInstrumentsParams struct {
	Exchange       string `query:"exchange"`
	Tradingsymbol  string `query:"tradingsymbol"`
	Name           string `query:"name"`
	Segment        string `query:"segment"`
	InstrumentType string `query:"instrument_type"`
}

// VortexInstrumentModel maps a token to its Vortex exchange segment. Used as
// the fallback when the token is absent from the instruments table.
type VortexInstrumentModel struct {
	Token     uint32    `gorm:"primaryKey" json:"token"`
	Exchange  string    `json:"exchange"` // NSE_EQ | NSE_FO | NSE_CUR | MCX_FO
	Symbol    string    `json:"symbol"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"-"`
}

// TableName specifies the table name for the VortexInstrumentModel
func (VortexInstrumentModel) TableName() string {
	return VortexInstrumentsTableName
}
