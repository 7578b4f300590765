package models

import (
	"time"

	"gorm.io/datatypes"
)

const TickerDataTableName = "ticker_data"

// TickerData is the best-effort persisted snapshot of the latest tick for an
// instrument. The table is unlogged, losing it on crash is acceptable.
type TickerData struct {
	InstrumentToken uint32         `gorm:"primaryKey" json:"instrument_token"`
	Mode            string         `json:"mode"`
	LastPrice       float64        `json:"last_price"`
	VolumeTraded    uint32         `json:"volume"`
	OI              uint32         `json:"oi"`
	NetChange       float64        `json:"net_change"`
	OHLC            datatypes.JSON `json:"ohlc"`
	Depth           datatypes.JSON `json:"depth"`
	Timestamp       time.Time      `json:"timestamp"`
	UpdatedAt       time.Time      `json:"-"`
}

// TableName specifies the table name for the TickerData model
func (TickerData) TableName() string {
	return TickerDataTableName
}
