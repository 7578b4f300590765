package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marketfanout/gatewayapi/internal/models"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	lastTickKeyPrefix = "last_tick:"
	lastTickTTL       = 5 * time.Second

	// LastTickChannel carries last-tick records to any shared-store subscriber
	LastTickChannel = "CH:API:LAST_TICK"
)

// LastTick is the shared-store record of the latest tick for one token
type LastTick struct {
	LastPrice float64            `json:"last_price"`
	OHLC      map[string]float64 `json:"ohlc,omitempty"`
	Volume    uint32             `json:"volume,omitempty"`
	OI        uint32             `json:"oi,omitempty"`
	Ts        int64              `json:"ts"`
}

// TickRepository provides the two persistence tiers behind the tick stream:
// the Redis last-tick records and the Postgres latest-tick snapshot table.
type TickRepository struct {
	DB          *gorm.DB
	redisClient *redis.Client
}

// NewTickRepository creates a new TickRepository
func NewTickRepository(db *gorm.DB, redisClient *redis.Client) *TickRepository {
	return &TickRepository{DB: db, redisClient: redisClient}
}

// SetLastTick writes the last-tick record with a short TTL and publishes it
// on the shared pub/sub channel
func (r *TickRepository) SetLastTick(ctx context.Context, token uint32, record LastTick) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%d", lastTickKeyPrefix, token)
	if err := r.redisClient.Set(ctx, key, payload, lastTickTTL).Err(); err != nil {
		return err
	}
	// Best effort, subscribers catch up from the keyed record anyway
	r.redisClient.Publish(ctx, LastTickChannel, payload)
	return nil
}

// GetLastTicks reads the last-tick records for many tokens in one round trip
func (r *TickRepository) GetLastTicks(ctx context.Context, tokens []uint32) (map[uint32]LastTick, error) {
	if len(tokens) == 0 {
		return map[uint32]LastTick{}, nil
	}
	keys := make([]string, len(tokens))
	for i, token := range tokens {
		keys[i] = fmt.Sprintf("%s%d", lastTickKeyPrefix, token)
	}
	values, err := r.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[uint32]LastTick, len(tokens))
	for i, value := range values {
		payload, ok := value.(string)
		if !ok {
			continue
		}
		var record LastTick
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			continue
		}
		result[tokens[i]] = record
	}
	return result, nil
}

// UpsertTickerData batch-upserts latest-tick snapshots keyed by token
func (r *TickRepository) UpsertTickerData(tickerData []models.TickerData) error {
	if len(tickerData) == 0 {
		return nil
	}

	// Keep only the newest row per token within the batch
	deduplicated := make(map[uint32]models.TickerData, len(tickerData))
	for _, data := range tickerData {
		if existing, ok := deduplicated[data.InstrumentToken]; !ok || existing.UpdatedAt.Before(data.UpdatedAt) {
			deduplicated[data.InstrumentToken] = data
		}
	}
	rows := make([]models.TickerData, 0, len(deduplicated))
	for _, data := range deduplicated {
		rows = append(rows, data)
	}

	err := r.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "instrument_token"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"mode", "last_price", "volume_traded", "oi", "net_change",
			"ohlc", "depth", "timestamp", "updated_at",
		}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to upsert ticker data: %v", err)
	}
	return nil
}

// TruncateTickerData truncates the latest-tick snapshot table
func (r *TickRepository) TruncateTickerData() error {
	result := r.DB.Exec(fmt.Sprintf("TRUNCATE TABLE %s", models.TickerDataTableName))
	if result.Error != nil {
		return fmt.Errorf("failed to truncate table %s: %v", models.TickerDataTableName, result.Error)
	}
	return nil
}
