package service

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/marketfanout/gatewayapi/pkg/utils/zaplogger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Abuse-flag changes are announced by a Postgres trigger and relayed to the
// shared pub/sub channel so every instance drops its cached key state.
var PostgresChannel = "CH:API:ABUSE:FLAGS"
var RedisChannel = "CH:API:ABUSE:FLAGS"

type PublishService struct {
	db          *gorm.DB
	redisClient *redis.Client
	pgConnStr   string
}

func NewPublishService(db *gorm.DB, redisClient *redis.Client, pgConnStr string) *PublishService {
	return &PublishService{
		db:          db,
		redisClient: redisClient,
		pgConnStr:   pgConnStr,
	}
}

// PublishAbuseFlagsToRedisChannel bridges Postgres NOTIFY events onto the
// shared store. Runs until the process exits.
func (s *PublishService) PublishAbuseFlagsToRedisChannel() {
	listener := pq.NewListener(s.pgConnStr, 10*time.Second, time.Minute, nil)
	err := listener.Listen(PostgresChannel)
	if err != nil {
		zaplogger.Error("Failed to listen on Postgres channel", zaplogger.Fields{
			"channel": PostgresChannel,
			"error":   err.Error(),
		})
		return
	}

	ctx := context.Background()

	for {
		select {
		case n := <-listener.Notify:
			if n == nil {
				continue
			}
			err := s.redisClient.Publish(ctx, RedisChannel, n.Extra).Err()
			if err != nil {
				zaplogger.Error("Failed to publish to Redis", zaplogger.Fields{"error": err})
			}
		case <-time.After(90 * time.Second):
			go func() {
				err := listener.Ping()
				if err != nil {
					zaplogger.Error("Error pinging PostgreSQL", zaplogger.Fields{"error": err})
				}
			}()
		}
	}
}

// SubscribeAbuseFlagChanges invalidates the local api-key cache whenever an
// abuse flag changes anywhere in the cluster
func (s *PublishService) SubscribeAbuseFlagChanges(apiKeyService *ApiKeyService) {
	ctx := context.Background()
	sub := s.redisClient.Subscribe(ctx, RedisChannel)
	for msg := range sub.Channel() {
		apiKeyService.Invalidate(msg.Payload)
	}
}
