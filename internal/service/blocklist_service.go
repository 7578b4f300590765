package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/marketfanout/gatewayapi/internal/metrics"
	"github.com/marketfanout/gatewayapi/pkg/utils/zaplogger"
	"github.com/redis/go-redis/v9"
)

// Shared-store blocklist keys
const (
	blockTokensKey    = "ws:block:tokens"
	blockExchangesKey = "ws:block:exchanges"
	blockApiKeyPrefix = "ws:block:apikey:"
	blockTenantPrefix = "ws:block:tenant:"
)

// BlocklistService reads and writes the operator blocklists in the shared
// store. Reads are fail-open.
type BlocklistService struct {
	redisClient *redis.Client
}

// NewBlocklistService creates a new BlocklistService
func NewBlocklistService(redisClient *redis.Client) *BlocklistService {
	return &BlocklistService{redisClient: redisClient}
}

// IsKeyOrTenantBlocked reports whether the key or its tenant is blocklisted
func (s *BlocklistService) IsKeyOrTenantBlocked(ctx context.Context, apiKey, tenantID string) bool {
	keys := []string{blockApiKeyPrefix + apiKey}
	if tenantID != "" {
		keys = append(keys, blockTenantPrefix+tenantID)
	}
	count, err := s.redisClient.Exists(ctx, keys...).Result()
	if err != nil {
		s.failOpen("blocklist_key_check", err)
		return false
	}
	return count > 0
}

// FilterBlocked partitions tokens into allowed and blocked by the token and
// exchange blocklists. exchangeOf supplies each token's resolved exchange.
func (s *BlocklistService) FilterBlocked(ctx context.Context, tokens []uint32, exchangeOf map[uint32]string) (allowed, blocked []uint32) {
	if len(tokens) == 0 {
		return nil, nil
	}

	blockedTokens, err := s.redisClient.SMembers(ctx, blockTokensKey).Result()
	if err != nil {
		s.failOpen("blocklist_tokens_read", err)
		return tokens, nil
	}
	blockedExchanges, err := s.redisClient.SMembers(ctx, blockExchangesKey).Result()
	if err != nil {
		s.failOpen("blocklist_exchanges_read", err)
		return tokens, nil
	}

	tokenSet := make(map[uint32]bool, len(blockedTokens))
	for _, raw := range blockedTokens {
		if token, err := strconv.ParseUint(raw, 10, 32); err == nil {
			tokenSet[uint32(token)] = true
		}
	}
	exchangeSet := make(map[string]bool, len(blockedExchanges))
	for _, exchange := range blockedExchanges {
		exchangeSet[exchange] = true
	}

	for _, token := range tokens {
		if tokenSet[token] || exchangeSet[exchangeOf[token]] {
			blocked = append(blocked, token)
		} else {
			allowed = append(allowed, token)
		}
	}
	return allowed, blocked
}

// BlockEntry is one admin blocklist update
type BlockEntry struct {
	Tokens    []uint32 `json:"tokens,omitempty"`
	Exchanges []string `json:"exchanges,omitempty"`
	ApiKey    string   `json:"apiKey,omitempty"`
	TenantID  string   `json:"tenant_id,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// Apply writes a blocklist entry to the shared store
func (s *BlocklistService) Apply(ctx context.Context, entry BlockEntry) error {
	if len(entry.Tokens) > 0 {
		members := make([]interface{}, len(entry.Tokens))
		for i, token := range entry.Tokens {
			members[i] = fmt.Sprintf("%d", token)
		}
		if err := s.redisClient.SAdd(ctx, blockTokensKey, members...).Err(); err != nil {
			return err
		}
	}
	if len(entry.Exchanges) > 0 {
		members := make([]interface{}, len(entry.Exchanges))
		for i, exchange := range entry.Exchanges {
			members[i] = exchange
		}
		if err := s.redisClient.SAdd(ctx, blockExchangesKey, members...).Err(); err != nil {
			return err
		}
	}
	if entry.ApiKey != "" {
		if err := s.redisClient.Set(ctx, blockApiKeyPrefix+entry.ApiKey, entry.Reason, 0).Err(); err != nil {
			return err
		}
	}
	if entry.TenantID != "" {
		if err := s.redisClient.Set(ctx, blockTenantPrefix+entry.TenantID, entry.Reason, 0).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *BlocklistService) failOpen(op string, err error) {
	metrics.SharedStoreErrors.WithLabelValues(op).Inc()
	zaplogger.Warn("shared store error, failing open", zaplogger.Fields{
		"op":    op,
		"error": err.Error(),
	})
}
