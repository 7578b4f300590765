package service

import (
	"encoding/json"
	"time"

	"github.com/marketfanout/gatewayapi/internal/config"
	"github.com/marketfanout/gatewayapi/internal/models"
	"github.com/marketfanout/gatewayapi/internal/repository"
	"github.com/marketfanout/gatewayapi/pkg/utils/zaplogger"
	"gorm.io/gorm"
)

// Abuse reason codes
const (
	ReasonManyIPs          = "many_ips"
	ReasonHighVolume       = "high_volume"
	ReasonExtremelyManyIPs = "extremely_many_ips"
	ReasonWithinNormal     = "within_normal_limits"
	ReasonManualBlock      = "manual_block"
	ReasonManualUnblock    = "manual_unblock"
)

// AbuseService scores per-key request activity and maintains the sticky
// block flags
type AbuseService struct {
	cfg       *config.Config
	abuseRepo *repository.AbuseRepository
	auditRepo *repository.AuditRepository
}

// NewAbuseService creates a new AbuseService
func NewAbuseService(cfg *config.Config, db *gorm.DB) *AbuseService {
	return &AbuseService{
		cfg:       cfg,
		abuseRepo: repository.NewAbuseRepository(db),
		auditRepo: repository.NewAuditRepository(db),
	}
}

// scoreActivity computes the risk score for one key's window aggregate
func scoreActivity(totalRequests, uniqueIPs int64, uniqueIPThreshold, totalReqThreshold int) (int, []string) {
	score := 0
	var reasons []string

	if uniqueIPs >= int64(uniqueIPThreshold) {
		score += 50 + 5*int(uniqueIPs-int64(uniqueIPThreshold))
		reasons = append(reasons, ReasonManyIPs)
	}
	if totalRequests >= int64(totalReqThreshold) {
		bonus := int(totalRequests-int64(totalReqThreshold)) / 100
		if bonus > 200 {
			bonus = 200
		}
		score += 20 + bonus
		reasons = append(reasons, ReasonHighVolume)
	}
	if uniqueIPs >= int64(2*uniqueIPThreshold) {
		score += 50
		reasons = append(reasons, ReasonExtremelyManyIPs)
	}
	if len(reasons) == 0 {
		return 0, []string{ReasonWithinNormal}
	}
	return score, reasons
}

// RunDetection aggregates audit activity over the sliding window, scores
// each key, and upserts the flag rows. Invoked by the 5-minute cron.
func (s *AbuseService) RunDetection() error {
	since := time.Now().Add(-time.Duration(s.cfg.AbuseWindowMinutes) * time.Minute)
	activity, err := s.auditRepo.AggregateByKeySince(since)
	if err != nil {
		return err
	}

	flagged := 0
	for _, row := range activity {
		score, reasons := scoreActivity(row.TotalRequests, row.UniqueIPs,
			s.cfg.AbuseUniqueIPThreshold, s.cfg.AbuseTotalReqThreshold)

		reasonsJSON, err := json.Marshal(reasons)
		if err != nil {
			continue
		}
		flag := models.ApiKeyAbuseFlag{
			ApiKey:      row.ApiKey,
			RiskScore:   score,
			ReasonCodes: reasonsJSON,
			Blocked:     score >= s.cfg.AbuseBlockScoreThreshold,
			LastSeenAt:  time.Now(),
		}
		if err := s.abuseRepo.UpsertFlag(&flag); err != nil {
			zaplogger.Error("abuse flag upsert failed", zaplogger.Fields{
				"apiKey": row.ApiKey,
				"error":  err.Error(),
			})
			continue
		}
		if score > 0 {
			flagged++
			zaplogger.Warn("abuse detector flagged key", zaplogger.Fields{
				"apiKey":        row.ApiKey,
				"riskScore":     score,
				"totalRequests": row.TotalRequests,
				"uniqueIPs":     row.UniqueIPs,
			})
		}
	}

	zaplogger.Info("abuse detection run completed", zaplogger.Fields{
		"keysScanned": len(activity),
		"keysFlagged": flagged,
	})
	return nil
}

// GetStatusForApiKey returns the current flag for a key. Lookup errors are
// fail-open and return nil.
func (s *AbuseService) GetStatusForApiKey(apiKey string) *models.ApiKeyAbuseFlag {
	flag, err := s.abuseRepo.GetFlag(apiKey)
	if err != nil {
		zaplogger.Warn("abuse flag lookup failed, failing open", zaplogger.Fields{
			"apiKey": apiKey,
			"error":  err.Error(),
		})
		return nil
	}
	return flag
}

// ListFlags returns all abuse flags for the admin surface
func (s *AbuseService) ListFlags() ([]models.ApiKeyAbuseFlag, error) {
	return s.abuseRepo.ListFlags()
}

// Block force-blocks a key
func (s *AbuseService) Block(apiKey string) error {
	reasonsJSON, _ := json.Marshal([]string{ReasonManualBlock})
	return s.abuseRepo.SetBlock(apiKey, reasonsJSON)
}

// Unblock clears a block, resets the score to 0, and records the manual
// unblock reason
func (s *AbuseService) Unblock(apiKey string) error {
	flag, err := s.abuseRepo.GetFlag(apiKey)
	if err != nil {
		return err
	}
	if flag == nil {
		return gorm.ErrRecordNotFound
	}

	var reasons []string
	if len(flag.ReasonCodes) > 0 {
		_ = json.Unmarshal(flag.ReasonCodes, &reasons)
	}
	reasons = append(reasons, ReasonManualUnblock)
	reasonsJSON, _ := json.Marshal(reasons)
	return s.abuseRepo.ClearBlock(apiKey, reasonsJSON)
}
