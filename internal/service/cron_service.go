package service

import (
	"context"
	"time"

	"github.com/marketfanout/gatewayapi/internal/config"
	"github.com/marketfanout/gatewayapi/pkg/utils/zaplogger"
	"github.com/robfig/cron/v3"
)

// CronService is the service for the cron jobs
type CronService struct {
	cfg           *config.Config
	c             *cron.Cron
	abuseService  *AbuseService
	auditService  *AuditService
	streamService *StreamService
}

// NewCronService creates a new CronService
func NewCronService(cfg *config.Config, abuseService *AbuseService, auditService *AuditService, streamService *StreamService) *CronService {
	return &CronService{
		cfg:           cfg,
		c:             cron.New(),
		abuseService:  abuseService,
		auditService:  auditService,
		streamService: streamService,
	}
}

// Start starts the cron service
func (cs *CronService) Start() {
	zaplogger.Info("Initializing CronService")

	// ------------------------------------------------------------
	// Add your SCHEDULED jobs here
	// ------------------------------------------------------------
	cs.addScheduledJob("Abuse Detection Job", cs.abuseDetectionJob, "*/5 * * * *") // Every 5 minutes
	cs.addScheduledJob("Audit Retention Job", cs.auditRetentionJob, "30 2 * * *")  // Once at 02:30am

	// ------------------------------------------------------------
	// Add your STARTUP jobs here
	// ------------------------------------------------------------
	if cs.cfg.StreamAutostart {
		cs.addStartupJob("Stream START Job", cs.streamStartJob, 5*time.Second)
	}

	cs.c.Start()
}

// Stop stops the cron scheduler
func (cs *CronService) Stop() {
	cs.c.Stop()
}

// addStartupJob adds a startup job to the cron service
func (cs *CronService) addStartupJob(name string, job func(), delay time.Duration) {
	go func() {
		time.Sleep(delay)
		zaplogger.Info("STARTED STARTUP job", zaplogger.Fields{
			"job": name,
		})
		job()
		zaplogger.Info("COMPLETED STARTUP job", zaplogger.Fields{
			"job": name,
		})
	}()
	zaplogger.Info("QUEUED STARTUP job", zaplogger.Fields{
		"job": name,
	})
}

// addScheduledJob adds a scheduled job to the cron service
func (cs *CronService) addScheduledJob(name string, job func(), schedule string) {
	_, err := cs.c.AddFunc(schedule, func() {
		zaplogger.Info("STARTED SCHEDULED JOB", zaplogger.Fields{
			"job": name,
		})
		job()
		zaplogger.Info("COMPLETED SCHEDULED JOB", zaplogger.Fields{
			"job": name,
		})
	})
	if err != nil {
		zaplogger.Error("FAILED TO QUEUE SCHEDULED JOB", zaplogger.Fields{
			"job":   name,
			"error": err.Error(),
		})
		return
	}
	zaplogger.Info("QUEUED SCHEDULED job", zaplogger.Fields{
		"job": name,
	})
}

// abuseDetectionJob scores recent per-key activity and flags abusers
func (cs *CronService) abuseDetectionJob() {
	if err := cs.abuseService.RunDetection(); err != nil {
		zaplogger.Error("Abuse detection run failed", zaplogger.Fields{
			"error": err.Error(),
		})
	}
}

// auditRetentionJob deletes audit rows past the retention window
func (cs *CronService) auditRetentionJob() {
	if err := cs.auditService.CleanupOldLogs(); err != nil {
		zaplogger.Error("Audit retention sweep failed", zaplogger.Fields{
			"error": err.Error(),
		})
	}
}

// streamStartJob starts the upstream stream shortly after boot
func (cs *CronService) streamStartJob() {
	if err := cs.streamService.StartStreaming(context.Background()); err != nil {
		zaplogger.Error("Stream autostart failed", zaplogger.Fields{
			"error": err.Error(),
		})
	}
}
