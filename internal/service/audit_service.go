package service

import (
	"math/rand"
	"sync"
	"time"

	"github.com/marketfanout/gatewayapi/internal/config"
	"github.com/marketfanout/gatewayapi/internal/models"
	"github.com/marketfanout/gatewayapi/internal/repository"
	"github.com/marketfanout/gatewayapi/pkg/utils/zaplogger"
	"gorm.io/gorm"
)

const (
	auditBufferCap    = 1000
	auditFlushChunk   = 100
	auditFlushPeriod  = 1 * time.Second
	auditDrainTimeout = 5 * time.Second
)

// WS events that are always audited regardless of sampling
const (
	WsAuditConnect    = "connect"
	WsAuditDisconnect = "disconnect"
)

// auditInserter is the persistence seam for the buffered writer
type auditInserter interface {
	InsertBatch(rows []models.RequestAuditLog) error
}

// AuditService buffers HTTP and WS audit events and flushes them in batches.
// Writes never block the request path; when the buffer is full the event is
// dropped rather than applying backpressure.
type AuditService struct {
	cfg      *config.Config
	inserter auditInserter
	repo     *repository.AuditRepository
	randFn   func() float64

	mu     sync.Mutex
	buffer []models.RequestAuditLog

	flushNow chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewAuditService creates a new AuditService and starts its flush worker
func NewAuditService(cfg *config.Config, db *gorm.DB) *AuditService {
	repo := repository.NewAuditRepository(db)
	s := newAuditServiceWithInserter(cfg, repo, rand.Float64)
	s.repo = repo
	go s.flushLoop()
	return s
}

func newAuditServiceWithInserter(cfg *config.Config, inserter auditInserter, randFn func() float64) *AuditService {
	return &AuditService{
		cfg:      cfg,
		inserter: inserter,
		randFn:   randFn,
		buffer:   make([]models.RequestAuditLog, 0, auditBufferCap),
		flushNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// RecordHTTP enqueues an HTTP audit event subject to sampling
func (s *AuditService) RecordHTTP(row models.RequestAuditLog) {
	row.Kind = models.AuditKindHTTP
	if !s.shouldLogHTTP(row.Status) {
		return
	}
	s.enqueue(row)
}

// RecordWS enqueues a WS audit event subject to sampling
func (s *AuditService) RecordWS(row models.RequestAuditLog) {
	row.Kind = models.AuditKindWS
	if !s.shouldLogWS(row.RouteOrEvent) {
		return
	}
	s.enqueue(row)
}

func (s *AuditService) shouldLogHTTP(status int) bool {
	if s.cfg.AuditHTTPAlwaysLogErrors && status >= 400 {
		return true
	}
	return s.randFn() < s.cfg.AuditHTTPSampleRate
}

func (s *AuditService) shouldLogWS(event string) bool {
	if event == WsAuditConnect || event == WsAuditDisconnect {
		return true
	}
	return s.randFn() < s.cfg.AuditWsSubSampleRate
}

func (s *AuditService) enqueue(row models.RequestAuditLog) {
	if row.Ts.IsZero() {
		row.Ts = time.Now()
	}

	s.mu.Lock()
	if len(s.buffer) >= auditBufferCap {
		s.mu.Unlock()
		zaplogger.Warn("audit buffer full, dropping event", zaplogger.Fields{
			"kind":  row.Kind,
			"event": row.RouteOrEvent,
		})
		return
	}
	s.buffer = append(s.buffer, row)
	full := len(s.buffer) >= auditBufferCap
	s.mu.Unlock()

	if full {
		select {
		case s.flushNow <- struct{}{}:
		default:
		}
	}
}

func (s *AuditService) flushLoop() {
	ticker := time.NewTicker(auditFlushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.flushNow:
			s.flush()
		case <-s.done:
			s.flush()
			return
		}
	}
}

// flush drains the buffer in chunks. Failed chunks are requeued and retried
// on the next tick.
func (s *AuditService) flush() {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	pending := s.buffer
	s.buffer = make([]models.RequestAuditLog, 0, auditBufferCap)
	s.mu.Unlock()

	for start := 0; start < len(pending); start += auditFlushChunk {
		end := start + auditFlushChunk
		if end > len(pending) {
			end = len(pending)
		}
		if err := s.inserter.InsertBatch(pending[start:end]); err != nil {
			zaplogger.Error("audit flush failed, requeueing", zaplogger.Fields{
				"rows":  len(pending) - start,
				"error": err.Error(),
			})
			s.requeue(pending[start:])
			return
		}
	}
}

func (s *AuditService) requeue(rows []models.RequestAuditLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := auditBufferCap - len(s.buffer)
	if room <= 0 {
		return
	}
	if len(rows) > room {
		rows = rows[:room]
	}
	s.buffer = append(s.buffer, rows...)
}

// CleanupOldLogs deletes rows past the retention window. Invoked by the
// daily cron.
func (s *AuditService) CleanupOldLogs() error {
	if s.repo == nil {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.AuditLogRetentionDays)
	deleted, err := s.repo.DeleteOlderThan(cutoff)
	if err != nil {
		return err
	}
	zaplogger.Info("audit retention sweep completed", zaplogger.Fields{
		"deleted": deleted,
		"cutoff":  cutoff.Format(time.RFC3339),
	})
	return nil
}

// Stop drains the buffer and stops the flush worker
func (s *AuditService) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}
