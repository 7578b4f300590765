package service

import (
	"errors"
	"sync"
	"testing"

	"github.com/marketfanout/gatewayapi/internal/config"
	"github.com/marketfanout/gatewayapi/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInserter struct {
	mu      sync.Mutex
	batches [][]models.RequestAuditLog
	failN   int
}

func (f *fakeInserter) InsertBatch(rows []models.RequestAuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errors.New("store unavailable")
	}
	batch := make([]models.RequestAuditLog, len(rows))
	copy(batch, rows)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeInserter) totalRows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func auditTestConfig() *config.Config {
	return &config.Config{
		AuditHTTPSampleRate:      0.01,
		AuditHTTPAlwaysLogErrors: true,
		AuditWsSubSampleRate:     0,
		AuditLogRetentionDays:    90,
	}
}

func TestAuditHTTPErrorsAlwaysLogged(t *testing.T) {
	ins := &fakeInserter{}
	s := newAuditServiceWithInserter(auditTestConfig(), ins, func() float64 { return 0.99 })

	s.RecordHTTP(models.RequestAuditLog{RouteOrEvent: "/quote", Status: 429})
	s.RecordHTTP(models.RequestAuditLog{RouteOrEvent: "/quote", Status: 200})
	s.flush()

	require.Equal(t, 1, ins.totalRows())
	assert.Equal(t, 429, ins.batches[0][0].Status)
	assert.Equal(t, models.AuditKindHTTP, ins.batches[0][0].Kind)
}

func TestAuditHTTPSampling(t *testing.T) {
	ins := &fakeInserter{}
	s := newAuditServiceWithInserter(auditTestConfig(), ins, func() float64 { return 0.001 })

	s.RecordHTTP(models.RequestAuditLog{RouteOrEvent: "/ltp", Status: 200})
	s.flush()

	assert.Equal(t, 1, ins.totalRows())
}

func TestAuditWSConnectAlwaysLogged(t *testing.T) {
	ins := &fakeInserter{}
	s := newAuditServiceWithInserter(auditTestConfig(), ins, func() float64 { return 0.99 })

	s.RecordWS(models.RequestAuditLog{RouteOrEvent: WsAuditConnect, ApiKey: "k1"})
	s.RecordWS(models.RequestAuditLog{RouteOrEvent: "subscribe", ApiKey: "k1"})
	s.RecordWS(models.RequestAuditLog{RouteOrEvent: WsAuditDisconnect, ApiKey: "k1"})
	s.flush()

	require.Equal(t, 2, ins.totalRows())
	assert.Equal(t, WsAuditConnect, ins.batches[0][0].RouteOrEvent)
	assert.Equal(t, WsAuditDisconnect, ins.batches[0][1].RouteOrEvent)
}

func TestAuditFlushChunksOfHundred(t *testing.T) {
	ins := &fakeInserter{}
	s := newAuditServiceWithInserter(auditTestConfig(), ins, func() float64 { return 0 })

	for i := 0; i < 250; i++ {
		s.RecordWS(models.RequestAuditLog{RouteOrEvent: WsAuditConnect})
	}
	s.flush()

	require.Len(t, ins.batches, 3)
	assert.Len(t, ins.batches[0], 100)
	assert.Len(t, ins.batches[1], 100)
	assert.Len(t, ins.batches[2], 50)
}

func TestAuditFlushFailureRequeues(t *testing.T) {
	ins := &fakeInserter{failN: 1}
	s := newAuditServiceWithInserter(auditTestConfig(), ins, func() float64 { return 0 })

	s.RecordWS(models.RequestAuditLog{RouteOrEvent: WsAuditConnect})
	s.flush()
	assert.Equal(t, 0, ins.totalRows())

	s.flush()
	assert.Equal(t, 1, ins.totalRows())
}

func TestAuditBufferDropsWhenFull(t *testing.T) {
	ins := &fakeInserter{}
	s := newAuditServiceWithInserter(auditTestConfig(), ins, func() float64 { return 0 })

	for i := 0; i < auditBufferCap+50; i++ {
		s.RecordWS(models.RequestAuditLog{RouteOrEvent: WsAuditConnect})
	}
	s.flush()

	assert.Equal(t, auditBufferCap, ins.totalRows())
}
