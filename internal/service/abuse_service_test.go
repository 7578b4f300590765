package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreActivityManyIPs(t *testing.T) {
	score, reasons := scoreActivity(100, 25, 20, 5000)

	assert.Equal(t, 75, score)
	assert.Contains(t, reasons, ReasonManyIPs)
	assert.NotContains(t, reasons, ReasonHighVolume)
}

func TestScoreActivityWithinNormalLimits(t *testing.T) {
	score, reasons := scoreActivity(100, 3, 20, 5000)

	assert.Equal(t, 0, score)
	assert.Equal(t, []string{ReasonWithinNormal}, reasons)
}

func TestScoreActivityHighVolume(t *testing.T) {
	score, reasons := scoreActivity(7500, 3, 20, 5000)

	assert.Equal(t, 20+25, score)
	assert.Equal(t, []string{ReasonHighVolume}, reasons)
}

func TestScoreActivityHighVolumeBonusIsCapped(t *testing.T) {
	score, _ := scoreActivity(1_000_000, 3, 20, 5000)

	assert.Equal(t, 20+200, score)
}

func TestScoreActivityExtremelyManyIPs(t *testing.T) {
	score, reasons := scoreActivity(100, 40, 20, 5000)

	// many_ips (50 + 5*20) plus the extreme bonus
	assert.Equal(t, 50+100+50, score)
	assert.Contains(t, reasons, ReasonManyIPs)
	assert.Contains(t, reasons, ReasonExtremelyManyIPs)
}

func TestScoreActivityCombined(t *testing.T) {
	score, reasons := scoreActivity(5000, 20, 20, 5000)

	// Thresholds are inclusive on both dimensions
	assert.Equal(t, 50+20, score)
	assert.Contains(t, reasons, ReasonManyIPs)
	assert.Contains(t, reasons, ReasonHighVolume)
}
