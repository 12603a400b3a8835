package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/padron-mx/riesgo-cli/internal/model"
	"github.com/padron-mx/riesgo-cli/internal/runlog"
)

func TestFormatRunEntries_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatRunEntries(&buf, nil)

	output := buf.String()
	// Should still have the header even if entries is nil.
	assert.Contains(t, output, "JOB")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "STARTED")
}

func TestFormatRunEntries_SingleEntry(t *testing.T) {
	started := time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)
	completed := started.Add(3 * time.Minute)

	entries := []runlog.Entry{
		{
			ID:          "6f1c2a9e-0000-4000-8000-000000000000",
			Job:         "resolve",
			Status:      "complete",
			StartedAt:   started,
			CompletedAt: &completed,
			RowsWritten: 48210,
		},
	}

	var buf bytes.Buffer
	formatRunEntries(&buf, entries)

	output := buf.String()
	assert.Contains(t, output, "6f1c2a9e")
	assert.NotContains(t, output, "6f1c2a9e-0000")
	assert.Contains(t, output, "resolve")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "2026-03-10 09:15")
	assert.Contains(t, output, "3m0s")
	assert.Contains(t, output, "48210")
}

func TestFormatRunEntries_NoCompletedAt(t *testing.T) {
	started := time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)

	entries := []runlog.Entry{
		{
			ID:        "0a0a0a0a-0000-4000-8000-000000000000",
			Job:       "score",
			Status:    "running",
			StartedAt: started,
		},
	}

	var buf bytes.Buffer
	formatRunEntries(&buf, entries)

	output := buf.String()
	assert.Contains(t, output, "score")
	assert.Contains(t, output, "running")
	assert.Contains(t, output, "-") // duration should be "-"
}

func TestFormatRunEntries_WithLongError(t *testing.T) {
	started := time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)

	longErr := "calibrate: no feature vectors link to ground-truth positives; check the resolution and ground_truth tables before refitting"

	entries := []runlog.Entry{
		{
			ID:        "bbbbbbbb-0000-4000-8000-000000000000",
			Job:       "calibrate",
			Status:    "failed",
			StartedAt: started,
			Error:     longErr,
		},
	}

	var buf bytes.Buffer
	formatRunEntries(&buf, entries)

	output := buf.String()
	assert.Contains(t, output, "failed")
	assert.Contains(t, output, "...")
	assert.NotContains(t, output, longErr)
}

func TestFormatStoreSummary_NoModel(t *testing.T) {
	var buf bytes.Buffer
	formatStoreSummary(&buf, storeSummary{Driver: "sqlite", Groups: 120})

	output := buf.String()
	assert.Contains(t, output, "sqlite")
	assert.Contains(t, output, "120")
	assert.Contains(t, output, "(none)")
	assert.NotContains(t, output, "Scores:")
}

func TestFormatStoreSummary_WithModel(t *testing.T) {
	s := storeSummary{
		Driver:       "postgres",
		Groups:       4521,
		ModelVersion: "9d3e7a10-1111-4222-8333-444455556666",
		Scores:       250000,
		Levels: map[model.RiskLevel]int64{
			model.RiskLow:      200000,
			model.RiskMedium:   40000,
			model.RiskHigh:     9000,
			model.RiskCritical: 1000,
		},
	}

	var buf bytes.Buffer
	formatStoreSummary(&buf, s)

	output := buf.String()
	assert.Contains(t, output, "postgres")
	assert.Contains(t, output, "9d3e7a10")
	assert.Contains(t, output, "250000")
	assert.Contains(t, output, "Low:")
	assert.Contains(t, output, "Critical:")
	assert.Contains(t, output, "1000")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	out := truncate("a long message that exceeds the limit", 10)
	assert.Len(t, out, 10)
	assert.Contains(t, out, "...")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "6f1c2a9e", truncateID("6f1c2a9e-0000-4000-8000-000000000000"))
	assert.Equal(t, "short", truncateID("short"))
}
