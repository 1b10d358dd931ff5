package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/metrics"
	"github.com/ternarybob/formpilot/internal/models"
)

func TestReaper_FailsExpiredLeases(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	jobs := h.store.JobStorage()

	stale := h.enqueue(t, site+"/a")
	fresh := h.enqueue(t, site+"/b")
	pending := h.enqueue(t, site+"/c")

	claimed, err := jobs.ClaimOldestPending(ctx, "crashed-1", time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, stale.ID, claimed.ID)
	_, err = jobs.ClaimOldestPending(ctx, "alive-1", time.Hour)
	require.NoError(t, err)

	woken := 0
	reaper := NewReaper(jobs, h.reporter, nil, metrics.New(), func() { woken++ }, arbor.NewLogger())

	n, err := reaper.ReapOnce(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, woken)

	reaped := h.job(t, stale.ID)
	assert.Equal(t, models.JobStatusFailed, reaped.Status)
	assert.Equal(t, "LeaseExpired: lease expired", reaped.LastError)
	assert.Equal(t, 1, reaped.RetryCount)
	assert.Nil(t, reaped.LeaseExpiresAt)
	assert.Contains(t, reaped.Diagnostics, "crashed-1")

	assert.Equal(t, models.JobStatusProcessing, h.job(t, fresh.ID).Status)
	assert.Equal(t, models.JobStatusPending, h.job(t, pending.ID).Status)

	reports := h.reporter.all()
	require.Len(t, reports, 1)
	assert.Equal(t, models.ReportStatusFailed, reports[0].Status)

	// a second pass finds nothing and stays monotonic
	n, err = reaper.ReapOnce(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, woken)
	assert.Equal(t, 1, h.job(t, stale.ID).RetryCount)
}

func TestReaper_Schedule(t *testing.T) {
	h := newHarness(t, nil)
	reaper := NewReaper(h.store.JobStorage(), nil, nil, nil, nil, arbor.NewLogger())

	assert.Error(t, reaper.Start("not a schedule"))

	require.NoError(t, reaper.Start("*/1 * * * * *"))
	reaper.Stop()
}
