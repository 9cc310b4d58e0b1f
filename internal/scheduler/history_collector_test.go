package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/logger"
	"github.com/MrSnakeDoc/keypool/internal/store/memory"
)

func TestHistoryCollector_Collect(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)
	st := memory.New(func() time.Time { return now })

	c := &domain.Credential{Secret: "sk-history-collector-aaaa", Active: true, LimitPerDay: 1000}
	require.NoError(t, st.CreateCredential(ctx, c))
	for _, daysAgo := range []int{40, 31, 30, 2, 0} {
		require.NoError(t, st.IncrementUsage(ctx, c.ID, 1, now.AddDate(0, 0, -daysAgo)))
	}

	hc := NewHistoryCollector(st, logger.NewNop(), time.Hour, 30*24*time.Hour)
	hc.now = func() time.Time { return now }

	removed, err := hc.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	hist, err := st.UsageHistory(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"2025-05-31": 1, "2025-06-28": 1, "2025-06-30": 1}, hist)

	// Nothing left to remove.
	removed, err = hc.Collect(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

type failingPruner struct{ calls int }

func (f *failingPruner) PruneUsageHistory(context.Context, time.Time) (int, error) {
	f.calls++
	return 0, errors.New("store down")
}

func TestHistoryCollector_StartSurvivesFailure(t *testing.T) {
	p := &failingPruner{}
	hc := NewHistoryCollector(p, logger.NewNop(), time.Hour, 0)
	assert.Equal(t, DefaultHistoryRetention, hc.retention)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hc.Start(ctx))
	hc.Stop()
	assert.Equal(t, 1, p.calls)
}
