package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/keypool/internal/config"
	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/logger"
	"github.com/MrSnakeDoc/keypool/internal/store/memory"
)

// trackedStore records Close and can fail the initial pool load.
type trackedStore struct {
	*memory.Store
	listErr error
	closed  atomic.Bool
}

func (s *trackedStore) ListCredentials(ctx context.Context) ([]*domain.Credential, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.Store.ListCredentials(ctx)
}

func (s *trackedStore) Close() error {
	s.closed.Store(true)
	return s.Store.Close()
}

func testConfig() *config.Config {
	return &config.Config{
		ListenPort:        "127.0.0.1:0",
		ShutdownTimeout:   time.Second,
		StoreDriver:       "memory",
		StoreTimeout:      time.Second,
		RefreshInterval:   time.Minute,
		UsageResetPolicy:  "daily",
		UsageWriteRetries: 1,
		SecretPrefixes:    []string{"sk-"},
		SecretMinLength:   20,
		HistoryRetention:  48 * time.Hour,
		HistoryGCInterval: time.Hour,
		LockoutThreshold:  5,
		LockoutDuration:   time.Minute,
		SessionKey:        strings.Repeat("k", 32),
		SessionTTL:        time.Hour,
	}
}

func TestRunReleasesResourcesWhenPoolLoadFails(t *testing.T) {
	loadErr := errors.New("store offline")
	st := &trackedStore{Store: memory.New(time.Now), listErr: loadErr}

	a, err := build(testConfig(), logger.NewNop(), st)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run() }()

	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after a failed start")
	}
	assert.ErrorIs(t, err, loadErr)
	assert.True(t, st.closed.Load(), "store must be closed")
}

func TestRunReleasesResourcesWhenSeedFails(t *testing.T) {
	st := &trackedStore{Store: memory.New(time.Now)}
	cfg := testConfig()
	cfg.SeedFile = filepath.Join(t.TempDir(), "missing.yaml")

	a, err := build(cfg, logger.NewNop(), st)
	require.NoError(t, err)

	err = a.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed file")
	assert.True(t, st.closed.Load(), "store must be closed")
}

func TestBuildRejectsRelativeUpstream(t *testing.T) {
	cfg := testConfig()
	cfg.UpstreamURL = "api.example.com/v1"

	_, err := build(cfg, logger.NewNop(), &trackedStore{Store: memory.New(time.Now)})
	assert.ErrorContains(t, err, "upstream")
}
