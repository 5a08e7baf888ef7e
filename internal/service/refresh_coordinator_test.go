package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"netviz/internal/config"
	"netviz/internal/model"
	"netviz/internal/repository"
	"netviz/tests/mocks"
)

func coordinatorConfig() *config.Config {
	return &config.Config{
		MaxCacheAge:     time.Hour,
		RefreshInterval: time.Hour,
	}
}

func newTestCoordinator(t *testing.T, fetcher Fetcher, cache CacheStore, lease Lease) (*RefreshCoordinator, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewRefreshCoordinator(fetcher, cache, lease, coordinatorConfig(), metrics, zaptest.NewLogger(t)), metrics
}

func payloadOf(asns ...int) *model.RawPayload {
	rows := make([]string, 0, len(asns))
	for _, asn := range asns {
		rows = append(rows, netRow(asn, fmt.Sprintf("network %d", asn)))
	}
	return rawPayload(rows...)
}

func staticFetcher(payload *model.RawPayload) *mocks.MockFetcher {
	return &mocks.MockFetcher{
		FetchFunc: func(ctx context.Context, entityType string) (*model.RawPayload, error) {
			return payload, nil
		},
	}
}

func TestRefreshCoordinator_RunOncePublishesAndCaches(t *testing.T) {
	cache := &mocks.MockCacheStore{}
	coordinator, metrics := newTestCoordinator(t, staticFetcher(payloadOf(2, 1)), cache, nil)

	require.Nil(t, coordinator.Current())
	require.NoError(t, coordinator.RunOnce(context.Background()))

	snap := coordinator.Current()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, model.SourceFresh, snap.SourceStatus)
	assert.Len(t, snap.Records, 2)
	assert.Equal(t, 2, snap.Stats.TotalRecords)
	_, ok := snap.Index.ByASN(2)
	assert.True(t, ok)

	saved := cache.Saved(EntityNetwork)
	require.NotNil(t, saved)
	assert.Equal(t, snap.Version, saved.Version)
	assert.Equal(t, snap.Records, saved.Records)

	assert.Equal(t, model.StageIdle, coordinator.State())
	assert.Nil(t, coordinator.LastFailure())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RefreshCycles.WithLabelValues("published")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SnapshotVersion))
}

func TestRefreshCoordinator_VersionsIncrease(t *testing.T) {
	coordinator, _ := newTestCoordinator(t, staticFetcher(payloadOf(1, 2, 3)), &mocks.MockCacheStore{}, nil)

	var last uint64
	for i := 0; i < 5; i++ {
		require.NoError(t, coordinator.RunOnce(context.Background()))
		snap := coordinator.Current()
		assert.Greater(t, snap.Version, last)
		last = snap.Version
	}
	assert.Equal(t, uint64(5), last)
}

func TestRefreshCoordinator_TriggersDuringFetchAreCoalesced(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fetcher := &mocks.MockFetcher{
		FetchFunc: func(ctx context.Context, entityType string) (*model.RawPayload, error) {
			close(started)
			<-release
			return payloadOf(1), nil
		},
	}
	coordinator, metrics := newTestCoordinator(t, fetcher, &mocks.MockCacheStore{}, nil)

	assert.True(t, coordinator.Trigger(context.Background()))
	<-started
	assert.Equal(t, model.StageFetching, coordinator.State())

	time.Sleep(100 * time.Millisecond)
	assert.False(t, coordinator.Trigger(context.Background()))
	assert.ErrorIs(t, coordinator.RunOnce(context.Background()), model.ErrRefreshInProgress)

	close(release)
	coordinator.Wait()

	assert.Equal(t, 1, fetcher.Calls())
	assert.Equal(t, uint64(1), coordinator.Current().Version)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RefreshCycles.WithLabelValues("coalesced")))
}

func TestRefreshCoordinator_TriggerSurvivesRequestContext(t *testing.T) {
	release := make(chan struct{})
	fetcher := &mocks.MockFetcher{
		FetchFunc: func(ctx context.Context, entityType string) (*model.RawPayload, error) {
			<-release
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return payloadOf(1), nil
		},
	}
	coordinator, _ := newTestCoordinator(t, fetcher, &mocks.MockCacheStore{}, nil)

	reqCtx, cancel := context.WithCancel(context.Background())
	require.True(t, coordinator.Trigger(reqCtx))
	cancel()
	close(release)
	coordinator.Wait()

	require.NotNil(t, coordinator.Current())
}

func TestRefreshCoordinator_FailureKeepsCurrentSnapshot(t *testing.T) {
	fail := false
	fetcher := &mocks.MockFetcher{
		FetchFunc: func(ctx context.Context, entityType string) (*model.RawPayload, error) {
			if fail {
				return nil, &model.FetchError{Kind: model.FetchAuthRejected, EntityType: entityType, Page: 1, StatusCode: 401}
			}
			return payloadOf(1, 2), nil
		},
	}
	coordinator, metrics := newTestCoordinator(t, fetcher, &mocks.MockCacheStore{}, nil)
	require.NoError(t, coordinator.RunOnce(context.Background()))
	first := coordinator.Current()

	fail = true
	err := coordinator.RunOnce(context.Background())

	var failure *model.RefreshFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, model.StageFetching, failure.Stage)
	assert.NotEmpty(t, failure.CycleID)
	assert.True(t, model.IsFetchKind(err, model.FetchAuthRejected))
	assert.Same(t, first, coordinator.Current())
	assert.Equal(t, model.StageFailed, coordinator.State())
	assert.Equal(t, failure, coordinator.LastFailure())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RefreshCycles.WithLabelValues("failed")))

	fail = false
	require.NoError(t, coordinator.RunOnce(context.Background()))
	assert.Equal(t, uint64(2), coordinator.Current().Version)
	assert.Nil(t, coordinator.LastFailure())
	assert.Equal(t, model.StageIdle, coordinator.State())
}

func TestRefreshCoordinator_PartialPayloadIsServedNotCached(t *testing.T) {
	payload := payloadOf(1, 2)
	payload.Partial = true
	payload.PartialErr = &model.FetchError{Kind: model.FetchTimeout, EntityType: EntityNetwork, Page: 2}
	cache := &mocks.MockCacheStore{}
	coordinator, metrics := newTestCoordinator(t, staticFetcher(payload), cache, nil)

	require.NoError(t, coordinator.RunOnce(context.Background()))

	snap := coordinator.Current()
	assert.Equal(t, model.SourceDegradedPartial, snap.SourceStatus)
	assert.Len(t, snap.Records, 2)
	assert.Nil(t, cache.Saved(EntityNetwork))
	assert.Equal(t, 0, cache.Saves())
	mark, err := cache.LoadVersion(context.Background(), EntityNetwork)
	require.NoError(t, err)
	assert.Equal(t, snap.Version, mark)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RefreshCycles.WithLabelValues("degraded")))
}

func TestRefreshCoordinator_VersionMarkFailureAbortsPartialCycle(t *testing.T) {
	payload := payloadOf(1)
	payload.Partial = true
	cache := &mocks.MockCacheStore{
		SaveVersionFunc: func(ctx context.Context, entityType string, version uint64) error {
			return &model.CacheIOError{Op: "rename", Path: "net.version.json", Err: os.ErrPermission}
		},
	}
	coordinator, _ := newTestCoordinator(t, staticFetcher(payload), cache, nil)

	err := coordinator.RunOnce(context.Background())

	var failure *model.RefreshFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, model.StagePublishing, failure.Stage)
	assert.Nil(t, coordinator.Current())
}

func TestRefreshCoordinator_VersionsSurviveRestartAfterPartialSnapshot(t *testing.T) {
	cache, err := repository.NewFileCache(t.TempDir(), false, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer cache.Close()
	ctx := context.Background()

	partial := payloadOf(1, 2)
	partial.Partial = true
	partial.PartialErr = &model.FetchError{Kind: model.FetchTimeout, EntityType: EntityNetwork, Page: 2}
	payloads := []*model.RawPayload{payloadOf(1), partial}
	fetcher := &mocks.MockFetcher{
		FetchFunc: func(ctx context.Context, entityType string) (*model.RawPayload, error) {
			p := payloads[0]
			payloads = payloads[1:]
			return p, nil
		},
	}
	first, _ := newTestCoordinator(t, fetcher, cache, nil)
	require.NoError(t, first.RunOnce(ctx))
	require.NoError(t, first.RunOnce(ctx))
	require.Equal(t, uint64(2), first.Current().Version)
	require.Equal(t, model.SourceDegradedPartial, first.Current().SourceStatus)

	restarted, _ := newTestCoordinator(t, staticFetcher(payloadOf(1)), cache, nil)
	require.NoError(t, restarted.LoadCache(ctx))
	assert.Equal(t, uint64(1), restarted.Current().Version)

	require.NoError(t, restarted.RunOnce(ctx))
	assert.Equal(t, uint64(3), restarted.Current().Version)
	assert.Equal(t, model.SourceFresh, restarted.Current().SourceStatus)
}

func TestRefreshCoordinator_SkippedRecordsAreCounted(t *testing.T) {
	payload := rawPayload(`{"asn": "abc", "name": "Test Net"}`, netRow(7, "seven"))
	coordinator, metrics := newTestCoordinator(t, staticFetcher(payload), &mocks.MockCacheStore{}, nil)

	require.NoError(t, coordinator.RunOnce(context.Background()))

	snap := coordinator.Current()
	assert.Equal(t, 1, snap.Skipped)
	assert.Equal(t, 1, snap.Stats.TotalRecords)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SkippedRecords))
}

func TestRefreshCoordinator_NoValidRecordsFails(t *testing.T) {
	payload := rawPayload(`{"asn": "abc"}`)
	coordinator, _ := newTestCoordinator(t, staticFetcher(payload), &mocks.MockCacheStore{}, nil)

	err := coordinator.RunOnce(context.Background())

	var failure *model.RefreshFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, model.StageNormalizing, failure.Stage)
	assert.Nil(t, coordinator.Current())
}

func TestRefreshCoordinator_CacheWriteFailureAbortsCycle(t *testing.T) {
	cache := &mocks.MockCacheStore{
		SaveFunc: func(ctx context.Context, dataset *model.CachedDataset) error {
			return &model.CacheIOError{Op: "rename", Path: "net.json", Err: os.ErrPermission}
		},
	}
	coordinator, _ := newTestCoordinator(t, staticFetcher(payloadOf(1)), cache, nil)

	err := coordinator.RunOnce(context.Background())

	var failure *model.RefreshFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, model.StagePublishing, failure.Stage)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Nil(t, coordinator.Current())
}

func TestRefreshCoordinator_CancellationDiscardsCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &mocks.MockFetcher{
		FetchFunc: func(_ context.Context, entityType string) (*model.RawPayload, error) {
			cancel()
			return payloadOf(1, 2), nil
		},
	}
	cache := &mocks.MockCacheStore{}
	coordinator, metrics := newTestCoordinator(t, fetcher, cache, nil)

	err := coordinator.RunOnce(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, coordinator.Current())
	assert.Equal(t, 0, cache.Saves())
	assert.Equal(t, model.StageIdle, coordinator.State())
	assert.Nil(t, coordinator.LastFailure())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RefreshCycles.WithLabelValues("cancelled")))
}

func TestRefreshCoordinator_Lease(t *testing.T) {
	t.Run("held by another replica", func(t *testing.T) {
		fetcher := staticFetcher(payloadOf(1))
		lease := &mocks.MockLease{
			AcquireFunc: func(ctx context.Context) (bool, error) { return false, nil },
		}
		coordinator, _ := newTestCoordinator(t, fetcher, &mocks.MockCacheStore{}, lease)

		assert.ErrorIs(t, coordinator.RunOnce(context.Background()), model.ErrRefreshInProgress)
		assert.Equal(t, 0, fetcher.Calls())
		assert.Equal(t, model.StageIdle, coordinator.State())
	})

	t.Run("acquired and released", func(t *testing.T) {
		released := false
		lease := &mocks.MockLease{
			AcquireFunc: func(ctx context.Context) (bool, error) { return true, nil },
			ReleaseFunc: func(ctx context.Context) error {
				released = true
				return nil
			},
		}
		coordinator, _ := newTestCoordinator(t, staticFetcher(payloadOf(1)), &mocks.MockCacheStore{}, lease)

		require.NoError(t, coordinator.RunOnce(context.Background()))
		assert.True(t, released)
	})

	t.Run("redis error does not block refresh", func(t *testing.T) {
		lease := &mocks.MockLease{
			AcquireFunc: func(ctx context.Context) (bool, error) { return false, errors.New("connection refused") },
		}
		coordinator, _ := newTestCoordinator(t, staticFetcher(payloadOf(1)), &mocks.MockCacheStore{}, lease)

		require.NoError(t, coordinator.RunOnce(context.Background()))
		assert.NotNil(t, coordinator.Current())
	})
}

func runStart(t *testing.T, coordinator *RefreshCoordinator) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coordinator.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Start did not return after cancel")
		}
	})
	return cancel
}

func TestRefreshCoordinator_StartFetchesWhenCacheDeleted(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cache, err := repository.NewFileCache(t.TempDir(), false, logger)
	require.NoError(t, err)
	defer cache.Close()

	seed, _ := newTestCoordinator(t, staticFetcher(payloadOf(1)), cache, nil)
	require.NoError(t, seed.RunOnce(context.Background()))
	require.NoError(t, os.Remove(cache.Path(EntityNetwork)))

	fetcher := staticFetcher(payloadOf(1, 2))
	coordinator, _ := newTestCoordinator(t, fetcher, cache, nil)
	runStart(t, coordinator)

	require.Eventually(t, func() bool {
		return coordinator.Current() != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, fetcher.Calls())
	assert.Len(t, coordinator.Current().Records, 2)
}

func TestRefreshCoordinator_StartServesFreshCache(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cache, err := repository.NewFileCache(t.TempDir(), false, logger)
	require.NoError(t, err)
	defer cache.Close()

	records, _ := Normalize(payloadOf(10, 20))
	require.NoError(t, cache.Save(context.Background(), &model.CachedDataset{
		EntityType:   EntityNetwork,
		Version:      41,
		FetchedAt:    time.Now().UTC().Add(-time.Minute),
		SourceStatus: model.SourceFresh,
		Records:      records,
	}))

	fetcher := staticFetcher(payloadOf(10, 20, 30))
	coordinator, _ := newTestCoordinator(t, fetcher, cache, nil)
	runStart(t, coordinator)

	require.Eventually(t, func() bool {
		return coordinator.Current() != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(41), coordinator.Current().Version)
	assert.Equal(t, 0, fetcher.Calls())

	require.NoError(t, coordinator.RunOnce(context.Background()))
	assert.Equal(t, uint64(42), coordinator.Current().Version)
}

func TestRefreshCoordinator_StartRefreshesStaleCache(t *testing.T) {
	records, _ := Normalize(payloadOf(10))
	cache := &mocks.MockCacheStore{
		LoadFunc: func(ctx context.Context, entityType string) (*model.CachedDataset, error) {
			return &model.CachedDataset{
				EntityType:   entityType,
				Version:      3,
				FetchedAt:    time.Now().Add(-2 * time.Hour),
				SourceStatus: model.SourceFresh,
				Records:      records,
			}, nil
		},
	}
	fetcher := staticFetcher(payloadOf(10, 20))
	coordinator, _ := newTestCoordinator(t, fetcher, cache, nil)
	runStart(t, coordinator)

	require.Eventually(t, func() bool {
		snap := coordinator.Current()
		return snap != nil && snap.Version == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, fetcher.Calls())
}

func TestRefreshCoordinator_StartWithUnreadableCache(t *testing.T) {
	cache := &mocks.MockCacheStore{
		LoadFunc: func(ctx context.Context, entityType string) (*model.CachedDataset, error) {
			return nil, &model.CacheIOError{Op: "read", Path: "net.json", Err: os.ErrPermission}
		},
	}
	fetcher := staticFetcher(payloadOf(1))
	coordinator, _ := newTestCoordinator(t, fetcher, cache, nil)
	runStart(t, coordinator)

	require.Eventually(t, func() bool {
		return coordinator.Current() != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRefreshCoordinator_SetIntervalReschedules(t *testing.T) {
	records, _ := Normalize(payloadOf(1))
	cache := &mocks.MockCacheStore{
		LoadFunc: func(ctx context.Context, entityType string) (*model.CachedDataset, error) {
			return &model.CachedDataset{
				EntityType: entityType,
				Version:    1,
				FetchedAt:  time.Now(),
				Records:    records,
			}, nil
		},
	}
	fetcher := staticFetcher(payloadOf(1))
	coordinator, _ := newTestCoordinator(t, fetcher, cache, nil)
	runStart(t, coordinator)

	coordinator.SetInterval(20 * time.Millisecond)

	assert.Eventually(t, func() bool {
		return fetcher.Calls() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRefreshCoordinator_TriggerDuringStartupWaitsForCache(t *testing.T) {
	cached, _ := Normalize(payloadOf(10, 20))
	loading := make(chan struct{})
	release := make(chan struct{})
	cache := &mocks.MockCacheStore{
		LoadFunc: func(ctx context.Context, entityType string) (*model.CachedDataset, error) {
			close(loading)
			<-release
			return &model.CachedDataset{
				EntityType:   entityType,
				Version:      5,
				FetchedAt:    time.Now().UTC(),
				SourceStatus: model.SourceFresh,
				Records:      cached,
			}, nil
		},
	}
	coordinator, _ := newTestCoordinator(t, staticFetcher(payloadOf(10, 20, 30)), cache, nil)
	runStart(t, coordinator)

	<-loading
	require.True(t, coordinator.Trigger(context.Background()))
	close(release)
	coordinator.Wait()

	snap := coordinator.Current()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(6), snap.Version)
	assert.Len(t, snap.Records, 3)
	saved := cache.Saved(EntityNetwork)
	require.NotNil(t, saved)
	assert.Equal(t, uint64(6), saved.Version)
}

func TestRefreshCoordinator_OlderCacheNeverReplacesPublishedSnapshot(t *testing.T) {
	older, _ := Normalize(payloadOf(1))
	loads := 0
	cache := &mocks.MockCacheStore{
		LoadFunc: func(ctx context.Context, entityType string) (*model.CachedDataset, error) {
			loads++
			if loads == 1 {
				return nil, nil
			}
			return &model.CachedDataset{
				EntityType:   entityType,
				Version:      1,
				FetchedAt:    time.Now().UTC(),
				SourceStatus: model.SourceFresh,
				Records:      older,
			}, nil
		},
	}
	coordinator, _ := newTestCoordinator(t, staticFetcher(payloadOf(1, 2, 3)), cache, nil)
	require.NoError(t, coordinator.RunOnce(context.Background()))
	require.NoError(t, coordinator.RunOnce(context.Background()))
	published := coordinator.Current()
	require.Equal(t, uint64(2), published.Version)

	require.NoError(t, coordinator.loadCache(context.Background()))

	assert.Equal(t, 2, loads)
	assert.Same(t, published, coordinator.Current())
	assert.Equal(t, uint64(2), coordinator.version.Load())
}

func TestRefreshCoordinator_NoCyclesAfterShutdown(t *testing.T) {
	records, _ := Normalize(payloadOf(1))
	cache := &mocks.MockCacheStore{
		LoadFunc: func(ctx context.Context, entityType string) (*model.CachedDataset, error) {
			return &model.CachedDataset{
				EntityType: entityType,
				Version:    1,
				FetchedAt:  time.Now(),
				Records:    records,
			}, nil
		},
	}
	fetcher := staticFetcher(payloadOf(1))
	coordinator, _ := newTestCoordinator(t, fetcher, cache, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coordinator.Start(ctx) }()
	require.Eventually(t, func() bool {
		return coordinator.Current() != nil
	}, 2*time.Second, 10*time.Millisecond)

	// Triggers keep arriving while Start shuts down.
	stopTriggers := make(chan struct{})
	var triggers sync.WaitGroup
	for i := 0; i < 4; i++ {
		triggers.Add(1)
		go func() {
			defer triggers.Done()
			for {
				select {
				case <-stopTriggers:
					return
				default:
					coordinator.Trigger(context.Background())
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	close(stopTriggers)
	triggers.Wait()
	coordinator.Wait()

	calls := fetcher.Calls()
	assert.False(t, coordinator.Trigger(context.Background()))
	assert.ErrorIs(t, coordinator.RunOnce(context.Background()), model.ErrShuttingDown)
	coordinator.Wait()
	assert.Equal(t, calls, fetcher.Calls())
}
