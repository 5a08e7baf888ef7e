package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"netviz/internal/config"
	"netviz/internal/model"
)

// EntityNetwork is the PeeringDB entity type the pipeline ingests.
const EntityNetwork = "net"

const leaseReleaseTimeout = 5 * time.Second

type Fetcher interface {
	Fetch(ctx context.Context, entityType string) (*model.RawPayload, error)
}

type CacheStore interface {
	Load(ctx context.Context, entityType string) (*model.CachedDataset, error)
	Save(ctx context.Context, dataset *model.CachedDataset) error
	// LoadVersion and SaveVersion keep the highest published version, so a
	// snapshot that was served but never cached still uses up its number.
	LoadVersion(ctx context.Context, entityType string) (uint64, error)
	SaveVersion(ctx context.Context, entityType string, version uint64) error
}

// Lease keeps replicas sharing one API key from refreshing at the same time.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RefreshCoordinator runs refresh cycles and owns the published snapshot.
// At most one cycle runs at a time; readers always see a complete snapshot.
type RefreshCoordinator struct {
	fetcher Fetcher
	cache   CacheStore
	lease   Lease
	metrics *Metrics
	logger  *zap.Logger

	maxAge     time.Duration
	interval   time.Duration
	intervalCh chan time.Duration

	current atomic.Pointer[model.Snapshot]
	version atomic.Uint64

	loadMu sync.Mutex
	loaded bool

	mu          sync.Mutex
	stage       model.RefreshStage
	lastFailure *model.RefreshFailure
	base        context.Context
	closed      bool

	wg sync.WaitGroup
}

// NewRefreshCoordinator wires the pipeline. lease may be nil.
func NewRefreshCoordinator(
	fetcher Fetcher,
	cache CacheStore,
	lease Lease,
	cfg *config.Config,
	metrics *Metrics,
	logger *zap.Logger,
) *RefreshCoordinator {
	return &RefreshCoordinator{
		fetcher:    fetcher,
		cache:      cache,
		lease:      lease,
		metrics:    metrics,
		logger:     logger,
		maxAge:     cfg.MaxCacheAge,
		interval:   cfg.RefreshInterval,
		intervalCh: make(chan time.Duration, 1),
		stage:      model.StageIdle,
		base:       context.Background(),
	}
}

// Current returns the published snapshot, or nil before the first one.
func (c *RefreshCoordinator) Current() *model.Snapshot {
	return c.current.Load()
}

func (c *RefreshCoordinator) State() model.RefreshStage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// LastFailure returns the failure of the most recent cycle that did not
// publish, or nil once a later cycle succeeded.
func (c *RefreshCoordinator) LastFailure() *model.RefreshFailure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFailure
}

// SetInterval changes the schedule of a running Start loop.
func (c *RefreshCoordinator) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-c.intervalCh:
	default:
	}
	select {
	case c.intervalCh <- d:
	default:
	}
}

// Start publishes the cached snapshot, refreshes right away when there is
// none or it is older than the max cache age, then refreshes on every
// interval tick. It blocks until ctx is done and in-flight cycles end.
func (c *RefreshCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()

	if err := c.LoadCache(ctx); err != nil {
		c.logger.Warn("Cache unreadable, starting without data", zap.Error(err))
	}

	if snap := c.Current(); snap == nil || time.Since(snap.FetchedAt) > c.maxAge {
		c.logger.Info("No usable cached data, performing initial refresh")
		_ = c.RunOnce(ctx)
	} else {
		c.logger.Info("Existing cached data is fresh, skipping initial refresh",
			zap.Uint64("version", snap.Version),
			zap.Time("fetched_at", snap.FetchedAt))
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			c.wg.Wait()
			return nil
		case d := <-c.intervalCh:
			c.logger.Info("Refresh interval changed", zap.Duration("interval", d))
			c.interval = d
			ticker.Reset(d)
		case <-ticker.C:
			_ = c.RunOnce(ctx)
		}
	}
}

// Trigger starts a cycle in the background and reports whether it did. A
// trigger while a cycle is running is coalesced into that cycle, and one
// after Start's context ended is dropped. The cycle outlives ctx's
// cancellation but not the context Start was given.
func (c *RefreshCoordinator) Trigger(ctx context.Context) bool {
	cycleID, err := c.begin(true)
	if err != nil {
		if errors.Is(err, model.ErrRefreshInProgress) {
			c.metrics.RefreshCycles.WithLabelValues("coalesced").Inc()
			c.logger.Debug("Refresh already running, trigger coalesced")
		}
		return false
	}

	go func() {
		defer c.wg.Done()
		cycleCtx, cancel := c.cycleContext(ctx)
		defer cancel()
		_ = c.run(cycleCtx, cycleID)
	}()
	return true
}

// RunOnce runs a cycle synchronously. It returns model.ErrRefreshInProgress
// when another cycle is already running and model.ErrShuttingDown once
// Start's context has ended.
func (c *RefreshCoordinator) RunOnce(ctx context.Context) error {
	cycleID, err := c.begin(false)
	if err != nil {
		if errors.Is(err, model.ErrRefreshInProgress) {
			c.metrics.RefreshCycles.WithLabelValues("coalesced").Inc()
		}
		return err
	}
	return c.run(ctx, cycleID)
}

// LoadCache publishes the cached snapshot and seeds the version counter from
// the cache. It does the work once; cycles wait for it so that none of them
// numbers or saves a snapshot before the cached one is known.
func (c *RefreshCoordinator) LoadCache(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loaded {
		return nil
	}

	err := c.loadCache(ctx)
	if err != nil && ctx.Err() != nil {
		return err
	}
	c.loaded = true
	return err
}

// Wait blocks until background cycles started by Trigger have ended.
func (c *RefreshCoordinator) Wait() {
	c.wg.Wait()
}

func (c *RefreshCoordinator) cycleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	c.mu.Lock()
	base := c.base
	c.mu.Unlock()

	cycleCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(base, cancel)
	return cycleCtx, func() {
		stop()
		cancel()
	}
}

// begin claims the single cycle slot. A background cycle is added to wg
// under mu, so it cannot race the final Wait in Start.
func (c *RefreshCoordinator) begin(background bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.base.Err() != nil {
		return "", model.ErrShuttingDown
	}
	if c.stage != model.StageIdle && c.stage != model.StageFailed {
		return "", model.ErrRefreshInProgress
	}
	c.stage = model.StageFetching
	if background {
		c.wg.Add(1)
	}
	return uuid.NewString(), nil
}

func (c *RefreshCoordinator) setStage(stage model.RefreshStage) {
	c.mu.Lock()
	c.stage = stage
	c.mu.Unlock()
}

func (c *RefreshCoordinator) run(ctx context.Context, cycleID string) error {
	startTime := time.Now()
	logger := c.logger.With(zap.String("cycle_id", cycleID))
	logger.Info("Starting refresh cycle")

	if err := c.LoadCache(ctx); err != nil {
		logger.Warn("Cache unreadable, versions restart from the last known one", zap.Error(err))
	}

	if c.lease != nil {
		held, err := c.lease.Acquire(ctx)
		switch {
		case err != nil:
			logger.Warn("Refresh lease unavailable, proceeding without it", zap.Error(err))
		case !held:
			logger.Info("Refresh lease held by another replica, skipping cycle")
			c.setStage(model.StageIdle)
			c.metrics.RefreshCycles.WithLabelValues("coalesced").Inc()
			return model.ErrRefreshInProgress
		default:
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
				defer cancel()
				if err := c.lease.Release(releaseCtx); err != nil {
					logger.Warn("Failed to release refresh lease", zap.Error(err))
				}
			}()
		}
	}

	payload, err := c.fetcher.Fetch(ctx, EntityNetwork)
	if err != nil {
		return c.fail(ctx, logger, cycleID, model.StageFetching, err)
	}

	c.setStage(model.StageNormalizing)
	records, skipped := Normalize(payload)
	if len(skipped) > 0 {
		c.metrics.SkippedRecords.Add(float64(len(skipped)))
		logger.Warn("Skipped invalid registry records",
			zap.Int("skipped", len(skipped)),
			zap.Int("first_index", skipped[0].Index),
			zap.String("first_reason", skipped[0].Reason))
	}
	if len(records) == 0 {
		return c.fail(ctx, logger, cycleID, model.StageNormalizing,
			fmt.Errorf("no valid records in %d fetched", len(payload.Records)))
	}
	if err := ctx.Err(); err != nil {
		return c.fail(ctx, logger, cycleID, model.StageNormalizing, err)
	}

	c.setStage(model.StageAggregating)
	status := model.SourceFresh
	if payload.Partial {
		status = model.SourceDegradedPartial
		logger.Warn("Publishing partial data", zap.Error(payload.PartialErr))
	}
	snap := buildSnapshot(c.version.Load()+1, payload.FetchedAt, status, records, len(skipped))
	if err := ctx.Err(); err != nil {
		return c.fail(ctx, logger, cycleID, model.StageAggregating, err)
	}

	// The cache only ever holds a complete dataset; a partial one is served
	// but only its version is persisted.
	c.setStage(model.StagePublishing)
	if status == model.SourceFresh {
		err = c.cache.Save(ctx, &model.CachedDataset{
			EntityType:   EntityNetwork,
			Version:      snap.Version,
			FetchedAt:    snap.FetchedAt,
			SourceStatus: snap.SourceStatus,
			Records:      snap.Records,
		})
		if err != nil {
			return c.fail(ctx, logger, cycleID, model.StagePublishing, fmt.Errorf("saving cache: %w", err))
		}
	} else if err := c.cache.SaveVersion(ctx, EntityNetwork, snap.Version); err != nil {
		return c.fail(ctx, logger, cycleID, model.StagePublishing, fmt.Errorf("saving version mark: %w", err))
	}

	c.publish(snap)

	c.mu.Lock()
	c.stage = model.StageIdle
	c.lastFailure = nil
	c.mu.Unlock()

	result := "published"
	if status == model.SourceDegradedPartial {
		result = "degraded"
	}
	c.metrics.RefreshCycles.WithLabelValues(result).Inc()
	c.metrics.RefreshDuration.Observe(time.Since(startTime).Seconds())

	logger.Info("Published snapshot",
		zap.Uint64("version", snap.Version),
		zap.String("source_status", string(status)),
		zap.Int("records", len(records)),
		zap.Int("skipped", len(skipped)),
		zap.Int("pages", payload.Pages),
		zap.Duration("duration", time.Since(startTime)))
	return nil
}

// fail ends a cycle without publishing. Cancellation returns the
// coordinator to idle; anything else is recorded as the last failure.
func (c *RefreshCoordinator) fail(ctx context.Context, logger *zap.Logger, cycleID string, stage model.RefreshStage, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.setStage(model.StageIdle)
		c.metrics.RefreshCycles.WithLabelValues("cancelled").Inc()
		logger.Info("Refresh cycle cancelled, discarding results", zap.String("stage", string(stage)))
		return ctxErr
	}

	failure := model.NewRefreshFailure(cycleID, stage, err, time.Now().UTC())
	c.mu.Lock()
	c.stage = model.StageFailed
	c.lastFailure = failure
	c.mu.Unlock()

	c.metrics.RefreshCycles.WithLabelValues("failed").Inc()
	logger.Error("Refresh cycle failed, keeping current snapshot",
		zap.String("stage", string(stage)),
		zap.Error(err))
	return failure
}

func (c *RefreshCoordinator) publish(snap *model.Snapshot) {
	c.raiseVersion(snap.Version)
	c.current.Store(snap)
	c.metrics.SnapshotVersion.Set(float64(snap.Version))
	c.metrics.SnapshotRecords.Set(float64(len(snap.Records)))
}

// raiseVersion moves the version counter up to v, never down.
func (c *RefreshCoordinator) raiseVersion(v uint64) {
	for {
		cur := c.version.Load()
		if v <= cur || c.version.CompareAndSwap(cur, v) {
			return
		}
	}
}

func (c *RefreshCoordinator) loadCache(ctx context.Context) error {
	mark, err := c.cache.LoadVersion(ctx, EntityNetwork)
	if err != nil {
		c.logger.Warn("Version mark unreadable, using the cached dataset's version", zap.Error(err))
	}
	c.raiseVersion(mark)

	dataset, err := c.cache.Load(ctx, EntityNetwork)
	if err != nil {
		return err
	}
	if dataset == nil {
		return nil
	}
	if cur := c.Current(); cur != nil && cur.Version >= dataset.Version {
		c.logger.Info("Cached snapshot is older than the published one, not loading it",
			zap.Uint64("cached_version", dataset.Version),
			zap.Uint64("published_version", cur.Version))
		return nil
	}

	status := dataset.SourceStatus
	if status == "" {
		status = model.SourceFresh
	}
	snap := buildSnapshot(dataset.Version, dataset.FetchedAt, status, dataset.Records, 0)
	c.publish(snap)

	c.logger.Info("Loaded cached snapshot",
		zap.Uint64("version", snap.Version),
		zap.Time("fetched_at", snap.FetchedAt),
		zap.Int("records", len(snap.Records)))
	return nil
}

func buildSnapshot(version uint64, fetchedAt time.Time, status model.SourceStatus, records []model.NetworkRecord, skipped int) *model.Snapshot {
	return &model.Snapshot{
		Version:      version,
		FetchedAt:    fetchedAt,
		SourceStatus: status,
		Records:      records,
		Stats:        Aggregate(records),
		Index:        NewSearchIndex(records),
		Skipped:      skipped,
	}
}
