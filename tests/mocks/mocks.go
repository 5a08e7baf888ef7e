package mocks

import (
	"context"
	"sync"

	"netviz/internal/model"
)

type MockFetcher struct {
	FetchFunc func(ctx context.Context, entityType string) (*model.RawPayload, error)

	mu    sync.Mutex
	calls int
}

func (m *MockFetcher) Fetch(ctx context.Context, entityType string) (*model.RawPayload, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.FetchFunc(ctx, entityType)
}

func (m *MockFetcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockCacheStore keeps saved datasets in memory unless the func fields
// override it.
type MockCacheStore struct {
	LoadFunc func(ctx context.Context, entityType string) (*model.CachedDataset, error)
	SaveFunc func(ctx context.Context, dataset *model.CachedDataset) error

	SaveVersionFunc func(ctx context.Context, entityType string, version uint64) error

	mu       sync.Mutex
	saved    map[string]*model.CachedDataset
	versions map[string]uint64
	saves    int
}

func (m *MockCacheStore) Load(ctx context.Context, entityType string) (*model.CachedDataset, error) {
	if m.LoadFunc != nil {
		return m.LoadFunc(ctx, entityType)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[entityType], nil
}

func (m *MockCacheStore) Save(ctx context.Context, dataset *model.CachedDataset) error {
	if m.SaveFunc != nil {
		if err := m.SaveFunc(ctx, dataset); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]*model.CachedDataset)
	}
	m.saved[dataset.EntityType] = dataset
	m.saves++
	return nil
}

func (m *MockCacheStore) LoadVersion(ctx context.Context, entityType string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[entityType], nil
}

func (m *MockCacheStore) SaveVersion(ctx context.Context, entityType string, version uint64) error {
	if m.SaveVersionFunc != nil {
		if err := m.SaveVersionFunc(ctx, entityType, version); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versions == nil {
		m.versions = make(map[string]uint64)
	}
	m.versions[entityType] = version
	return nil
}

func (m *MockCacheStore) Saved(entityType string) *model.CachedDataset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[entityType]
}

func (m *MockCacheStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

type MockLease struct {
	AcquireFunc func(ctx context.Context) (bool, error)
	ReleaseFunc func(ctx context.Context) error
}

func (m *MockLease) Acquire(ctx context.Context) (bool, error) {
	return m.AcquireFunc(ctx)
}

func (m *MockLease) Release(ctx context.Context) error {
	if m.ReleaseFunc == nil {
		return nil
	}
	return m.ReleaseFunc(ctx)
}

// MockRefresher stands in for the refresh coordinator behind the HTTP
// handlers.
type MockRefresher struct {
	TriggerFunc func(ctx context.Context) bool
	StateFunc   func() model.RefreshStage
}

func (m *MockRefresher) Trigger(ctx context.Context) bool {
	return m.TriggerFunc(ctx)
}

func (m *MockRefresher) State() model.RefreshStage {
	if m.StateFunc == nil {
		return model.StageIdle
	}
	return m.StateFunc()
}
