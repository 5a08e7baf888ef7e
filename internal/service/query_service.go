package service

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"netviz/internal/model"
)

const (
	DefaultPageLimit = 25
	MaxPageLimit     = 100
	maxQueryRunes    = 100
	recentNetworks   = 10
)

// SnapshotSource is the read side of the refresh coordinator.
type SnapshotSource interface {
	Current() *model.Snapshot
	LastFailure() *model.RefreshFailure
}

// QueryService answers reads from whatever snapshot is current. Every call
// loads the snapshot once, so a response never mixes two versions.
type QueryService struct {
	source SnapshotSource
	maxAge time.Duration
	logger *zap.Logger
}

func NewQueryService(source SnapshotSource, maxAge time.Duration, logger *zap.Logger) *QueryService {
	return &QueryService{
		source: source,
		maxAge: maxAge,
		logger: logger,
	}
}

func (s *QueryService) GetStats() (*model.DashboardStats, error) {
	snap := s.source.Current()
	if snap == nil {
		return nil, model.ErrNoData
	}

	recent := snap.Records[:min(recentNetworks, len(snap.Records))]
	return &model.DashboardStats{
		AggregateStats: *snap.Stats,
		Version:        snap.Version,
		FetchedAt:      snap.FetchedAt,
		SourceStatus:   s.effectiveStatus(snap),
		SkippedRecords: snap.Skipped,
		LastFailure:    s.source.LastFailure(),
		Recent:         slices.Clone(recent),
	}, nil
}

// effectiveStatus reports stale once the snapshot is older than the max
// cache age, whatever it was published as.
func (s *QueryService) effectiveStatus(snap *model.Snapshot) model.SourceStatus {
	if s.maxAge > 0 && time.Since(snap.FetchedAt) > s.maxAge {
		return model.SourceStale
	}
	return snap.SourceStatus
}

// Search matches networks by name/aka substring or exact ASN (either one
// matching is enough) and then applies the type, policy, scope and status
// filters.
// Results are in ASN order.
func (s *QueryService) Search(query model.SearchQuery, page model.Page) (*model.SearchResult, error) {
	snap := s.source.Current()
	if snap == nil {
		return nil, model.ErrNoData
	}

	page = normalizePage(page)
	name := truncateRunes(strings.TrimSpace(query.Name), maxQueryRunes)

	var candidates []int
	if name != "" || query.ASN != 0 {
		if name != "" {
			candidates = snap.Index.Substring(name)
		}
		if query.ASN != 0 {
			if pos, ok := snap.Index.ByASN(query.ASN); ok && !slices.Contains(candidates, pos) {
				candidates = append(slices.Clone(candidates), pos)
				slices.Sort(candidates)
			}
		}
	} else {
		candidates = make([]int, len(snap.Records))
		for i := range candidates {
			candidates[i] = i
		}
	}

	matches := candidates[:0:0]
	for _, pos := range candidates {
		if matchesFilters(&snap.Records[pos], query) {
			matches = append(matches, pos)
		}
	}

	result := &model.SearchResult{
		Version:  snap.Version,
		Total:    len(matches),
		Offset:   page.Offset,
		Limit:    page.Limit,
		Networks: []model.NetworkRecord{},
	}
	if page.Offset < len(matches) {
		end := min(page.Offset+page.Limit, len(matches))
		for _, pos := range matches[page.Offset:end] {
			result.Networks = append(result.Networks, snap.Records[pos])
		}
	}

	s.logger.Debug("search",
		zap.String("name", name),
		zap.Uint32("asn", query.ASN),
		zap.Uint64("version", snap.Version),
		zap.Int("total", result.Total))
	return result, nil
}

func (s *QueryService) GetByASN(asn uint32) (*model.NetworkRecord, error) {
	snap := s.source.Current()
	if snap == nil {
		return nil, model.ErrNoData
	}
	pos, ok := snap.Index.ByASN(asn)
	if !ok {
		return nil, model.ErrNotFound
	}
	record := snap.Records[pos]
	return &record, nil
}

func matchesFilters(r *model.NetworkRecord, q model.SearchQuery) bool {
	if q.NetworkType != "" && r.NetworkType != q.NetworkType {
		return false
	}
	if q.Policy != "" && r.PolicyGeneral != q.Policy {
		return false
	}
	if q.Scope != "" && !slices.Contains(r.GeographicScopes, q.Scope) {
		return false
	}
	if q.Status != "" && !strings.EqualFold(r.Status, q.Status) {
		return false
	}
	return true
}

func normalizePage(p model.Page) model.Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultPageLimit
	case p.Limit > MaxPageLimit:
		p.Limit = MaxPageLimit
	}
	return p
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// ParseASN accepts "13335" as well as "AS13335" (any case).
func ParseASN(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if len(s) > 2 && strings.EqualFold(s[:2], "as") {
		s = s[2:]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid ASN %q", s)
	}
	return uint32(n), nil
}
