package model

import (
	"encoding/json"
	"time"
)

// NetworkRecord is one PeeringDB network, identified by its ASN.
type NetworkRecord struct {
	ID               int64        `json:"id"`
	ASN              uint32       `json:"asn"`
	Name             string       `json:"name"`
	AKA              string       `json:"aka,omitempty"`
	Status           string       `json:"status,omitempty"`
	Website          string       `json:"website,omitempty"`
	NetworkType      NetworkType  `json:"network_type"`
	PolicyGeneral    Policy       `json:"policy_general"`
	GeographicScopes []Scope      `json:"geographic_scopes"`
	InfoTraffic      TrafficLevel `json:"info_traffic"`
	InfoPrefixes4    *int64       `json:"info_prefixes4,omitempty"`
	InfoPrefixes6    *int64       `json:"info_prefixes6,omitempty"`
	IXCount          *int64       `json:"ix_count,omitempty"`
	FacCount         *int64       `json:"fac_count,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// RawPayload is the undecoded result of paginating one entity type.
type RawPayload struct {
	EntityType string
	Records    []json.RawMessage
	Pages      int
	FetchedAt  time.Time
	Partial    bool
	PartialErr error
}

// SkippedRecord is a raw record the normalizer refused, with the reason.
type SkippedRecord struct {
	Index  int             `json:"index"`
	Reason string          `json:"reason"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

// SourceStatus describes how trustworthy a snapshot's data is.
type SourceStatus string

const (
	SourceFresh           SourceStatus = "fresh"
	SourceStale           SourceStatus = "stale"
	SourceDegradedPartial SourceStatus = "degraded-partial"
)

// SearchIndex answers name and ASN lookups with positions into
// Snapshot.Records.
type SearchIndex interface {
	Substring(query string) []int
	ByASN(asn uint32) (int, bool)
}

// Snapshot is one immutable, versioned view of the dataset. It is never
// modified after it has been published.
type Snapshot struct {
	Version      uint64
	FetchedAt    time.Time
	SourceStatus SourceStatus
	Records      []NetworkRecord
	Stats        *AggregateStats
	Index        SearchIndex
	Skipped      int
}

// VersionMark records the highest snapshot version ever published for an
// entity type, including snapshots that were never cached.
type VersionMark struct {
	EntityType string    `json:"entity_type"`
	Version    uint64    `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CachedDataset is the on-disk form of a snapshot's entity set.
type CachedDataset struct {
	EntityType   string          `json:"entity_type"`
	Version      uint64          `json:"version"`
	FetchedAt    time.Time       `json:"fetched_at"`
	SourceStatus SourceStatus    `json:"source_status"`
	Records      []NetworkRecord `json:"records"`
}

// AggregateStats are the derived statistics of exactly one snapshot.
type AggregateStats struct {
	TotalRecords  int                 `json:"total_records"`
	ByNetworkType map[NetworkType]int `json:"by_network_type"`
	ByPolicy      map[Policy]int      `json:"by_policy"`
	ByScope       map[Scope]int       `json:"by_scope"`
	Analytics     Analytics           `json:"analytics"`
}

// Histogram is a two-dimensional bucket count. Counts[i][j] is the number
// of records in RowLabels[i] and ColumnLabels[j].
type Histogram struct {
	RowLabels    []string `json:"row_labels"`
	ColumnLabels []string `json:"column_labels"`
	Counts       [][]int  `json:"counts"`
}

// PrefixPoint is one network of the prefix distribution series.
type PrefixPoint struct {
	ASN  uint32 `json:"asn"`
	Name string `json:"name"`
	IPv4 int64  `json:"ipv4"`
	IPv6 int64  `json:"ipv6"`
}

type Analytics struct {
	TrafficPrefixes    Histogram     `json:"traffic_prefixes"`
	IXFacilities       Histogram     `json:"ix_facilities"`
	IXFacilityPearson  float64       `json:"ix_facility_pearson"`
	IXFacilitySamples  int           `json:"ix_facility_samples"`
	PrefixDistribution []PrefixPoint `json:"prefix_distribution"`
}

// DashboardStats is what the presentation layer gets from GetStats.
type DashboardStats struct {
	AggregateStats
	Version        uint64          `json:"version"`
	FetchedAt      time.Time       `json:"fetched_at"`
	SourceStatus   SourceStatus    `json:"source_status"`
	SkippedRecords int             `json:"skipped_records"`
	LastFailure    *RefreshFailure `json:"last_failure,omitempty"`
	Recent         []NetworkRecord `json:"recent"`
}

// SearchQuery selects networks. Name and ASN are OR-combined when both are
// set; the remaining fields are AND filters.
type SearchQuery struct {
	Name        string
	ASN         uint32
	NetworkType NetworkType
	Policy      Policy
	Scope       Scope
	Status      string
}

// Page is an offset+limit window over an ASN-ordered result.
type Page struct {
	Offset int
	Limit  int
}

type SearchResult struct {
	Version  uint64          `json:"version"`
	Total    int             `json:"total"`
	Offset   int             `json:"offset"`
	Limit    int             `json:"limit"`
	Networks []NetworkRecord `json:"networks"`
}

type Error struct {
	Message string `json:"message"`
}
