package service

import (
	"math"

	"netviz/internal/model"
)

const (
	unreportedLabel     = "unreported"
	prefixSeriesLength  = 15
	prefixSeriesNameMax = 30
)

// bucketSet is a fixed list of half-open ranges [bound[i], bound[i+1]), the
// last one unbounded. Values that were not reported go to a trailing
// unreported bucket.
type bucketSet struct {
	bounds []int64
	labels []string
}

// IPv4 prefix counts: 0, 1-9, 10-99, 100-999, 1000-9999, 10000+.
var prefixBuckets = bucketSet{
	bounds: []int64{0, 1, 10, 100, 1000, 10000},
	labels: []string{"0", "1-9", "10-99", "100-999", "1000-9999", "10000+", unreportedLabel},
}

// IX and facility counts: 0, 1-4, 5-19, 20-49, 50+.
var presenceBuckets = bucketSet{
	bounds: []int64{0, 1, 5, 20, 50},
	labels: []string{"0", "1-4", "5-19", "20-49", "50+", unreportedLabel},
}

func (b bucketSet) index(v *int64) int {
	if v == nil {
		return len(b.bounds)
	}
	i := 0
	for i+1 < len(b.bounds) && *v >= b.bounds[i+1] {
		i++
	}
	return i
}

func newHistogram(rows, cols []string) model.Histogram {
	counts := make([][]int, len(rows))
	for i := range counts {
		counts[i] = make([]int, len(cols))
	}
	return model.Histogram{RowLabels: rows, ColumnLabels: cols, Counts: counts}
}

func trafficRowLabels() []string {
	labels := make([]string, 0, len(model.TrafficLevels)+1)
	for _, l := range model.TrafficLevels {
		labels = append(labels, string(l))
	}
	return append(labels, string(model.TrafficUnknown))
}

// Aggregate derives the statistics of one record set in a single pass.
// Every record is counted exactly once in each breakdown and histogram, so
// each of them sums to TotalRecords.
func Aggregate(records []model.NetworkRecord) *model.AggregateStats {
	stats := &model.AggregateStats{
		TotalRecords:  len(records),
		ByNetworkType: make(map[model.NetworkType]int),
		ByPolicy:      make(map[model.Policy]int),
		ByScope:       make(map[model.Scope]int),
		Analytics: model.Analytics{
			TrafficPrefixes:    newHistogram(trafficRowLabels(), prefixBuckets.labels),
			IXFacilities:       newHistogram(presenceBuckets.labels, presenceBuckets.labels),
			PrefixDistribution: []model.PrefixPoint{},
		},
	}

	var corr pearson
	unknownTraffic := len(model.TrafficLevels)

	for i := range records {
		r := &records[i]

		stats.ByNetworkType[r.NetworkType]++
		stats.ByPolicy[r.PolicyGeneral]++
		for _, scope := range r.GeographicScopes {
			stats.ByScope[scope]++
		}

		row := r.InfoTraffic.Rank()
		if row < 0 {
			row = unknownTraffic
		}
		stats.Analytics.TrafficPrefixes.Counts[row][prefixBuckets.index(r.InfoPrefixes4)]++
		stats.Analytics.IXFacilities.Counts[presenceBuckets.index(r.IXCount)][presenceBuckets.index(r.FacCount)]++

		if r.IXCount != nil && r.FacCount != nil {
			corr.add(float64(*r.IXCount), float64(*r.FacCount))
		}

		if len(stats.Analytics.PrefixDistribution) < prefixSeriesLength &&
			r.InfoPrefixes4 != nil && r.InfoPrefixes6 != nil {
			stats.Analytics.PrefixDistribution = append(stats.Analytics.PrefixDistribution, model.PrefixPoint{
				ASN:  r.ASN,
				Name: truncateName(r.Name, prefixSeriesNameMax),
				IPv4: *r.InfoPrefixes4,
				IPv6: *r.InfoPrefixes6,
			})
		}
	}

	stats.Analytics.IXFacilityPearson = corr.value()
	stats.Analytics.IXFacilitySamples = corr.n
	return stats
}

// pearson accumulates the sums needed for a correlation coefficient.
type pearson struct {
	n                     int
	sx, sy, sxx, syy, sxy float64
}

func (p *pearson) add(x, y float64) {
	p.n++
	p.sx += x
	p.sy += y
	p.sxx += x * x
	p.syy += y * y
	p.sxy += x * y
}

// value is 0 when the coefficient is undefined (fewer than two samples or
// a constant series).
func (p *pearson) value() float64 {
	if p.n < 2 {
		return 0
	}
	n := float64(p.n)
	cov := n*p.sxy - p.sx*p.sy
	vx := n*p.sxx - p.sx*p.sx
	vy := n*p.syy - p.sy*p.sy
	if vx <= 0 || vy <= 0 {
		return 0
	}
	r := cov / math.Sqrt(vx*vy)
	return math.Max(-1, math.Min(1, r))
}

func truncateName(name string, limit int) string {
	runes := []rune(name)
	if len(runes) <= limit {
		return name
	}
	return string(runes[:limit]) + "..."
}
