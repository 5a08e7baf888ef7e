package model

import "strings"

// NetworkType is the normalized PeeringDB info_type.
type NetworkType string

const (
	TypeNSP                 NetworkType = "nsp"
	TypeContent             NetworkType = "content"
	TypeEnterprise          NetworkType = "enterprise"
	TypeNonProfit           NetworkType = "non-profit"
	TypeRouteServer         NetworkType = "route-server"
	TypeCableDSLISP         NetworkType = "cable-dsl-isp"
	TypeEducationalResearch NetworkType = "educational-research"
	TypeGovernment          NetworkType = "government"
	TypeNetworkServices     NetworkType = "network-services"
	TypeRouteCollector      NetworkType = "route-collector"
	TypeUnknown             NetworkType = "unknown"
)

var networkTypes = map[string]NetworkType{
	"nsp":                  TypeNSP,
	"content":              TypeContent,
	"enterprise":           TypeEnterprise,
	"non-profit":           TypeNonProfit,
	"route server":         TypeRouteServer,
	"route-server":         TypeRouteServer,
	"cable/dsl/isp":        TypeCableDSLISP,
	"cable-dsl-isp":        TypeCableDSLISP,
	"educational/research": TypeEducationalResearch,
	"educational-research": TypeEducationalResearch,
	"government":           TypeGovernment,
	"network services":     TypeNetworkServices,
	"network-services":     TypeNetworkServices,
	"route collector":      TypeRouteCollector,
	"route-collector":      TypeRouteCollector,
}

// ParseNetworkType accepts both PeeringDB display values ("Cable/DSL/ISP")
// and normalized tags ("cable-dsl-isp"). Anything else is TypeUnknown.
func ParseNetworkType(s string) NetworkType {
	if t, ok := networkTypes[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t
	}
	return TypeUnknown
}

// Policy is the normalized PeeringDB policy_general.
type Policy string

const (
	PolicyOpen        Policy = "open"
	PolicySelective   Policy = "selective"
	PolicyRestrictive Policy = "restrictive"
	PolicyNone        Policy = "no-policy"
	PolicyUnknown     Policy = "unknown"
)

func ParsePolicy(s string) Policy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return PolicyOpen
	case "selective":
		return PolicySelective
	case "restrictive":
		return PolicyRestrictive
	case "no", "no-policy":
		return PolicyNone
	}
	return PolicyUnknown
}

// Scope is a geographic region tag.
type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeRegional     Scope = "regional"
	ScopeEurope       Scope = "europe"
	ScopeNorthAmerica Scope = "north-america"
	ScopeSouthAmerica Scope = "south-america"
	ScopeAsiaPacific  Scope = "asia-pacific"
	ScopeAfrica       Scope = "africa"
	ScopeAustralia    Scope = "australia"
	ScopeMiddleEast   Scope = "middle-east"
	ScopeNotDisclosed Scope = "not-disclosed"
	ScopeUnknown      Scope = "unknown"
)

func ParseScope(s string) Scope {
	tag := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "-")
	switch Scope(tag) {
	case ScopeGlobal, ScopeRegional, ScopeEurope, ScopeNorthAmerica, ScopeSouthAmerica,
		ScopeAsiaPacific, ScopeAfrica, ScopeAustralia, ScopeMiddleEast, ScopeNotDisclosed:
		return Scope(tag)
	}
	return ScopeUnknown
}

// TrafficLevel is one of PeeringDB's info_traffic ranges.
type TrafficLevel string

const TrafficUnknown TrafficLevel = "unknown"

// TrafficLevels lists the known ranges from lowest to highest.
var TrafficLevels = []TrafficLevel{
	"0-20Mbps",
	"20-100Mbps",
	"100-1000Mbps",
	"1-5Gbps",
	"5-10Gbps",
	"10-20Gbps",
	"20-50Gbps",
	"50-100Gbps",
	"100-200Gbps",
	"200-300Gbps",
	"300-500Gbps",
	"500-1000Gbps",
	"1-5Tbps",
	"5-10Tbps",
	"10-20Tbps",
	"20-50Tbps",
	"50-100Tbps",
	"100+Tbps",
}

func ParseTrafficLevel(s string) TrafficLevel {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	for _, l := range TrafficLevels {
		if strings.EqualFold(string(l), s) {
			return l
		}
	}
	return TrafficUnknown
}

// Rank returns the position of l in TrafficLevels, or -1 for unknown levels.
func (l TrafficLevel) Rank() int {
	for i, known := range TrafficLevels {
		if known == l {
			return i
		}
	}
	return -1
}
