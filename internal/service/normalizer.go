package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"netviz/internal/model"
)

// rawFields holds one PeeringDB net object by key. Fields are decoded one by
// one so that a bad value only affects that field; only asn can skip the
// record.
type rawFields map[string]json.RawMessage

// str returns the trimmed string value of key, or "" when it is absent or
// not a JSON string.
func (f rawFields) str(key string) string {
	var s string
	if err := json.Unmarshal(f[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// count returns the integer value of key, or nil when it is absent, not an
// integer or negative.
func (f rawFields) count(key string) *int64 {
	raw, ok := f[key]
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

var (
	errMissingASN  = errors.New("asn is missing")
	errInvalidASN  = errors.New("asn is not a positive integer")
	errASNOverflow = errors.New("asn is out of the 32-bit range")
)

// Normalize converts a raw payload into records sorted by ASN. Records that
// fail validation are returned as skipped instead of failing the batch. The
// result depends only on payload.Records.
func Normalize(payload *model.RawPayload) ([]model.NetworkRecord, []model.SkippedRecord) {
	var skipped []model.SkippedRecord
	records := make([]model.NetworkRecord, 0, len(payload.Records))
	byASN := make(map[uint32]int, len(payload.Records))

	for i, raw := range payload.Records {
		record, err := normalizeRecord(raw)
		if err != nil {
			skipped = append(skipped, model.SkippedRecord{
				Index:  i,
				Reason: err.Error(),
				Raw:    raw,
			})
			continue
		}

		// Duplicate ASN: the latest update wins, ties go to the later row.
		if pos, ok := byASN[record.ASN]; ok {
			if !record.UpdatedAt.Before(records[pos].UpdatedAt) {
				records[pos] = record
			}
			continue
		}
		byASN[record.ASN] = len(records)
		records = append(records, record)
	}

	slices.SortFunc(records, func(a, b model.NetworkRecord) int {
		switch {
		case a.ASN < b.ASN:
			return -1
		case a.ASN > b.ASN:
			return 1
		}
		return 0
	})
	return records, skipped
}

func normalizeRecord(raw json.RawMessage) (model.NetworkRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return model.NetworkRecord{}, errors.New("malformed record: not a JSON object")
	}
	var fields rawFields
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return model.NetworkRecord{}, errors.New("malformed record: " + err.Error())
	}

	asn, err := parseASN(fields["asn"])
	if err != nil {
		return model.NetworkRecord{}, err
	}

	var id int64
	if v := fields.count("id"); v != nil {
		id = *v
	}

	return model.NetworkRecord{
		ID:               id,
		ASN:              asn,
		Name:             fields.str("name"),
		AKA:              fields.str("aka"),
		Status:           fields.str("status"),
		Website:          fields.str("website"),
		NetworkType:      model.ParseNetworkType(fields.str("info_type")),
		PolicyGeneral:    model.ParsePolicy(fields.str("policy_general")),
		GeographicScopes: []model.Scope{model.ParseScope(fields.str("info_scope"))},
		InfoTraffic:      model.ParseTrafficLevel(fields.str("info_traffic")),
		InfoPrefixes4:    fields.count("info_prefixes4"),
		InfoPrefixes6:    fields.count("info_prefixes6"),
		IXCount:          fields.count("ix_count"),
		FacCount:         fields.count("fac_count"),
		CreatedAt:        parseTimestamp(fields.str("created")),
		UpdatedAt:        parseTimestamp(fields.str("updated")),
	}, nil
}

func parseASN(raw json.RawMessage) (uint32, error) {
	s := string(bytes.TrimSpace(raw))
	if s == "" || s == "null" {
		return 0, errMissingASN
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, errInvalidASN
	}
	if n > 1<<32-1 {
		return 0, errASNOverflow
	}
	return uint32(n), nil
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
