// Package meter holds the reading record shapes shared by ingress, the
// worker pool, the maintenance driver and the querier, plus the validation
// and timestamp rules they all have to agree on.
package meter

import (
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var meterIDRegexp = regexp.MustCompile(`^\d{9}$`)

// RawReading is the payload a device submits: a cumulative kWh counter at a
// point in time. This is the shape that travels through the work queue and
// the pending lists.
type RawReading struct {
	MeterID   string  `json:"meter_id"`
	Timestamp string  `json:"timestamp"`
	Reading   float64 `json:"reading"`
}

// HistoryRecord is what the atomic script appends to a meter's history: the
// raw reading enriched with the consumption delta against the previous one.
type HistoryRecord struct {
	Timestamp    string  `json:"timestamp"`
	ReadingValue float64 `json:"reading_value"`
	Consumption  float64 `json:"consumption"`
}

// ValidMeterID reports whether id is a well-formed 9-digit meter id.
func ValidMeterID(id string) bool {
	return meterIDRegexp.MatchString(id)
}

// Validate checks a raw reading without consulting the registry.
func (r *RawReading) Validate() error {
	if !ValidMeterID(r.MeterID) {
		return fmt.Errorf("invalid meter_id %q: expected 9 digits", r.MeterID)
	}
	if _, err := ParseTimestamp(r.Timestamp); err != nil {
		return err
	}
	if math.IsNaN(r.Reading) || math.IsInf(r.Reading, 0) || r.Reading < 0 {
		return fmt.Errorf("invalid reading %v: expected a finite non-negative number", r.Reading)
	}
	return nil
}

// Time returns the parsed UTC timestamp of the reading. Validate first.
func (r *RawReading) Time() (time.Time, error) {
	return ParseTimestamp(r.Timestamp)
}

// Encode renders the canonical queued form of the reading. Fingerprints are
// computed over this exact string, so identical logical payloads dedupe the
// same way no matter how the client formatted its JSON.
func (r *RawReading) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeRawReading parses a queued payload back into a RawReading.
func DecodeRawReading(raw string) (RawReading, error) {
	var r RawReading
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return RawReading{}, fmt.Errorf("decoding raw reading: %w", err)
	}
	return r, nil
}

// DecodeHistoryRecord parses a history set member.
func DecodeHistoryRecord(raw string) (HistoryRecord, error) {
	var r HistoryRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return HistoryRecord{}, fmt.Errorf("decoding history record: %w", err)
	}
	return r, nil
}

// Fingerprint is a stable hash of the exact queued payload string, used to
// guard against duplicate delivery.
func Fingerprint(raw string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(raw))
}

// timestamp layouts accepted on ingestion. Naive timestamps carry no zone
// information and are interpreted as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTimestamp parses an ISO-8601 timestamp. All naive forms are read as
// UTC and every returned time is in UTC, which keeps window boundaries and
// calendar bucketing consistent across the pipeline.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q: expected ISO-8601", s)
}

// FormatTimestamp renders t the way history records store it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
