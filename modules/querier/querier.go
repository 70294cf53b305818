// Package querier answers the fixed-window consumption queries and monthly
// billing over the per-meter history and the daily backup hashes.
package querier

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/gridwatt/meterflow/modules/registry"
	"github.com/gridwatt/meterflow/pkg/meter"
	"github.com/gridwatt/meterflow/pkg/meterstore"
)

// ErrNoBillingData is returned when no backup date in the requested month
// carries an entry for the meter.
var ErrNoBillingData = errors.New("no billing data")

type Querier struct {
	cfg      Config
	store    *meterstore.Store
	registry *registry.Registry
	logger   log.Logger

	// now is swapped out by tests to pin window boundaries.
	now func() time.Time
}

func New(cfg Config, store *meterstore.Store, reg *registry.Registry, logger log.Logger) *Querier {
	return &Querier{
		cfg:      cfg,
		store:    store,
		registry: reg,
		logger:   logger,
		now:      time.Now,
	}
}

// Latest returns the most recent history record of a meter, if any.
func (q *Querier) Latest(ctx context.Context, meterID string) (meter.HistoryRecord, bool, error) {
	raw, ok, err := q.store.LatestRecord(ctx, meterID)
	if err != nil || !ok {
		return meter.HistoryRecord{}, false, err
	}
	rec, err := meter.DecodeHistoryRecord(raw)
	if err != nil {
		level.Warn(q.logger).Log("msg", "skipping unparseable latest record", "meter_id", meterID)
		return meter.HistoryRecord{}, false, nil
	}
	return rec, true, nil
}

// Window returns the parsed history records of [now-span, now] plus the
// window bounds. Records that fail to parse are logged and skipped; they
// never abort the query.
func (q *Querier) Window(ctx context.Context, meterID string, span time.Duration) ([]meter.HistoryRecord, time.Time, time.Time, error) {
	end := q.now().UTC()
	start := end.Add(-span)

	raws, err := q.store.HistoryRange(ctx, meterID,
		strconv.FormatInt(start.Unix(), 10),
		strconv.FormatInt(end.Unix(), 10))
	if err != nil {
		return nil, start, end, err
	}

	records := make([]meter.HistoryRecord, 0, len(raws))
	for _, raw := range raws {
		rec, err := meter.DecodeHistoryRecord(raw)
		if err != nil {
			level.Warn(q.logger).Log("msg", "skipping unparseable history record", "meter_id", meterID)
			continue
		}
		records = append(records, rec)
	}
	return records, start, end, nil
}

// DateBucket is one UTC calendar day's summed consumption.
type DateBucket struct {
	Date        string  `json:"date"`
	Consumption float64 `json:"consumption"`
}

// MonthBucket is one UTC month's summed consumption.
type MonthBucket struct {
	Month       string  `json:"month"`
	Consumption float64 `json:"consumption"`
}

// BucketByDay folds records into per-day consumption sums, ascending.
func BucketByDay(records []meter.HistoryRecord) []DateBucket {
	sums := bucketBy(records, 10) // YYYY-MM-DD
	out := make([]DateBucket, 0, len(sums))
	for date, consumption := range sums {
		out = append(out, DateBucket{Date: date, Consumption: consumption})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Date < out[b].Date })
	return out
}

// BucketByMonth folds records into per-month consumption sums, ascending.
func BucketByMonth(records []meter.HistoryRecord) []MonthBucket {
	sums := bucketBy(records, 7) // YYYY-MM
	out := make([]MonthBucket, 0, len(sums))
	for month, consumption := range sums {
		out = append(out, MonthBucket{Month: month, Consumption: consumption})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Month < out[b].Month })
	return out
}

// bucketBy keys records by a prefix of their ISO timestamp. Record
// timestamps are stored in UTC, so the prefix is the UTC calendar bucket.
func bucketBy(records []meter.HistoryRecord, prefixLen int) map[string]float64 {
	sums := make(map[string]float64)
	for _, rec := range records {
		if len(rec.Timestamp) < prefixLen {
			continue
		}
		sums[rec.Timestamp[:prefixLen]] += rec.Consumption
	}
	return sums
}

// TotalConsumption sums the consumption of a record set.
func TotalConsumption(records []meter.HistoryRecord) float64 {
	var total float64
	for _, rec := range records {
		total += rec.Consumption
	}
	return total
}

// Billing sums a meter's daily backups across a month ("YYYY-MM").
func (q *Querier) Billing(ctx context.Context, meterID, month string) (float64, map[string]float64, error) {
	keys, err := q.store.ScanPattern(ctx, meterstore.BackupKey(month+"-*"))
	if err != nil {
		return 0, nil, err
	}

	var total float64
	daily := make(map[string]float64)
	for _, key := range keys {
		date := meterstore.DateFromBackupKey(key)
		if date == "" {
			continue
		}
		usage, ok, err := q.store.BackupEntry(ctx, date, meterID)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			continue
		}
		total += usage
		daily[date] = usage
	}

	if len(daily) == 0 {
		return 0, nil, ErrNoBillingData
	}
	return total, daily, nil
}
