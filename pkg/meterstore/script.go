package meterstore

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/gridwatt/meterflow/pkg/meter"
)

// appendScript is the single privileged operation of the keyspace. It reads
// the meter's last cumulative reading, derives the consumption delta (zero
// for the first reading), advances last_reading, completes the record
// template with the delta and appends it to the history set — all as one
// server-side step. Concurrent writers (worker pool and maintenance drain)
// therefore cannot observe or produce a torn last_reading/history pair.
//
// KEYS[1] last_reading, KEYS[2] history.
// ARGV[1] reading value, ARGV[2] unix score, ARGV[3] record JSON without
// the closing brace.
var appendScript = redis.NewScript(`
local last = redis.call('GET', KEYS[1])
local reading = tonumber(ARGV[1])
local consumption = 0
if last then
	consumption = reading - tonumber(last)
end
redis.call('SET', KEYS[1], ARGV[1])
local record = ARGV[3] .. ',"consumption":' .. tostring(consumption) .. '}'
redis.call('ZADD', KEYS[2], ARGV[2], record)
return tostring(consumption)
`)

// AppendHistoryAtomic applies one reading to a meter's history via the
// consumption script and returns the derived delta.
func (s *Store) AppendHistoryAtomic(ctx context.Context, meterID string, ts time.Time, reading float64) (float64, error) {
	ts = ts.UTC()

	prefix, err := json.Marshal(struct {
		Timestamp    string  `json:"timestamp"`
		ReadingValue float64 `json:"reading_value"`
	}{
		Timestamp:    meter.FormatTimestamp(ts),
		ReadingValue: reading,
	})
	if err != nil {
		return 0, errors.Wrap(err, "encoding record template")
	}
	// Drop the closing brace; the script completes the record with the
	// consumption field.
	template := string(prefix[:len(prefix)-1])

	res, err := appendScript.Run(ctx, s.client,
		[]string{LastReadingKey(meterID), HistoryKey(meterID)},
		formatFloat(reading),
		formatScore(ts.Unix()),
		template,
	).Text()
	if err != nil {
		return 0, errors.Wrap(err, "append history")
	}

	consumption, err := parseFloat(res)
	if err != nil {
		return 0, errors.Wrap(err, "parsing consumption")
	}
	return consumption, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatScore(n int64) string {
	return strconv.FormatInt(n, 10)
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
