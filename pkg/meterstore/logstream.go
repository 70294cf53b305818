package meterstore

import (
	"context"
	"strings"
	"time"

	"github.com/go-kit/log/level"
)

// Streams are trimmed to this many most recent entries.
const maxLogEntries = 1000

// LogEntry is the structured shape pushed onto logs:{kind} lists. Payload
// contents never go in here, only metadata.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	MeterID   string `json:"meter_id,omitempty"`
}

// AppendLog pushes an entry onto the kind's stream and trims it. Failures
// are logged and swallowed: the log stream is best-effort and must never
// fail the operation being logged.
func (s *Store) AppendLog(ctx context.Context, kind string, e LogEntry) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if e.Level == "" {
		e.Level = "info"
	}

	b, err := json.Marshal(e)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to encode log entry", "kind", kind, "err", err)
		return
	}

	key := logKey(kind)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, string(b))
	pipe.LTrim(ctx, key, -maxLogEntries, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		level.Warn(s.logger).Log("msg", "failed to append log entry", "kind", kind, "err", err)
	}
}

// Logs returns up to limit most recent entries of a kind, oldest first.
// A non-empty date filters entries whose timestamp starts with it
// (ISO prefix match on the first 10 characters).
func (s *Store) Logs(ctx context.Context, kind string, limit int, date string) ([]LogEntry, error) {
	if limit <= 0 || limit > maxLogEntries {
		limit = maxLogEntries
	}

	raws, err := s.client.LRange(ctx, logKey(kind), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]LogEntry, 0, len(raws))
	for _, raw := range raws {
		var e LogEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if date != "" && !strings.HasPrefix(e.Timestamp, date) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
