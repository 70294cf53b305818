// Package meterstore is the single place the backend talks to Redis. It
// exposes a narrow method set over the raw client: queues, per-meter
// history, fingerprint dedupe, backups, the maintenance flag, log streams
// and the distributed lock. The consumption script in script.go is the one
// privileged operation; nothing else mutates last_reading or history.
package meterstore

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Store struct {
	client *redis.Client
	logger log.Logger
}

func New(cfg Config, logger log.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "connecting to redis at %s", cfg.Addr())
	}

	level.Info(logger).Log("msg", "connected to redis", "addr", cfg.Addr())

	return &Store{
		client: client,
		logger: logger,
	}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// --- work queue and pending lists ---

// Enqueue appends a raw reading payload to the shared work queue.
func (s *Store) Enqueue(ctx context.Context, raw string) error {
	return errors.Wrap(s.client.RPush(ctx, workQueueKey, raw).Err(), "enqueue reading")
}

// EnqueueBatch appends payloads to the work queue in one pipelined batch.
func (s *Store) EnqueueBatch(ctx context.Context, raws []string) error {
	if len(raws) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, raw := range raws {
		pipe.RPush(ctx, workQueueKey, raw)
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "enqueue batch")
}

// EnqueuePending appends a payload to the meter's quarantine list. Used
// while the maintenance flag is set.
func (s *Store) EnqueuePending(ctx context.Context, meterID, raw string) error {
	return errors.Wrap(s.client.RPush(ctx, PendingKey(meterID), raw).Err(), "enqueue pending")
}

// EnqueuePendingBatch routes a bulk submission to per-meter pending lists
// in one pipelined batch.
func (s *Store) EnqueuePendingBatch(ctx context.Context, byMeter map[string][]string) error {
	if len(byMeter) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for meterID, raws := range byMeter {
		for _, raw := range raws {
			pipe.RPush(ctx, PendingKey(meterID), raw)
		}
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "enqueue pending batch")
}

// PopReadingBatch drains up to max payloads from the work queue. It blocks
// up to block for the first item so idle workers observe shutdown promptly,
// then collects the rest without blocking.
func (s *Store) PopReadingBatch(ctx context.Context, max int, block time.Duration) ([]string, error) {
	head, err := s.client.BLPop(ctx, block, workQueueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "pop reading batch")
	}
	// BLPOP returns [key, value].
	batch := []string{head[1]}
	if max <= 1 {
		return batch, nil
	}

	rest, err := s.client.LPopCount(ctx, workQueueKey, max-1).Result()
	if err != nil && err != redis.Nil {
		return batch, errors.Wrap(err, "pop reading batch")
	}
	return append(batch, rest...), nil
}

// QueueLength reports the current depth of the work queue.
func (s *Store) QueueLength(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, workQueueKey).Result()
}

// PendingList returns the quarantined payloads of a pending key in list order.
func (s *Store) PendingList(ctx context.Context, key string) ([]string, error) {
	return s.client.LRange(ctx, key, 0, -1).Result()
}

func (s *Store) DeletePending(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// --- retry and dead-letter channels ---

func (s *Store) PushRetry(ctx context.Context, raw string) error {
	return s.client.RPush(ctx, retryQueueKey, raw).Err()
}

// PopRetryBatch drains up to max payloads from the retry queue without
// blocking. Workers fall back to it when the main queue is idle.
func (s *Store) PopRetryBatch(ctx context.Context, max int) ([]string, error) {
	raws, err := s.client.LPopCount(ctx, retryQueueKey, max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return raws, err
}

func (s *Store) PushDeadLetter(ctx context.Context, raw string) error {
	return s.client.RPush(ctx, deadLetterKey, raw).Err()
}

// DeadLetters is a read-only view of the dead-letter list, oldest first.
// The list is durable until operators drain it by hand.
func (s *Store) DeadLetters(ctx context.Context) ([]string, error) {
	return s.client.LRange(ctx, deadLetterKey, 0, -1).Result()
}

// IncrRetryCount bumps the delivery attempt counter for a fingerprint and
// returns the new count.
func (s *Store) IncrRetryCount(ctx context.Context, fingerprint string) (int64, error) {
	n, err := s.client.ZIncrBy(ctx, retryCountsKey, 1, fingerprint).Result()
	return int64(n), err
}

func (s *Store) ClearRetryCount(ctx context.Context, fingerprint string) error {
	return s.client.ZRem(ctx, retryCountsKey, fingerprint).Err()
}

// --- processed-record fingerprints ---

// MarkProcessed records a fingerprint and reports whether it was new.
// A false return means the exact payload was applied before.
func (s *Store) MarkProcessed(ctx context.Context, fingerprint string) (bool, error) {
	added, err := s.client.SAdd(ctx, processedKey, fingerprint).Result()
	if err != nil {
		return false, errors.Wrap(err, "mark processed")
	}
	return added == 1, nil
}

// UnmarkProcessed forgets a fingerprint so a failed apply can be retried.
func (s *Store) UnmarkProcessed(ctx context.Context, fingerprint string) error {
	return s.client.SRem(ctx, processedKey, fingerprint).Err()
}

// --- history reads ---

// HistoryRange returns raw history members of a meter with scores in
// [min, max]. Use "(" prefixes for exclusive bounds, redis style.
func (s *Store) HistoryRange(ctx context.Context, meterID, min, max string) ([]string, error) {
	return s.HistoryRangeKey(ctx, HistoryKey(meterID), min, max)
}

// HistoryRangeKey is HistoryRange for callers that already hold the key,
// such as the maintenance scans.
func (s *Store) HistoryRangeKey(ctx context.Context, key, min, max string) ([]string, error) {
	raws, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	return raws, errors.Wrap(err, "history range")
}

// LatestRecord returns the most recent history member of a meter.
func (s *Store) LatestRecord(ctx context.Context, meterID string) (string, bool, error) {
	raws, err := s.client.ZRevRange(ctx, HistoryKey(meterID), 0, 0).Result()
	if err != nil {
		return "", false, errors.Wrap(err, "latest record")
	}
	if len(raws) == 0 {
		return "", false, nil
	}
	return raws[0], true, nil
}

// TrimHistoryBefore removes history members with a score below cutoff and
// returns how many were deleted.
func (s *Store) TrimHistoryBefore(ctx context.Context, key string, cutoff int64) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, key, "-inf", formatScore(cutoff)).Result()
	return n, errors.Wrap(err, "trim history")
}

// --- key scans ---

// ScanPattern collects every key matching pattern. The keyspace is bounded
// by the meter population, so collecting into a slice is fine.
func (s *Store) ScanPattern(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		page, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "scan %s", pattern)
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// --- daily backups ---

func (s *Store) SetBackupEntry(ctx context.Context, date, meterID string, usage float64) error {
	return errors.Wrap(s.client.HSet(ctx, BackupKey(date), meterID, formatFloat(usage)).Err(), "set backup entry")
}

// BackupDate returns every meter's summed consumption for a date. An empty
// map means no rollup ran for that date.
func (s *Store) BackupDate(ctx context.Context, date string) (map[string]float64, error) {
	fields, err := s.client.HGetAll(ctx, BackupKey(date)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "get backup")
	}
	out := make(map[string]float64, len(fields))
	for meterID, v := range fields {
		f, err := parseFloat(v)
		if err != nil {
			level.Warn(s.logger).Log("msg", "skipping unparseable backup entry", "date", date, "meter_id", meterID)
			continue
		}
		out[meterID] = f
	}
	return out, nil
}

// BackupEntry reads a single meter's entry for a date.
func (s *Store) BackupEntry(ctx context.Context, date, meterID string) (float64, bool, error) {
	v, err := s.client.HGet(ctx, BackupKey(date), meterID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "get backup entry")
	}
	f, err := parseFloat(v)
	if err != nil {
		return 0, false, err
	}
	return f, true, nil
}

// --- meter registry ---

func (s *Store) RegisterMeter(ctx context.Context, meterID string) error {
	return s.client.HSet(ctx, allUsersKey, meterID, 1).Err()
}

func (s *Store) IsRegistered(ctx context.Context, meterID string) (bool, error) {
	return s.client.HExists(ctx, allUsersKey, meterID).Result()
}

// SetUserProfile stores the registration profile alongside the registry
// entry. The core pipeline never reads it.
func (s *Store) SetUserProfile(ctx context.Context, meterID string, fields map[string]interface{}) error {
	return s.client.HSet(ctx, userDataKey(meterID), fields).Err()
}

// --- maintenance flag ---

// SetMaintenance raises the maintenance flag with a TTL. Returns false if
// the flag was already present. The TTL guarantees the flag self-clears if
// the driver dies mid-run.
func (s *Store) SetMaintenance(ctx context.Context, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, maintenanceModeKey, "1", ttl).Result()
}

func (s *Store) ClearMaintenance(ctx context.Context) error {
	return s.client.Del(ctx, maintenanceModeKey).Err()
}

func (s *Store) InMaintenance(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, maintenanceModeKey).Result()
	if err != nil {
		return false, errors.Wrap(err, "check maintenance flag")
	}
	return n == 1, nil
}
