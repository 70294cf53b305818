// Package worker drains the shared reading queue into per-meter history.
// Each batch is grouped by meter, sorted by timestamp and applied under a
// store-side lock through the atomic consumption script, with fingerprint
// dedupe for at-least-once delivery and a retry/dead-letter channel for
// records that keep failing.
package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/gridwatt/meterflow/pkg/meter"
	"github.com/gridwatt/meterflow/pkg/meterstore"
)

const logStreamKind = "worker"

var (
	metricBatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meterflow",
		Name:      "worker_batches_total",
		Help:      "Batches drained from the reading queue.",
	})
	metricProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meterflow",
		Name:      "worker_records_processed_total",
		Help:      "Readings applied to history.",
	})
	metricDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meterflow",
		Name:      "worker_duplicates_total",
		Help:      "Readings skipped by fingerprint dedupe.",
	})
	metricParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meterflow",
		Name:      "worker_parse_failures_total",
		Help:      "Queued payloads dropped because they failed to parse.",
	})
	metricRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meterflow",
		Name:      "worker_retries_total",
		Help:      "Readings pushed to the retry queue.",
	})
	metricDeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meterflow",
		Name:      "worker_dead_letters_total",
		Help:      "Readings moved to the dead-letter list.",
	})
	metricOutOfOrder = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meterflow",
		Name:      "worker_out_of_order_total",
		Help:      "Readings whose consumption went negative against a newer last reading.",
	})
	metricDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meterflow",
		Name:      "worker_groups_deferred_total",
		Help:      "Meter groups re-enqueued because the meter lock was busy.",
	})
	metricQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meterflow",
		Name:      "worker_queue_length",
		Help:      "Depth of the shared reading queue.",
	})
)

type Worker struct {
	services.Service

	cfg    Config
	store  *meterstore.Store
	logger log.Logger

	inflight atomic.Int32
}

// item is one queued payload plus everything derived from it.
type item struct {
	raw         string
	fingerprint string
	reading     meter.RawReading
	ts          time.Time
}

func New(cfg Config, store *meterstore.Store, logger log.Logger) *Worker {
	w := &Worker{
		cfg:    cfg,
		store:  store,
		logger: logger,
	}
	w.Service = services.NewBasicService(nil, w.running, nil)
	return w
}

func (w *Worker) running(ctx context.Context) error {
	level.Info(w.logger).Log("msg", "worker pool starting", "workers", w.cfg.Workers, "batch_size", w.cfg.BatchSize)

	var wg sync.WaitGroup
	for n := 0; n < w.cfg.Workers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.loop(ctx, n)
		}(n)
	}
	wg.Wait()

	level.Info(w.logger).Log("msg", "worker pool stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, n int) {
	b := backoff.New(ctx, w.cfg.Backoff)

	for ctx.Err() == nil {
		processed, err := w.processBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			level.Error(w.logger).Log("msg", "worker iteration failed", "worker", n, "err", err, "backoff", b.NextDelay())
			b.Wait()
			continue
		}
		b.Reset()

		if processed > 0 {
			if depth, err := w.store.QueueLength(ctx); err == nil {
				metricQueueLength.Set(float64(depth))
			}
		}
	}
}

// processBatch drains and applies one batch. The blocking pop doubles as
// the idle sleep; when the main queue stays empty the retry queue gets a
// turn.
func (w *Worker) processBatch(ctx context.Context) (int, error) {
	raws, err := w.store.PopReadingBatch(ctx, w.cfg.BatchSize, w.cfg.PopTimeout)
	if err != nil {
		return 0, err
	}
	if len(raws) == 0 {
		raws, err = w.store.PopRetryBatch(ctx, w.cfg.BatchSize)
		if err != nil {
			return 0, err
		}
		if len(raws) == 0 {
			return 0, nil
		}
	}

	w.inflight.Inc()
	defer w.inflight.Dec()
	metricBatches.Inc()

	groups := w.parseAndGroup(ctx, raws)

	// The batch is already off the queue, so one failing group must not
	// abandon the others: visit every group and report the first error
	// afterwards.
	processed := 0
	var firstErr error
	for meterID, items := range groups {
		n, err := w.processGroup(ctx, meterID, items)
		processed += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return processed, firstErr
}

// parseAndGroup decodes the batch and groups it by meter. Unparseable
// payloads are dropped without recording a fingerprint, so upstream can
// re-deliver a corrected payload later.
func (w *Worker) parseAndGroup(ctx context.Context, raws []string) map[string][]item {
	groups := make(map[string][]item)
	for _, raw := range raws {
		reading, err := meter.DecodeRawReading(raw)
		if err != nil {
			w.dropUnparseable(ctx, "", err)
			continue
		}
		ts, err := reading.Time()
		if err != nil {
			w.dropUnparseable(ctx, reading.MeterID, err)
			continue
		}
		groups[reading.MeterID] = append(groups[reading.MeterID], item{
			raw:         raw,
			fingerprint: meter.Fingerprint(raw),
			reading:     reading,
			ts:          ts,
		})
	}
	return groups
}

// processGroup applies one meter's items in timestamp order under the
// meter lock. A busy lock defers the whole group to a later batch.
func (w *Worker) processGroup(ctx context.Context, meterID string, items []item) (int, error) {
	sort.Slice(items, func(a, b int) bool { return items[a].ts.Before(items[b].ts) })

	lock, err := w.store.AcquireLock(ctx, meterstore.MeterLockKey(meterID), w.cfg.LockAcquireTimeout, w.cfg.LockHoldTimeout)
	if err == meterstore.ErrLockNotAcquired {
		metricDeferred.Inc()
		level.Debug(w.logger).Log("msg", "meter lock busy, deferring group", "meter_id", meterID, "items", len(items))
		return 0, w.requeue(ctx, items)
	}
	if err != nil {
		// the items were destructively popped; route them to the retry
		// channel so a store error here cannot lose them
		for _, it := range items {
			w.quarantine(ctx, it)
		}
		return 0, err
	}
	defer func() { _ = lock.Release(ctx) }()

	applied := 0
	for _, it := range items {
		ok, err := w.applyItem(ctx, it)
		if err != nil {
			w.quarantine(ctx, it)
			continue
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// applyItem dedupes and appends one reading. Returns false when the
// fingerprint was seen before.
func (w *Worker) applyItem(ctx context.Context, it item) (bool, error) {
	fresh, err := w.store.MarkProcessed(ctx, it.fingerprint)
	if err != nil {
		return false, err
	}
	if !fresh {
		metricDuplicates.Inc()
		return false, nil
	}

	consumption, err := w.store.AppendHistoryAtomic(ctx, it.reading.MeterID, it.ts, it.reading.Reading)
	if err != nil {
		// forget the fingerprint so the retry is not treated as a duplicate
		if uerr := w.store.UnmarkProcessed(ctx, it.fingerprint); uerr != nil {
			level.Error(w.logger).Log("msg", "failed to unmark fingerprint, retry will dedupe as duplicate", "meter_id", it.reading.MeterID, "fingerprint", it.fingerprint, "err", uerr)
		}
		return false, err
	}

	metricProcessed.Inc()
	if consumption < 0 {
		// out-of-order arrival across batches; applied as-is, flagged as
		// an anomaly
		metricOutOfOrder.Inc()
		level.Warn(w.logger).Log("msg", "negative consumption from out-of-order reading", "meter_id", it.reading.MeterID, "timestamp", it.reading.Timestamp, "consumption", consumption)
	}
	return true, nil
}

// quarantine routes a failed item to the retry queue, or to the dead-letter
// list once it exhausted its attempts.
func (w *Worker) quarantine(ctx context.Context, it item) {
	attempts, err := w.store.IncrRetryCount(ctx, it.fingerprint)
	if err != nil {
		level.Error(w.logger).Log("msg", "failed to bump retry count", "meter_id", it.reading.MeterID, "err", err)
		return
	}

	if attempts <= int64(w.cfg.MaxRetries) {
		if err := w.store.PushRetry(ctx, it.raw); err != nil {
			level.Error(w.logger).Log("msg", "failed to push to retry queue", "meter_id", it.reading.MeterID, "err", err)
			return
		}
		metricRetries.Inc()
		return
	}

	if err := w.store.PushDeadLetter(ctx, it.raw); err != nil {
		level.Error(w.logger).Log("msg", "failed to push to dead-letter list", "meter_id", it.reading.MeterID, "err", err)
		return
	}
	_ = w.store.ClearRetryCount(ctx, it.fingerprint)
	metricDeadLetters.Inc()
	level.Warn(w.logger).Log("msg", "reading dead-lettered", "meter_id", it.reading.MeterID, "timestamp", it.reading.Timestamp, "attempts", attempts)
	w.store.AppendLog(ctx, logStreamKind, meterstore.LogEntry{
		Level:   "warn",
		Message: "reading dead-lettered after retries",
		MeterID: it.reading.MeterID,
	})
}

func (w *Worker) requeue(ctx context.Context, items []item) error {
	raws := make([]string, 0, len(items))
	for _, it := range items {
		raws = append(raws, it.raw)
	}
	return w.store.EnqueueBatch(ctx, raws)
}

func (w *Worker) dropUnparseable(ctx context.Context, meterID string, err error) {
	metricParseFailures.Inc()
	level.Warn(w.logger).Log("msg", "dropping unparseable queued payload", "meter_id", meterID, "err", err)
	w.store.AppendLog(ctx, logStreamKind, meterstore.LogEntry{
		Level:   "warn",
		Message: "unparseable queued payload dropped",
		MeterID: meterID,
	})
}
