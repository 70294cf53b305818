// Package maintenance implements the daily close-of-books phase: the
// store-backed maintenance flag, and the driver that rolls up yesterday's
// consumption, trims old history, waits out the window and drains the
// per-meter pending lists that ingress filled meanwhile.
package maintenance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/gridwatt/meterflow/pkg/httputil"
	"github.com/gridwatt/meterflow/pkg/meter"
	"github.com/gridwatt/meterflow/pkg/meterstore"
)

const logStreamKind = "daily_jobs"

// Driver stages. The flag TTL bounds how long any stage can wedge the
// system; a re-trigger after a crash re-runs the whole sequence.
const (
	stageNormal = iota
	stageEntering
	stageRollup
	stageTrim
	stageWait
	stageDrain
)

var (
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meterflow",
		Name:      "maintenance_runs_total",
		Help:      "Maintenance runs by outcome.",
	}, []string{"outcome"})
	metricStage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meterflow",
		Name:      "maintenance_stage",
		Help:      "Current maintenance stage (0 normal, 1 entering, 2 rollup, 3 trim, 4 wait, 5 drain).",
	})
	metricRollupMeters = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meterflow",
		Name:      "maintenance_rollup_meters_total",
		Help:      "Meters summed into daily backups.",
	})
	metricTrimmedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meterflow",
		Name:      "maintenance_trimmed_records_total",
		Help:      "History records removed by retention trim.",
	})
	metricDrainedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meterflow",
		Name:      "maintenance_drained_records_total",
		Help:      "Pending records applied to history after the window.",
	})
)

type Driver struct {
	services.Service

	cfg    Config
	store  *meterstore.Store
	state  *State
	logger log.Logger

	cron  *cron.Cron
	stage atomic.Int32
}

func NewDriver(cfg Config, store *meterstore.Store, state *State, logger log.Logger) *Driver {
	d := &Driver{
		cfg:    cfg,
		store:  store,
		state:  state,
		logger: logger,
	}
	d.Service = services.NewIdleService(d.starting, d.stopping)
	return d
}

func (d *Driver) starting(_ context.Context) error {
	if d.cfg.Schedule == "" {
		return nil
	}

	d.cron = cron.New()
	_, err := d.cron.AddFunc(d.cfg.Schedule, func() {
		if err := d.Trigger(context.Background()); err != nil {
			level.Warn(d.logger).Log("msg", "scheduled maintenance skipped", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", d.cfg.Schedule, err)
	}
	d.cron.Start()
	level.Info(d.logger).Log("msg", "maintenance schedule armed", "schedule", d.cfg.Schedule)
	return nil
}

func (d *Driver) stopping(_ error) error {
	if d.cron != nil {
		d.cron.Stop()
	}
	return nil
}

// Trigger enters maintenance and runs the driver body on a background
// goroutine; the caller returns immediately. Fails with
// ErrAlreadyInMaintenance when a window is active.
func (d *Driver) Trigger(ctx context.Context) error {
	d.setStage(stageEntering)
	if err := d.state.Enter(ctx, d.cfg.Duration); err != nil {
		d.setStage(stageNormal)
		return err
	}

	level.Info(d.logger).Log("msg", "entering maintenance mode", "window", d.cfg.Duration)
	go d.run(context.Background())
	return nil
}

// TriggerHandler serves GET /stopserver.
func (d *Driver) TriggerHandler(w http.ResponseWriter, r *http.Request) {
	err := d.Trigger(r.Context())
	switch {
	case err == nil:
		httputil.WriteSuccess(w, "Server in maintenance mode. Background job started.")
	case err == ErrAlreadyInMaintenance:
		httputil.WriteError(w, http.StatusBadRequest, "Already in maintenance")
	default:
		level.Error(d.logger).Log("msg", "maintenance trigger failed", "err", err)
		httputil.WriteError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (d *Driver) run(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			// the flag TTL would clear this anyway; exit promptly so a
			// re-trigger does not have to wait it out
			level.Error(d.logger).Log("msg", "maintenance run panicked", "panic", p)
			metricRuns.WithLabelValues("panic").Inc()
			_ = d.state.Exit(ctx)
		}
		d.setStage(stageNormal)
	}()

	start := time.Now()
	yesterday := start.UTC().AddDate(0, 0, -1)
	date := yesterday.Format("2006-01-02")
	failedStages := 0

	d.setStage(stageRollup)
	meters, err := d.rollup(ctx, yesterday)
	if err != nil {
		failedStages++
		level.Error(d.logger).Log("msg", "daily rollup failed", "date", date, "err", err)
	} else {
		level.Info(d.logger).Log("msg", "daily rollup complete", "date", date, "meters", meters)
	}

	d.setStage(stageTrim)
	deleted, err := d.trim(ctx)
	if err != nil {
		failedStages++
		level.Error(d.logger).Log("msg", "retention trim failed", "err", err)
	} else {
		level.Info(d.logger).Log("msg", "retention trim complete", "deleted", deleted, "keep_days", d.cfg.KeepDays)
	}

	// wait out the window; ingress keeps routing new readings to pending
	d.setStage(stageWait)
	select {
	case <-ctx.Done():
	case <-time.After(d.cfg.Duration):
	}

	d.setStage(stageDrain)
	drained, err := d.drainPending(ctx)
	if err != nil {
		failedStages++
		level.Error(d.logger).Log("msg", "pending drain failed", "err", err)
	} else {
		level.Info(d.logger).Log("msg", "pending drain complete", "records", drained)
	}

	if err := d.state.Exit(ctx); err != nil {
		level.Warn(d.logger).Log("msg", "failed to clear maintenance flag, TTL will expire it", "err", err)
	}

	outcome := "success"
	if failedStages > 0 {
		outcome = "partial"
	}
	metricRuns.WithLabelValues(outcome).Inc()
	d.store.AppendLog(ctx, logStreamKind, meterstore.LogEntry{
		Message: fmt.Sprintf("maintenance %s: rollup %s for %d meter(s), trimmed %d record(s), drained %d pending record(s) in %s",
			outcome, date, meters, deleted, drained, time.Since(start).Round(time.Millisecond)),
	})
}

// rollup sums per-record consumption over yesterday's UTC day [00:00,24:00)
// into the date's backup hash. Returns how many meters got an entry.
func (d *Driver) rollup(ctx context.Context, day time.Time) (int, error) {
	day = day.UTC()
	startTs := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC).Unix()
	endTs := startTs + 86400
	date := day.Format("2006-01-02")

	keys, err := d.store.ScanPattern(ctx, meterstore.HistoryKeyPattern)
	if err != nil {
		return 0, err
	}

	var meters atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.RollupConcurrency)

	for _, key := range keys {
		key := key
		meterID := meterstore.MeterIDFromKey(key)
		if meterID == "" {
			continue
		}
		g.Go(func() error {
			raws, err := d.store.HistoryRangeKey(gctx, key,
				strconv.FormatInt(startTs, 10),
				"("+strconv.FormatInt(endTs, 10))
			if err != nil {
				return err
			}
			if len(raws) == 0 {
				return nil
			}

			var sum float64
			for _, raw := range raws {
				rec, err := meter.DecodeHistoryRecord(raw)
				if err != nil {
					level.Warn(d.logger).Log("msg", "skipping unparseable history record during rollup", "meter_id", meterID)
					continue
				}
				sum += rec.Consumption
			}

			if err := d.store.SetBackupEntry(gctx, date, meterID, sum); err != nil {
				return err
			}
			meters.Inc()
			metricRollupMeters.Inc()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(meters.Load()), err
	}
	return int(meters.Load()), nil
}

// trim removes history older than the retention horizon across all meters
// and returns the total deletion count.
func (d *Driver) trim(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Unix() - int64(d.cfg.KeepDays)*86400

	keys, err := d.store.ScanPattern(ctx, meterstore.HistoryKeyPattern)
	if err != nil {
		return 0, err
	}

	var deleted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.RollupConcurrency)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			n, err := d.store.TrimHistoryBefore(gctx, key, cutoff)
			if err != nil {
				return err
			}
			deleted.Add(n)
			metricTrimmedRecords.Add(float64(n))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return deleted.Load(), err
	}
	return deleted.Load(), nil
}

// drainPending applies every quarantined reading to history in list order
// through the same atomic script the workers use, then deletes the list.
// Consumption deltas therefore continue the per-meter counter across the
// maintenance boundary.
func (d *Driver) drainPending(ctx context.Context) (int, error) {
	keys, err := d.store.ScanPattern(ctx, meterstore.PendingKeyPattern)
	if err != nil {
		return 0, err
	}

	drained := 0
	for _, key := range keys {
		meterID := meterstore.MeterIDFromKey(key)
		if meterID == "" {
			continue
		}

		n, err := d.drainMeter(ctx, key, meterID)
		drained += n
		if err != nil {
			level.Error(d.logger).Log("msg", "failed to drain pending list", "meter_id", meterID, "err", err)
			continue
		}
	}
	return drained, nil
}

func (d *Driver) drainMeter(ctx context.Context, key, meterID string) (int, error) {
	// The lock serialises against a worker that picks up new submissions
	// the instant the flag expires. If it cannot be had, proceed anyway:
	// the script keeps the counter consistent either way.
	lock, err := d.store.AcquireLock(ctx, meterstore.MeterLockKey(meterID), d.cfg.LockAcquireTimeout, d.cfg.LockHoldTimeout)
	if err != nil {
		level.Warn(d.logger).Log("msg", "draining pending without meter lock", "meter_id", meterID, "err", err)
	} else {
		defer func() { _ = lock.Release(ctx) }()
	}

	raws, err := d.store.PendingList(ctx, key)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, raw := range raws {
		reading, err := meter.DecodeRawReading(raw)
		if err != nil {
			d.logSkip(ctx, meterID, "unparseable pending record dropped")
			continue
		}
		ts, err := reading.Time()
		if err != nil {
			d.logSkip(ctx, reading.MeterID, "pending record with bad timestamp dropped")
			continue
		}

		// same dedupe guard as the worker pool, so a crashed drain that
		// re-runs cannot double-apply
		fresh, err := d.store.MarkProcessed(ctx, meter.Fingerprint(raw))
		if err != nil {
			return applied, err
		}
		if !fresh {
			continue
		}

		if _, err := d.store.AppendHistoryAtomic(ctx, reading.MeterID, ts, reading.Reading); err != nil {
			// forget the fingerprint so a re-run can apply this record
			fp := meter.Fingerprint(raw)
			if uerr := d.store.UnmarkProcessed(ctx, fp); uerr != nil {
				level.Error(d.logger).Log("msg", "failed to unmark fingerprint, re-run will dedupe this record", "meter_id", reading.MeterID, "fingerprint", fp, "err", uerr)
			}
			return applied, err
		}
		applied++
		metricDrainedRecords.Inc()
	}

	return applied, d.store.DeletePending(ctx, key)
}

func (d *Driver) logSkip(ctx context.Context, meterID, msg string) {
	level.Warn(d.logger).Log("msg", msg, "meter_id", meterID)
	d.store.AppendLog(ctx, logStreamKind, meterstore.LogEntry{Level: "warn", Message: msg, MeterID: meterID})
}

func (d *Driver) setStage(stage int32) {
	d.stage.Store(stage)
	metricStage.Set(float64(stage))
}
