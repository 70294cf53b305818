// Package ingress accepts raw meter readings and enqueues them for the
// worker pool. It never writes history itself: the work queue decouples
// ingestion throughput from pipeline latency. While the maintenance flag is
// up, readings quarantine to per-meter pending lists instead.
package ingress

import (
	"fmt"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gridwatt/meterflow/modules/maintenance"
	"github.com/gridwatt/meterflow/modules/registry"
	"github.com/gridwatt/meterflow/pkg/httputil"
	"github.com/gridwatt/meterflow/pkg/meter"
	"github.com/gridwatt/meterflow/pkg/meterstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meterflow",
		Name:      "ingress_readings_total",
		Help:      "Readings accepted by destination queue.",
	}, []string{"destination"})
	metricRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meterflow",
		Name:      "ingress_rejected_total",
		Help:      "Readings rejected at ingress by reason.",
	}, []string{"reason"})
)

type Ingress struct {
	cfg      Config
	store    *meterstore.Store
	registry *registry.Registry
	state    *maintenance.State
	logger   log.Logger
}

func New(cfg Config, store *meterstore.Store, reg *registry.Registry, state *maintenance.State, logger log.Logger) *Ingress {
	return &Ingress{
		cfg:      cfg,
		store:    store,
		registry: reg,
		state:    state,
		logger:   logger,
	}
}

// SubmitHandler serves POST /meter/reading.
func (i *Ingress) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	var reading meter.RawReading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		metricRejected.WithLabelValues("bad_payload").Inc()
		httputil.WriteError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	if err := reading.Validate(); err != nil {
		metricRejected.WithLabelValues("validation").Inc()
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	registered, err := i.registry.IsRegistered(r.Context(), reading.MeterID)
	if err != nil {
		i.serverError(w, "registration lookup failed", reading, err)
		return
	}
	if !registered {
		metricRejected.WithLabelValues("not_registered").Inc()
		httputil.WriteError(w, http.StatusConflict, "MeterID not registered")
		return
	}

	raw, err := reading.Encode()
	if err != nil {
		i.serverError(w, "failed to encode reading", reading, err)
		return
	}

	if i.state.Active(r.Context()) {
		if err := i.store.EnqueuePending(r.Context(), reading.MeterID, raw); err != nil {
			i.serverError(w, "failed to store pending reading", reading, err)
			return
		}
		metricQueued.WithLabelValues("pending").Inc()
		httputil.WriteSuccess(w, "stored to pending")
		return
	}

	if err := i.store.Enqueue(r.Context(), raw); err != nil {
		i.serverError(w, "failed to enqueue reading", reading, err)
		return
	}
	metricQueued.WithLabelValues("queue").Inc()
	httputil.WriteSuccess(w, "queued")
}

// BulkHandler serves POST /meter/bulk_readings. Invalid items are counted
// and skipped; valid items land in one pipelined batch. The destination is
// decided once per call from the maintenance flag.
func (i *Ingress) BulkHandler(w http.ResponseWriter, r *http.Request) {
	var readings []meter.RawReading
	if err := json.NewDecoder(r.Body).Decode(&readings); err != nil {
		metricRejected.WithLabelValues("bad_payload").Inc()
		httputil.WriteError(w, http.StatusBadRequest, "Expected a JSON array of readings")
		return
	}
	if len(readings) > i.cfg.MaxBulkSize {
		metricRejected.WithLabelValues("too_large").Inc()
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("Bulk size exceeds limit of %d", i.cfg.MaxBulkSize))
		return
	}

	toPending := i.state.Active(r.Context())

	var (
		valid    []string
		byMeter  = map[string][]string{}
		failed   int
	)
	for _, reading := range readings {
		if err := reading.Validate(); err != nil {
			failed++
			continue
		}
		registered, err := i.registry.IsRegistered(r.Context(), reading.MeterID)
		if err != nil || !registered {
			failed++
			continue
		}
		raw, err := reading.Encode()
		if err != nil {
			failed++
			continue
		}
		if toPending {
			byMeter[reading.MeterID] = append(byMeter[reading.MeterID], raw)
		} else {
			valid = append(valid, raw)
		}
	}

	var err error
	if toPending {
		err = i.store.EnqueuePendingBatch(r.Context(), byMeter)
	} else {
		err = i.store.EnqueueBatch(r.Context(), valid)
	}
	if err != nil {
		level.Error(i.logger).Log("msg", "bulk enqueue failed", "err", err)
		httputil.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	success := len(readings) - failed
	dest := "queue"
	if toPending {
		dest = "pending"
	}
	metricQueued.WithLabelValues(dest).Add(float64(success))
	metricRejected.WithLabelValues("validation").Add(float64(failed))

	httputil.WriteSuccess(w, fmt.Sprintf("Bulk queued. success=%d, failed=%d", success, failed))
}

// serverError answers 500 with a generic body; only metadata is logged,
// never the payload.
func (i *Ingress) serverError(w http.ResponseWriter, msg string, reading meter.RawReading, err error) {
	level.Error(i.logger).Log("msg", msg, "meter_id", reading.MeterID, "timestamp", reading.Timestamp, "err", err)
	httputil.WriteError(w, http.StatusInternalServerError, "Internal server error")
}
