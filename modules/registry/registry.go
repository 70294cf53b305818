// Package registry is the registration collaborator: it owns the all_users
// hash the pipeline's isRegistered predicate reads, and the static
// region/area/dwelling catalogue registrations are validated against.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/yaml.v2"

	"github.com/gridwatt/meterflow/pkg/httputil"
	"github.com/gridwatt/meterflow/pkg/meter"
	"github.com/gridwatt/meterflow/pkg/meterstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var metricRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meterflow",
	Name:      "registrations_total",
	Help:      "Registration attempts by outcome.",
}, []string{"outcome"})

// ErrAlreadyRegistered is returned when the meter id is already present in
// the registry.
var ErrAlreadyRegistered = fmt.Errorf("meter already registered")

type Registry struct {
	cfg    Config
	store  *meterstore.Store
	logger log.Logger

	// catalogue loaded once at construction; nil maps disable the checks
	areasByRegion map[string][]string
	dwellingTypes map[string]struct{}
}

type catalogue struct {
	Regions       map[string][]string `yaml:"regions"`
	DwellingTypes []string            `yaml:"dwelling_types"`
}

func New(cfg Config, store *meterstore.Store, logger log.Logger) (*Registry, error) {
	r := &Registry{
		cfg:    cfg,
		store:  store,
		logger: logger,
	}

	if cfg.ConfigFile != "" {
		b, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("reading catalogue %s: %w", cfg.ConfigFile, err)
		}
		var cat catalogue
		if err := yaml.Unmarshal(b, &cat); err != nil {
			return nil, fmt.Errorf("parsing catalogue %s: %w", cfg.ConfigFile, err)
		}
		r.areasByRegion = cat.Regions
		r.dwellingTypes = make(map[string]struct{}, len(cat.DwellingTypes))
		for _, d := range cat.DwellingTypes {
			r.dwellingTypes[d] = struct{}{}
		}
		level.Info(logger).Log("msg", "loaded registration catalogue", "regions", len(cat.Regions), "dwelling_types", len(cat.DwellingTypes))
	}

	return r, nil
}

// IsRegistered is the predicate ingress and the querier consult.
func (r *Registry) IsRegistered(ctx context.Context, meterID string) (bool, error) {
	return r.store.IsRegistered(ctx, meterID)
}

type RegisterRequest struct {
	MeterID      string `json:"meter_id"`
	Region       string `json:"region"`
	Area         string `json:"area"`
	DwellingType string `json:"dwelling_type"`
}

// Register validates and persists a registration.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) error {
	if req.MeterID == "" || req.Region == "" || req.Area == "" || req.DwellingType == "" {
		return fmt.Errorf("missing fields")
	}
	if !meter.ValidMeterID(req.MeterID) {
		return fmt.Errorf("invalid meter_id format")
	}
	if err := r.validateCatalogue(req); err != nil {
		return err
	}

	registered, err := r.store.IsRegistered(ctx, req.MeterID)
	if err != nil {
		return err
	}
	if registered {
		return ErrAlreadyRegistered
	}

	if err := r.store.RegisterMeter(ctx, req.MeterID); err != nil {
		return err
	}
	return r.store.SetUserProfile(ctx, req.MeterID, map[string]interface{}{
		"MeterID":      req.MeterID,
		"Region":       req.Region,
		"Area":         req.Area,
		"DwellingType": req.DwellingType,
		"TimeStamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *Registry) validateCatalogue(req RegisterRequest) error {
	if r.areasByRegion != nil {
		areas, ok := r.areasByRegion[req.Region]
		if !ok {
			return fmt.Errorf("unknown region %q", req.Region)
		}
		found := false
		for _, a := range areas {
			if a == req.Area {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown area %q in region %q", req.Area, req.Region)
		}
	}
	if r.dwellingTypes != nil {
		if _, ok := r.dwellingTypes[req.DwellingType]; !ok {
			return fmt.Errorf("unknown dwelling type %q", req.DwellingType)
		}
	}
	return nil
}

// RegisterHandler serves POST /api/user/register.
func (r *Registry) RegisterHandler(w http.ResponseWriter, req *http.Request) {
	var body RegisterRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		metricRegistrations.WithLabelValues("invalid").Inc()
		httputil.WriteError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	err := r.Register(req.Context(), body)
	switch {
	case err == nil:
		metricRegistrations.WithLabelValues("success").Inc()
		httputil.WriteSuccess(w, "Registration successful!")
	case err == ErrAlreadyRegistered:
		metricRegistrations.WithLabelValues("duplicate").Inc()
		httputil.WriteError(w, http.StatusBadRequest, "This MeterID is already registered.")
	default:
		metricRegistrations.WithLabelValues("invalid").Inc()
		level.Warn(r.logger).Log("msg", "registration rejected", "meter_id", body.MeterID, "err", err)
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	}
}
