package querier

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/go-kit/log/level"

	"github.com/gridwatt/meterflow/pkg/httputil"
	"github.com/gridwatt/meterflow/pkg/meter"
)

var monthRegexp = regexp.MustCompile(`^\d{4}-\d{2}$`)

// fixed window set; anything else is a validation error
var windowSpans = map[string]time.Duration{
	"1d": 24 * time.Hour,
	"1w": 7 * 24 * time.Hour,
	"1m": 30 * 24 * time.Hour,
	"1y": 365 * 24 * time.Hour,
}

type timeEntry struct {
	Time string `json:"time"`
}

type detailEntry struct {
	Time        string  `json:"time"`
	Consumption float64 `json:"consumption"`
}

type aggregationBlock struct {
	Consumption float64 `json:"consumption"`
	StartTime   string  `json:"start_time"`
	EndTime     string  `json:"end_time"`
}

type latestResponse struct {
	Status          string      `json:"status"`
	MeterID         string      `json:"meter_id"`
	LatestIncrement float64     `json:"latest_increment"`
	Data            []timeEntry `json:"data"`
}

type dayResponse struct {
	Status     string  `json:"status"`
	MeterID    string  `json:"meter_id"`
	TotalUsage float64 `json:"total_usage"`
	Data       struct {
		Aggregation aggregationBlock `json:"aggregation"`
		Detail      []detailEntry    `json:"detail"`
	} `json:"data"`
}

type bucketResponse struct {
	Status     string      `json:"status"`
	MeterID    string      `json:"meter_id"`
	TotalUsage float64     `json:"total_usage"`
	Data       interface{} `json:"data"`
}

type billingResponse struct {
	Status     string             `json:"status"`
	MeterID    string             `json:"meter_id"`
	Month      string             `json:"month"`
	TotalUsage float64            `json:"total_usage"`
	DailyUsage map[string]float64 `json:"daily_usage"`
}

// QueryHandler serves GET /api/user/query?meter_id&period.
func (q *Querier) QueryHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), q.cfg.QueryTimeout)
	defer cancel()

	meterID := r.URL.Query().Get("meter_id")
	period := r.URL.Query().Get("period")
	if meterID == "" || period == "" {
		httputil.WriteError(w, http.StatusBadRequest, "Missing meter_id or period")
		return
	}
	if !q.checkRegistered(ctx, w, meterID) {
		return
	}

	if period == "30m" {
		q.serveLatest(ctx, w, meterID)
		return
	}

	span, ok := windowSpans[period]
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid period")
		return
	}

	records, start, end, err := q.Window(ctx, meterID, span)
	if err != nil {
		q.serverError(w, meterID, err)
		return
	}

	switch period {
	case "1d":
		resp := dayResponse{Status: "success", MeterID: meterID, TotalUsage: TotalConsumption(records)}
		resp.Data.Detail = make([]detailEntry, 0, len(records))
		for _, rec := range records {
			resp.Data.Detail = append(resp.Data.Detail, detailEntry{Time: rec.Timestamp, Consumption: rec.Consumption})
		}
		resp.Data.Aggregation = aggregationBlock{
			Consumption: resp.TotalUsage,
			StartTime:   meter.FormatTimestamp(start),
			EndTime:     meter.FormatTimestamp(end),
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	case "1w", "1m":
		httputil.WriteJSON(w, http.StatusOK, bucketResponse{
			Status:     "success",
			MeterID:    meterID,
			TotalUsage: TotalConsumption(records),
			Data:       BucketByDay(records),
		})
	case "1y":
		httputil.WriteJSON(w, http.StatusOK, bucketResponse{
			Status:     "success",
			MeterID:    meterID,
			TotalUsage: TotalConsumption(records),
			Data:       BucketByMonth(records),
		})
	}
}

func (q *Querier) serveLatest(ctx context.Context, w http.ResponseWriter, meterID string) {
	rec, ok, err := q.Latest(ctx, meterID)
	if err != nil {
		q.serverError(w, meterID, err)
		return
	}

	resp := latestResponse{Status: "success", MeterID: meterID, Data: []timeEntry{}}
	if ok {
		resp.LatestIncrement = rec.Consumption
		resp.Data = append(resp.Data, timeEntry{Time: rec.Timestamp})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// BillingHandler serves GET /api/billing?meter_id&month=YYYY-MM.
func (q *Querier) BillingHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), q.cfg.QueryTimeout)
	defer cancel()

	meterID := r.URL.Query().Get("meter_id")
	month := r.URL.Query().Get("month")
	if !meter.ValidMeterID(meterID) {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid or missing meter_id")
		return
	}
	if !monthRegexp.MatchString(month) {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid or missing month. Expected format: YYYY-MM")
		return
	}

	total, daily, err := q.Billing(ctx, meterID, month)
	if err == ErrNoBillingData {
		httputil.WriteError(w, http.StatusNotFound, "No billing data found for meter "+meterID+" in month "+month)
		return
	}
	if err != nil {
		q.serverError(w, meterID, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, billingResponse{
		Status:     "success",
		MeterID:    meterID,
		Month:      month,
		TotalUsage: total,
		DailyUsage: daily,
	})
}

func (q *Querier) checkRegistered(ctx context.Context, w http.ResponseWriter, meterID string) bool {
	registered, err := q.registry.IsRegistered(ctx, meterID)
	if err != nil {
		q.serverError(w, meterID, err)
		return false
	}
	if !registered {
		httputil.WriteError(w, http.StatusBadRequest, "MeterID not registered")
		return false
	}
	return true
}

func (q *Querier) serverError(w http.ResponseWriter, meterID string, err error) {
	level.Error(q.logger).Log("msg", "query failed", "meter_id", meterID, "err", err)
	httputil.WriteError(w, http.StatusInternalServerError, "Internal server error")
}
