package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gridwatt/meterflow/pkg/httputil"
)

type backupResponse struct {
	Status string             `json:"status"`
	Date   string             `json:"date"`
	Data   map[string]float64 `json:"data"`
}

type logsResponse struct {
	Status  string      `json:"status"`
	LogType string      `json:"log_type"`
	Logs    interface{} `json:"logs"`
}

// BackupHandler serves GET /get_backup?date=YYYY-MM-DD. The date defaults
// to yesterday UTC, matching what the last maintenance rollup produced.
func (a *App) BackupHandler(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	}

	data, err := a.store.BackupDate(r.Context(), date)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if len(data) == 0 {
		httputil.WriteError(w, http.StatusNotFound, "No backup data for "+date)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, backupResponse{Status: "success", Date: date, Data: data})
}

// LogsHandler serves GET /get_logs?log_type&limit&date.
func (a *App) LogsHandler(w http.ResponseWriter, r *http.Request) {
	logType := r.URL.Query().Get("log_type")
	if logType == "" {
		logType = "daily_jobs"
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	date := r.URL.Query().Get("date")

	entries, err := a.store.Logs(r.Context(), logType, limit, date)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, logsResponse{Status: "success", LogType: logType, Logs: entries})
}
