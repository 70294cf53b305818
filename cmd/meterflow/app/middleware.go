package app

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/gridwatt/meterflow/modules/maintenance"
	"github.com/gridwatt/meterflow/pkg/httputil"
)

// maintenanceMiddleware quarantines the API while the maintenance flag is
// up: any path outside the allowlist answers 503 until the window ends.
func maintenanceMiddleware(state *maintenance.State, allowlist map[string]struct{}) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := allowlist[r.URL.Path]; !ok && state.Active(r.Context()) {
				httputil.WriteError(w, http.StatusServiceUnavailable, "Server is in maintenance mode. Please try again later.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
