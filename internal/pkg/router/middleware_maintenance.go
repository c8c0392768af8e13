package router

import (
	"net/http"
	"strings"

	"github.com/shandysiswandi/notifyd/internal/pkg/config"
)

// middlewareMaintenance answers 503 for routes listed under
// http.maintenance_routes. The list is read per request so config reloads
// apply without a restart.
func middlewareMaintenance(cfg config.Config) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg != nil {
				route := matchedRoutePath(r)
				for _, blocked := range cfg.GetArray("http.maintenance_routes") {
					if strings.TrimSpace(blocked) == route {
						writeJSON(w, errorResponse{Message: "service is under maintenance"}, http.StatusServiceUnavailable)
						return
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
