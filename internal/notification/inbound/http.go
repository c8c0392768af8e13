package inbound

import (
	"net/http"

	"github.com/shandysiswandi/notifyd/internal/pkg/router"
)

func RegisterHTTPEndpoint(r *router.Router, uc uc, metrics http.Handler) {
	end := &HTTPEndpoint{uc: uc}

	r.GET("/health", end.Health)
	if metrics != nil {
		r.GETRaw("/metrics", metrics)
	}

	r.GET("/api/v1/notification/ledger/:event_id", end.GetLedgerEntry)
	r.GET("/api/v1/notification/dead-letters", end.ListDeadLetters)
	r.GET("/api/v1/notification/dead-letters/object", end.GetDeadLetter)
	r.GET("/api/v1/notification/stats", end.PoolStats)
}
