package routing

import (
	"net/http"

	"fedwatch/internal/handlers"
	"fedwatch/internal/middleware"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config holds the configuration needed for setting up routes
type Config struct {
	Handlers *handlers.Handler
	Logger   zerolog.Logger

	// AdminToken guards everything under /api. Empty disables the
	// check (localhost deployments only).
	AdminToken string
}

// SetupRouter creates and configures the HTTP router with all routes and middleware
func SetupRouter(cfg Config) http.Handler {
	h := cfg.Handlers
	mux := http.NewServeMux()

	// Unauthenticated probes
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	api := http.NewServeMux()

	// Screening rules
	api.HandleFunc("GET /api/rules", h.HandleListRules)
	api.HandleFunc("POST /api/rules/keywords", h.HandleAddKeyword)
	api.HandleFunc("DELETE /api/rules/keywords", h.HandleRemoveKeyword)
	api.HandleFunc("POST /api/rules/patterns", h.HandleAddPattern)
	api.HandleFunc("DELETE /api/rules/patterns/{index}", h.HandleRemovePattern)

	// Federation commands and ledger
	api.HandleFunc("POST /api/blocks", h.HandleBlock)
	api.HandleFunc("POST /api/unblocks", h.HandleUnblock)
	api.HandleFunc("GET /api/lookup", h.HandleLookup)
	api.HandleFunc("GET /api/history", h.HandleHistory)
	api.HandleFunc("GET /api/stats", h.HandleStats)

	// Pending automated actions
	api.HandleFunc("GET /api/pending", h.HandlePendingList)
	api.HandleFunc("DELETE /api/pending/{id}", h.HandlePendingCancel)

	// Batch operations
	api.HandleFunc("GET /api/scans", h.HandleScanList)
	api.HandleFunc("POST /api/scans/{domain}", h.HandleScanStart)
	api.HandleFunc("DELETE /api/scans/{domain}", h.HandleScanStop)
	api.HandleFunc("POST /api/onboard/{domain}", h.HandleOnboard)
	api.HandleFunc("DELETE /api/onboard/{domain}", h.HandleOnboardReset)
	api.HandleFunc("POST /api/repair", h.HandleRepairOrigins)
	api.HandleFunc("POST /api/backfill/{domain}", h.HandleBackfill)

	// Maintenance
	api.HandleFunc("POST /api/reload/config", h.HandleReloadConfig)
	api.HandleFunc("POST /api/reload/rules", h.HandleReloadRules)
	api.HandleFunc("POST /api/broadcast", h.HandleBroadcast)

	// Event ingestion from the platform gateway bridge
	api.HandleFunc("POST /api/events/join", h.HandleJoinEvent)
	api.HandleFunc("POST /api/events/message", h.HandleMessageEvent)
	api.HandleFunc("POST /api/events/block", h.HandleBlockEvent)
	api.HandleFunc("POST /api/events/unblock", h.HandleUnblockEvent)

	mux.Handle("/api/", middleware.BearerAuth(cfg.AdminToken)(api))

	return middleware.LoggingMiddleware(cfg.Logger)(mux)
}
