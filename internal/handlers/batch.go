package handlers

import (
	"net/http"
	"time"
)

// HandleScanStart runs a full member scan for a domain. The scan runs
// synchronously; the operator stops it through the stop endpoint from
// another request.
func (h *Handler) HandleScanStart(w http.ResponseWriter, r *http.Request) {
	result, err := h.ops.RunScan(r.Context(), r.PathValue("domain"), nil)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, result, "scan result")
}

// HandleScanStop cancels a running scan.
func (h *Handler) HandleScanStop(w http.ResponseWriter, r *http.Request) {
	stopped := h.ops.StopScan(r.PathValue("domain"))
	writeJSON(w, map[string]bool{"stopped": stopped}, "scan stop")
}

// HandleScanList returns domains with scans in flight.
func (h *Handler) HandleScanList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.ops.ActiveScans(), "active scans")
}

// HandleOnboard applies the full ledger to a newly joined domain.
func (h *Handler) HandleOnboard(w http.ResponseWriter, r *http.Request) {
	result, err := h.ops.Onboard(r.Context(), r.PathValue("domain"), nil)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, result, "onboard result")
}

// HandleOnboardReset clears a domain's onboarding record so the bulk
// apply can run again.
func (h *Handler) HandleOnboardReset(w http.ResponseWriter, r *http.Request) {
	if err := h.ops.ResetOnboarding(r.Context(), r.PathValue("domain")); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRepairOrigins fills in missing origin attribution on ledger
// records from the domains' audit trails.
func (h *Handler) HandleRepairOrigins(w http.ResponseWriter, r *http.Request) {
	result, err := h.ops.RepairOrigins(r.Context(), nil)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, result, "repair result")
}

// HandleBackfill federates pre-existing authorized blocks found in a
// domain's audit trail. Lookback defaults to 30 days.
func (h *Handler) HandleBackfill(w http.ResponseWriter, r *http.Request) {
	lookback := 30 * 24 * time.Hour
	if raw := r.URL.Query().Get("lookback"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			http.Error(w, "invalid lookback duration", http.StatusBadRequest)
			return
		}
		lookback = d
	}
	result, err := h.ops.Backfill(r.Context(), r.PathValue("domain"), lookback, nil)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, result, "backfill result")
}
