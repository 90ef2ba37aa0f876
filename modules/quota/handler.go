package quota

import (
	"encoding/json"
	"log"
	"net/http"
)

// QuotaResponse - GET /api/quota body
type QuotaResponse struct {
	Identity  string `json:"identity"`
	Remaining int    `json:"remaining"` // -1 when unlimited
	Limited   bool   `json:"limited"`
}

type Handler struct {
	tracker *Tracker
}

func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

// HandleQuota - GET /api/quota?credential=...
// With a credential query flag the session balance is reported instead of the
// shared daily one.
func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	identity := IdentityShared
	if r.URL.Query().Get("credential") != "" {
		identity = IdentityCustom
	}

	remaining, unlimited, err := h.tracker.Remaining(r.Context(), identity)
	if err != nil {
		log.Printf("❌ [Quota] Lookup failed: %v", err)
		http.Error(w, "Failed to read quota", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(QuotaResponse{
		Identity:  string(identity),
		Remaining: remaining,
		Limited:   !unlimited,
	})
}

// limitRequest - POST /api/quota/limit body. A null limit clears the ceiling.
type limitRequest struct {
	Limit *int `json:"limit"`
}

// HandleSetLimit - POST /api/quota/limit
func (h *Handler) HandleSetLimit(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req limitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request format", http.StatusBadRequest)
		return
	}
	if req.Limit != nil && *req.Limit < 0 {
		http.Error(w, "Limit must not be negative", http.StatusBadRequest)
		return
	}

	h.tracker.SetSessionLimit(req.Limit)
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}
