package history

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"qr-themer-server/modules/common/imageutil"
)

// HistoryImage - one stored image as served over HTTP
type HistoryImage struct {
	Data     string `json:"data"` // base64
	MimeType string `json:"mime_type"`
}

// HistoryEntry - one recorded generation
type HistoryEntry struct {
	ID          string         `json:"id"`
	SourceURL   string         `json:"source_url"`
	ExtraPrompt string         `json:"extra_prompt,omitempty"`
	Images      []HistoryImage `json:"images"`
	CreatedAt   time.Time      `json:"created_at"`
}

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// HandleList - GET /api/history
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	records, err := h.store.List()
	if err != nil {
		log.Printf("❌ [History] List failed: %v", err)
		http.Error(w, "Failed to load history", http.StatusInternalServerError)
		return
	}

	entries := make([]HistoryEntry, 0, len(records))
	for _, rec := range records {
		entry := HistoryEntry{
			ID:          rec.ID,
			SourceURL:   rec.SourceURL,
			ExtraPrompt: rec.ExtraPrompt,
			CreatedAt:   rec.CreatedAt,
			Images:      make([]HistoryImage, 0, len(rec.Images)),
		}
		for _, img := range rec.Images {
			entry.Images = append(entry.Images, HistoryImage{
				Data:     imageutil.ConvertImageToBase64(img.Data),
				MimeType: img.MimeType,
			})
		}
		entries = append(entries, entry)
	}

	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"entries": entries,
	})
}

// HandleClear - DELETE /api/history
func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := h.store.Clear(); err != nil {
		log.Printf("❌ [History] Clear failed: %v", err)
		http.Error(w, "Failed to clear history", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]any{"success": true})
}
