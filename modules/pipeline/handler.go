package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"qr-themer-server/modules/common/imageutil"
	"qr-themer-server/modules/common/model"
	"qr-themer-server/modules/quota"
	"qr-themer-server/modules/queue"
)

const maxURLLength = 4096

// GenerateRequest - POST /api/generate body
type GenerateRequest struct {
	URL           string          `json:"url"`
	Count         int             `json:"count"`          // 1-4, defaults to 1
	ExtraPrompt   string          `json:"extra_prompt"`   // free-form user instructions
	Readability   *float64        `json:"readability"`    // 0-1, defaults to 0.5
	StyleStrength *float64        `json:"style_strength"` // 0-1, defaults to 0.5
	Creativity    *float64        `json:"creativity"`     // 0-1, overrides temperature
	Credential    string          `json:"credential"`     // user-supplied API key, optional
	Config        *ConfigOverride `json:"config"`
	Reference     *InputImage     `json:"reference"`
}

// ConfigOverride - per-request generation settings, applied over the defaults
type ConfigOverride struct {
	Seed        *int32   `json:"seed"`
	Temperature *float64 `json:"temperature"`
	TopP        *float64 `json:"top_p"`
	TopK        *int32   `json:"top_k"`
}

// InputImage - base64 payload for the optional style reference
type InputImage struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

// RegenerateRequest - POST /api/regenerate body
type RegenerateRequest struct {
	GenerateRequest
	TargetIndex int `json:"target_index"`
}

// SubmitResponse - 202 body for accepted submissions
type SubmitResponse struct {
	Success   bool   `json:"success"`
	JobID     string `json:"job_id,omitempty"`
	Queued    int    `json:"queued,omitempty"`
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
}

// ResultImage - one candidate in the GET /api/result payload
type ResultImage struct {
	Data           string                 `json:"data"` // base64
	MimeType       string                 `json:"mime_type"`
	Result         model.ValidationResult `json:"result"`
	PayloadMatches *bool                  `json:"payload_matches,omitempty"`
}

// ResultResponse - GET /api/result body
type ResultResponse struct {
	State      string        `json:"state"`
	SourceURL  string        `json:"source_url,omitempty"`
	Theme      string        `json:"theme,omitempty"`
	Images     []ResultImage `json:"images"`
	Error      string        `json:"error,omitempty"`
	Processing bool          `json:"processing"`
	Pending    int           `json:"pending"`
}

type Handler struct {
	orchestrator *Orchestrator
	tracker      *quota.Tracker
	jobs         *queue.Queue
	sink         EventSink
}

func NewHandler(orchestrator *Orchestrator, tracker *quota.Tracker, jobs *queue.Queue, sink EventSink) *Handler {
	if sink == nil {
		sink = NoopSink{}
	}
	return &Handler{
		orchestrator: orchestrator,
		tracker:      tracker,
		jobs:         jobs,
		sink:         sink,
	}
}

// HandleGenerate - POST /api/generate
// Validates input and reserves quota synchronously, then enqueues the full pipeline.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("❌ [Pipeline] Invalid request: %v", err)
		writeJSON(w, http.StatusBadRequest, SubmitResponse{Success: false, Error: "Invalid request format"})
		return
	}

	job, err := h.buildJob(&req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, SubmitResponse{Success: false, Error: err.Error()})
		return
	}

	reservation, ok := h.reserve(w, r, job.Credential, job.RequestedCount)
	if !ok {
		return
	}

	h.enqueue(w, *job, reservation)
}

// HandleRegenerate - POST /api/regenerate
// Single-slot redo against the current result set. 409 when there is nothing to redo.
func (h *Handler) HandleRegenerate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req RegenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("❌ [Pipeline] Invalid request: %v", err)
		writeJSON(w, http.StatusBadRequest, SubmitResponse{Success: false, Error: "Invalid request format"})
		return
	}

	snap := h.orchestrator.CurrentResult()
	if len(snap.Images) == 0 {
		writeJSON(w, http.StatusConflict, SubmitResponse{Success: false, Error: "No current result set to regenerate from"})
		return
	}
	if req.TargetIndex < 0 || req.TargetIndex >= len(snap.Images) {
		writeJSON(w, http.StatusBadRequest, SubmitResponse{
			Success: false,
			Error:   fmt.Sprintf("target_index %d out of range (0-%d)", req.TargetIndex, len(snap.Images)-1),
		})
		return
	}

	req.Count = 1
	job, err := h.buildJob(&req.GenerateRequest)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, SubmitResponse{Success: false, Error: err.Error()})
		return
	}
	job.IsRegeneration = true
	job.TargetIndex = req.TargetIndex

	reservation, ok := h.reserve(w, r, job.Credential, 1)
	if !ok {
		return
	}

	h.enqueue(w, *job, reservation)
}

// HandleResult - GET /api/result
func (h *Handler) HandleResult(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	snap := h.orchestrator.CurrentResult()
	resp := ResultResponse{
		State:      snap.State,
		SourceURL:  snap.SourceURL,
		Theme:      snap.Theme,
		Images:     make([]ResultImage, 0, len(snap.Images)),
		Error:      snap.ErrorMessage,
		Processing: h.jobs.IsProcessing(),
		Pending:    h.jobs.Pending(),
	}
	for i, img := range snap.Images {
		item := ResultImage{
			Data:     imageutil.ConvertImageToBase64(img.Data),
			MimeType: img.MimeType,
			Result:   snap.Results[i],
		}
		if i < len(snap.PayloadMatches) {
			item.PayloadMatches = snap.PayloadMatches[i]
		}
		resp.Images = append(resp.Images, item)
	}

	writeJSON(w, http.StatusOK, resp)
}

// buildJob - validate and normalize the request into a pipeline job
func (h *Handler) buildJob(req *GenerateRequest) (*model.PipelineJob, error) {
	normalized, err := normalizeHTTPURL(req.URL)
	if err != nil {
		return nil, err
	}

	count := req.Count
	if count == 0 {
		count = 1
	}
	if count < 1 || count > 4 {
		return nil, fmt.Errorf("count must be between 1 and 4, got %d", req.Count)
	}

	cfg := model.DefaultGenerationConfig()
	if req.Config != nil {
		if req.Config.Seed != nil {
			cfg.Seed = req.Config.Seed
		}
		if req.Config.Temperature != nil {
			cfg.Temperature = *req.Config.Temperature
		}
		if req.Config.TopP != nil {
			cfg.TopP = *req.Config.TopP
		}
		if req.Config.TopK != nil {
			cfg.TopK = *req.Config.TopK
		}
	}
	// the creativity slider is the user-facing temperature control and wins
	// over an explicit config override
	if req.Creativity != nil {
		cfg.Temperature = clamp01(req.Creativity, cfg.Temperature)
	}

	job := &model.PipelineJob{
		SourceURL:      normalized,
		RequestedCount: count,
		Config:         cfg,
		ExtraPrompt:    strings.TrimSpace(req.ExtraPrompt),
		Readability:    clamp01(req.Readability, 0.5),
		StyleStrength:  clamp01(req.StyleStrength, 0.5),
		Credential:     strings.TrimSpace(req.Credential),
	}

	if req.Reference != nil && req.Reference.Data != "" {
		data, err := base64.StdEncoding.DecodeString(req.Reference.Data)
		if err != nil {
			return nil, fmt.Errorf("reference image is not valid base64")
		}
		mime := req.Reference.MimeType
		if mime == "" {
			mime = "image/png"
		}
		job.Reference = &model.ImageBlob{Data: data, MimeType: mime}
	}

	return job, nil
}

// reserve - quota gate shared by both submit endpoints. Writes the 429 itself
// and returns ok=false when the request must not proceed.
func (h *Handler) reserve(w http.ResponseWriter, r *http.Request, credential string, amount int) (quota.Reservation, bool) {
	identity := quota.IdentityShared
	if credential != "" {
		identity = quota.IdentityCustom
	}

	reservation, err := h.tracker.CheckAndReserve(r.Context(), identity, amount)
	if err != nil {
		log.Printf("❌ [Pipeline] Quota check failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, SubmitResponse{Success: false, Error: "Quota check failed"})
		return quota.Reservation{}, false
	}

	if !reservation.Allowed {
		writeJSON(w, http.StatusTooManyRequests, SubmitResponse{
			Success:   false,
			Remaining: reservation.Remaining,
			Error:     "Quota exhausted",
		})
		return quota.Reservation{}, false
	}

	if reservation.LowBalance {
		h.sink.Publish(Event{
			Type:      EventToast,
			Message:   "Running low on generations",
			Remaining: reservation.Remaining,
		})
	}

	return reservation, true
}

func (h *Handler) enqueue(w http.ResponseWriter, job model.PipelineJob, reservation quota.Reservation) {
	jobID := uuid.New().String()
	h.jobs.Enqueue(queue.Task{
		ID: jobID,
		Run: func(ctx context.Context) error {
			return h.orchestrator.Run(ctx, job)
		},
	})

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		Success:   true,
		JobID:     jobID,
		Queued:    h.jobs.Pending(),
		Remaining: reservation.Remaining,
	})
}

// normalizeHTTPURL - default missing schemes to https, reject anything that is
// not a well-formed http(s) URL with a host
func normalizeHTTPURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("url is required")
	}
	if len(trimmed) > maxURLLength {
		return "", fmt.Errorf("url exceeds %d characters", maxURLLength)
	}

	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q, only http and https are allowed", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("url must include a host")
	}

	return parsed.String(), nil
}

func clamp01(value *float64, fallback float64) float64 {
	if value == nil {
		return fallback
	}
	if *value < 0 {
		return 0
	}
	if *value > 1 {
		return 1
	}
	return *value
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("❌ [Pipeline] Failed to write response: %v", err)
	}
}
