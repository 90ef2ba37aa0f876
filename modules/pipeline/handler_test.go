package pipeline

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"qr-themer-server/modules/common/store"
	"qr-themer-server/modules/queue"
	"qr-themer-server/modules/quota"
)

func TestNormalizeHTTPURL(t *testing.T) {
	// Setup
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"example.com", "https://example.com", false},
		{"  example.com/path  ", "https://example.com/path", false},
		{"http://example.com", "http://example.com", false},
		{"https://example.com?a=1", "https://example.com?a=1", false},
		{"", "", true},
		{"ftp://example.com", "", true},
		{"https://", "", true},
	}

	// Execution + Assertions
	for _, tc := range cases {
		got, err := normalizeHTTPURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("normalizeHTTPURL(%q) expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("normalizeHTTPURL(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("normalizeHTTPURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// newTestHandler - handler over fakes and an unstarted queue so accepted jobs
// stay parked instead of running
func newTestHandler(dailyLimit int) (*Handler, *Orchestrator) {
	o, _, _, _, _, _, _ := newTestOrchestrator("https://example.com")
	tracker := quota.NewTracker(store.NewMemoryKV(), dailyLimit, 2)
	h := NewHandler(o, tracker, queue.NewQueue(), nil)
	return h, o
}

func postJSON(t *testing.T, h http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	req := httptest.NewRequest("POST", "/", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestHandleGenerateAccepted(t *testing.T) {
	// Setup
	h, _ := newTestHandler(20)

	// Execution
	w := postJSON(t, h.HandleGenerate, GenerateRequest{URL: "example.com", Count: 2})

	// Assertions
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp SubmitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid response body: %v", err)
	}
	if !resp.Success || resp.JobID == "" {
		t.Error("Expected success with a job id")
	}
	if resp.Remaining != 18 {
		t.Errorf("Expected 18 remaining after reserving 2, got %d", resp.Remaining)
	}
}

func TestHandleGenerateDefaultCount(t *testing.T) {
	// Setup
	h, _ := newTestHandler(20)

	// Execution: count omitted
	w := postJSON(t, h.HandleGenerate, GenerateRequest{URL: "example.com"})

	// Assertions: a single image is the default, so exactly one unit is reserved
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp SubmitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid response body: %v", err)
	}
	if resp.Remaining != 19 {
		t.Errorf("Expected 19 remaining after reserving 1, got %d", resp.Remaining)
	}
}

func TestBuildJobCreativityOverridesTemperature(t *testing.T) {
	// Setup
	h, _ := newTestHandler(20)
	creativity := 0.9
	temperature := 0.2

	// Execution
	job, err := h.buildJob(&GenerateRequest{
		URL:        "example.com",
		Creativity: &creativity,
		Config:     &ConfigOverride{Temperature: &temperature},
	})

	// Assertions: the slider wins over the explicit config override
	if err != nil {
		t.Fatalf("buildJob failed: %v", err)
	}
	if job.Config.Temperature != 0.9 {
		t.Errorf("Expected temperature 0.9 from the creativity slider, got %v", job.Config.Temperature)
	}

	// Without the slider the config override stands
	job, err = h.buildJob(&GenerateRequest{
		URL:    "example.com",
		Config: &ConfigOverride{Temperature: &temperature},
	})
	if err != nil {
		t.Fatalf("buildJob failed: %v", err)
	}
	if job.Config.Temperature != 0.2 {
		t.Errorf("Expected temperature 0.2 from the config override, got %v", job.Config.Temperature)
	}
}

func TestHandleGenerateBadURL(t *testing.T) {
	// Setup
	h, _ := newTestHandler(20)

	// Execution
	w := postJSON(t, h.HandleGenerate, GenerateRequest{URL: "ftp://example.com"})

	// Assertions: no quota consumed on input errors
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}

func TestHandleGenerateBadCount(t *testing.T) {
	// Setup
	h, _ := newTestHandler(20)

	// Execution
	w := postJSON(t, h.HandleGenerate, GenerateRequest{URL: "example.com", Count: 9})

	// Assertions
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}

func TestHandleGenerateQuotaExhausted(t *testing.T) {
	// Setup: daily allotment of 3, request 4
	h, _ := newTestHandler(3)

	// Execution
	w := postJSON(t, h.HandleGenerate, GenerateRequest{URL: "example.com", Count: 4})

	// Assertions: rejected whole, balance reported
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	var resp SubmitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid response body: %v", err)
	}
	if resp.Remaining != 3 {
		t.Errorf("Expected untouched balance 3 in the 429 body, got %d", resp.Remaining)
	}
}

func TestHandleRegenerateWithoutResultSet(t *testing.T) {
	// Setup: orchestrator has never run
	h, _ := newTestHandler(20)

	// Execution
	w := postJSON(t, h.HandleRegenerate, RegenerateRequest{
		GenerateRequest: GenerateRequest{URL: "example.com"},
		TargetIndex:     0,
	})

	// Assertions
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", w.Code)
	}
}

func TestHandleResultShape(t *testing.T) {
	// Setup: run one batch through the orchestrator directly
	h, o := newTestHandler(20)
	if err := o.Run(httptest.NewRequest("GET", "/", nil).Context(), fullJob("https://example.com", 2)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Execution
	req := httptest.NewRequest("GET", "/api/result", nil)
	w := httptest.NewRecorder()
	h.HandleResult(w, req)

	// Assertions
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp ResultResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid response body: %v", err)
	}
	if len(resp.Images) != 2 {
		t.Fatalf("Expected 2 images, got %d", len(resp.Images))
	}
	if resp.Images[0].Data == "" || resp.Images[0].MimeType != "image/png" {
		t.Error("Expected base64 image payloads with a mime type")
	}
}
