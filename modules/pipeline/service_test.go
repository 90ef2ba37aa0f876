package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"qr-themer-server/modules/common/model"
	"qr-themer-server/modules/genimage"
)

type fakeEncoder struct {
	calls int
	fail  bool
}

func (e *fakeEncoder) Encode(text string) ([]byte, error) {
	e.calls++
	if e.fail {
		return nil, errors.New("encode refused")
	}
	return []byte("base:" + text), nil
}

type fakeThemes struct {
	calls int
	fail  bool
}

func (f *fakeThemes) InferTheme(ctx context.Context, url, credential string) (string, error) {
	f.calls++
	if f.fail {
		return "", errors.New("theme service down")
	}
	return "theme for " + url, nil
}

type fakeGenerator struct {
	calls    int
	fail     bool
	lastReq  genimage.Request
	imageTag string
}

func (g *fakeGenerator) Generate(ctx context.Context, req genimage.Request) ([][]byte, error) {
	g.calls++
	g.lastReq = req
	if g.fail {
		return nil, errors.New("generation failed")
	}
	images := make([][]byte, req.Count)
	for i := range images {
		images[i] = []byte(fmt.Sprintf("%s-%d", g.imageTag, i))
	}
	return images, nil
}

type fakeValidator struct {
	payload string // decoded on every image; empty means scan failure
}

func (v *fakeValidator) Validate(imageData []byte) model.ValidationResult {
	if v.payload == "" {
		return model.ValidationResult{Status: model.ValidationInvalid}
	}
	p := v.payload
	return model.ValidationResult{Status: model.ValidationValid, Payload: &p}
}

type fakeHistory struct {
	mu       sync.Mutex
	appended []model.GenerationRecord
	patches  []int
	patchURL string
}

func (h *fakeHistory) Append(record model.GenerationRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appended = append(h.appended, record)
	return nil
}

func (h *fakeHistory) PatchLatestImage(sourceURL string, index int, img model.ImageBlob) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.patches = append(h.patches, index)
	h.patchURL = sourceURL
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) byType(eventType string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestOrchestrator(url string) (*Orchestrator, *fakeEncoder, *fakeThemes, *fakeGenerator, *fakeValidator, *fakeHistory, *recordingSink) {
	encoder := &fakeEncoder{}
	themes := &fakeThemes{}
	generator := &fakeGenerator{imageTag: "img"}
	validator := &fakeValidator{payload: url}
	hist := &fakeHistory{}
	sink := &recordingSink{}
	o := NewOrchestrator(encoder, themes, generator, validator, hist, sink)
	return o, encoder, themes, generator, validator, hist, sink
}

func fullJob(url string, count int) model.PipelineJob {
	return model.PipelineJob{
		SourceURL:      url,
		RequestedCount: count,
		Config:         model.DefaultGenerationConfig(),
		Readability:    0.5,
		StyleStrength:  0.5,
	}
}

func TestFullGenerationSuccess(t *testing.T) {
	// Setup
	url := "https://example.com"
	o, _, _, _, _, hist, sink := newTestOrchestrator(url)

	// Execution
	if err := o.Run(context.Background(), fullJob(url, 3)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Assertions
	snap := o.CurrentResult()
	if snap.State != model.StateSuccess {
		t.Errorf("Expected success state, got %s", snap.State)
	}
	if len(snap.Images) != 3 || len(snap.Results) != 3 {
		t.Fatalf("Expected 3 images and 3 results, got %d/%d", len(snap.Images), len(snap.Results))
	}
	for i, res := range snap.Results {
		if res.Status != model.ValidationValid {
			t.Errorf("Expected slot %d valid, got %s", i, res.Status)
		}
		if snap.PayloadMatches[i] == nil || !*snap.PayloadMatches[i] {
			t.Errorf("Expected slot %d payload to match the source url", i)
		}
	}

	if len(hist.appended) != 1 {
		t.Fatalf("Expected one history record, got %d", len(hist.appended))
	}
	if len(hist.appended[0].Images) != 3 {
		t.Errorf("Expected 3 images in history, got %d", len(hist.appended[0].Images))
	}
	if hist.appended[0].SourceURL != url {
		t.Errorf("Unexpected history url %q", hist.appended[0].SourceURL)
	}

	if slots := sink.byType(EventSlot); len(slots) != 3 {
		t.Errorf("Expected 3 slot events, got %d", len(slots))
	}
	states := sink.byType(EventState)
	if len(states) == 0 || states[len(states)-1].State != model.StateSuccess {
		t.Error("Expected the last state event to be success")
	}
}

func TestGenerationFailureLeavesNoHistory(t *testing.T) {
	// Setup
	url := "https://example.com"
	o, _, _, generator, _, hist, sink := newTestOrchestrator(url)
	generator.fail = true

	// Execution
	err := o.Run(context.Background(), fullJob(url, 4))

	// Assertions: whole batch fails, nothing recorded
	if err == nil {
		t.Fatal("Expected run to fail")
	}
	if len(hist.appended) != 0 {
		t.Errorf("Failed batch must not reach history, got %d records", len(hist.appended))
	}
	if o.CurrentResult().State != model.StateError {
		t.Errorf("Expected error state, got %s", o.CurrentResult().State)
	}
	if errs := sink.byType(EventError); len(errs) != 1 {
		t.Errorf("Expected one error event, got %d", len(errs))
	}
}

func TestFailureClearsPreviousBatch(t *testing.T) {
	// Setup: a successful batch followed by a failing full generation
	url := "https://example.com"
	o, _, _, generator, _, _, _ := newTestOrchestrator(url)
	if err := o.Run(context.Background(), fullJob(url, 2)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	generator.fail = true

	// Execution
	if err := o.Run(context.Background(), fullJob(url, 2)); err == nil {
		t.Fatal("Expected run to fail")
	}

	// Assertions: the error view must not carry the old images behind it
	snap := o.CurrentResult()
	if snap.State != model.StateError {
		t.Errorf("Expected error state, got %s", snap.State)
	}
	if len(snap.Images) != 0 || len(snap.Results) != 0 {
		t.Errorf("Expected previous batch cleared, got %d images / %d results", len(snap.Images), len(snap.Results))
	}
	if snap.ErrorMessage == "" {
		t.Error("Expected an error message")
	}
}

func TestThemeFailureStopsPipeline(t *testing.T) {
	// Setup
	url := "https://example.com"
	o, _, themes, generator, _, _, _ := newTestOrchestrator(url)
	themes.fail = true

	// Execution
	err := o.Run(context.Background(), fullJob(url, 2))

	// Assertions
	if err == nil {
		t.Fatal("Expected run to fail")
	}
	if generator.calls != 0 {
		t.Error("Generator must not run when theme inference fails")
	}
}

func TestBaseCodeCachedPerURL(t *testing.T) {
	// Setup
	url := "https://example.com"
	o, encoder, _, _, _, _, _ := newTestOrchestrator(url)

	// Execution: same URL twice, then a different one
	if err := o.Run(context.Background(), fullJob(url, 1)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := o.Run(context.Background(), fullJob(url, 1)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if encoder.calls != 1 {
		t.Errorf("Expected base code reuse for an unchanged URL, got %d encode calls", encoder.calls)
	}

	if err := o.Run(context.Background(), fullJob("https://other.example", 1)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Assertions
	if encoder.calls != 2 {
		t.Errorf("Expected a fresh encode for a new URL, got %d encode calls", encoder.calls)
	}
}

func TestPayloadMismatchStaysValid(t *testing.T) {
	// Setup: scans decode fine but to a different payload
	url := "https://example.com"
	o, _, _, _, validator, _, _ := newTestOrchestrator(url)
	validator.payload = "https://hijacked.example"

	// Execution
	if err := o.Run(context.Background(), fullJob(url, 1)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Assertions: status stays valid, the mismatch travels as a flag
	snap := o.CurrentResult()
	if snap.Results[0].Status != model.ValidationValid {
		t.Errorf("Expected valid status, got %s", snap.Results[0].Status)
	}
	if snap.PayloadMatches[0] == nil || *snap.PayloadMatches[0] {
		t.Error("Expected payload match flag to be false")
	}
}

func TestRegenerationReplacesOneSlot(t *testing.T) {
	// Setup: a full batch first
	url := "https://example.com"
	o, _, _, generator, _, hist, _ := newTestOrchestrator(url)
	if err := o.Run(context.Background(), fullJob(url, 3)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	generator.imageTag = "redo"

	job := fullJob(url, 1)
	job.IsRegeneration = true
	job.TargetIndex = 1

	// Execution
	if err := o.Run(context.Background(), job); err != nil {
		t.Fatalf("Regeneration failed: %v", err)
	}

	// Assertions: only slot 1 changed
	snap := o.CurrentResult()
	if string(snap.Images[0].Data) != "img-0" {
		t.Errorf("Slot 0 must be untouched, got %q", snap.Images[0].Data)
	}
	if string(snap.Images[1].Data) != "redo-0" {
		t.Errorf("Expected slot 1 replaced, got %q", snap.Images[1].Data)
	}
	if string(snap.Images[2].Data) != "img-2" {
		t.Errorf("Slot 2 must be untouched, got %q", snap.Images[2].Data)
	}

	if len(hist.patches) != 1 || hist.patches[0] != 1 {
		t.Errorf("Expected history patch of slot 1, got %v", hist.patches)
	}
	if hist.patchURL != url {
		t.Errorf("Expected patch against %q, got %q", url, hist.patchURL)
	}
}

func TestRegenerationFailureKeepsSlot(t *testing.T) {
	// Setup
	url := "https://example.com"
	o, _, _, generator, _, hist, sink := newTestOrchestrator(url)
	if err := o.Run(context.Background(), fullJob(url, 2)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	generator.fail = true

	job := fullJob(url, 1)
	job.IsRegeneration = true
	job.TargetIndex = 0

	// Execution
	if err := o.Run(context.Background(), job); err != nil {
		t.Fatalf("Regeneration failure must not surface as a run error: %v", err)
	}

	// Assertions: slot intact, toast published, no history patch
	snap := o.CurrentResult()
	if string(snap.Images[0].Data) != "img-0" {
		t.Errorf("Failed regeneration must leave the slot untouched, got %q", snap.Images[0].Data)
	}
	if snap.State != model.StateSuccess {
		t.Errorf("Expected state back to success, got %s", snap.State)
	}
	if toasts := sink.byType(EventToast); len(toasts) == 0 {
		t.Error("Expected a toast for the failed regeneration")
	}
	if len(hist.patches) != 0 {
		t.Error("Failed regeneration must not patch history")
	}
}

func TestRegenerationBaseCodeFailureRestoresState(t *testing.T) {
	// Setup: a successful batch, then a regeneration whose URL cannot be encoded
	url := "https://example.com"
	o, encoder, _, _, _, hist, sink := newTestOrchestrator(url)
	if err := o.Run(context.Background(), fullJob(url, 2)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	encoder.fail = true

	job := fullJob("https://unencodable.example", 1)
	job.IsRegeneration = true
	job.TargetIndex = 0

	// Execution
	if err := o.Run(context.Background(), job); err != nil {
		t.Fatalf("Regeneration failure must not surface as a run error: %v", err)
	}

	// Assertions: state settles back, slot and history stay untouched
	snap := o.CurrentResult()
	if snap.State != model.StateSuccess {
		t.Errorf("Expected state back to success, got %s", snap.State)
	}
	if string(snap.Images[0].Data) != "img-0" {
		t.Errorf("Failed regeneration must leave the slot untouched, got %q", snap.Images[0].Data)
	}
	if toasts := sink.byType(EventToast); len(toasts) == 0 {
		t.Error("Expected a toast for the failed regeneration")
	}
	if len(hist.patches) != 0 {
		t.Error("Failed regeneration must not patch history")
	}
}

func TestRegenerationOutOfRange(t *testing.T) {
	// Setup: no batch exists yet
	url := "https://example.com"
	o, _, _, _, _, _, _ := newTestOrchestrator(url)

	job := fullJob(url, 1)
	job.IsRegeneration = true
	job.TargetIndex = 0

	// Execution
	err := o.Run(context.Background(), job)

	// Assertions
	if err == nil {
		t.Error("Expected error when regenerating without a result set")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	// Setup
	url := "https://example.com"
	o, _, _, generator, _, _, _ := newTestOrchestrator(url)
	if err := o.Run(context.Background(), fullJob(url, 1)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	before := o.CurrentResult()

	// Execution: a second run mutates internal state
	generator.imageTag = "second"
	if err := o.Run(context.Background(), fullJob(url, 1)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Assertions: the earlier snapshot still shows the first batch
	if string(before.Images[0].Data) != "img-0" {
		t.Errorf("Snapshot must be isolated from later runs, got %q", before.Images[0].Data)
	}
}
