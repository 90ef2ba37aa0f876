package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"qr-themer-server/modules/common/model"
	"qr-themer-server/modules/genimage"
)

// Encoder - produces the machine-perfect base code for a payload
type Encoder interface {
	Encode(text string) ([]byte, error)
}

// ThemeClient - infers a visual theme description from a URL
type ThemeClient interface {
	InferTheme(ctx context.Context, url string, credential string) (string, error)
}

// ImageGenerator - produces N themed candidates from a base code and theme
type ImageGenerator interface {
	Generate(ctx context.Context, req genimage.Request) ([][]byte, error)
}

// Validator - two-pass optical scan of one candidate
type Validator interface {
	Validate(imageData []byte) model.ValidationResult
}

// HistoryStore - persistence for completed batches
type HistoryStore interface {
	Append(record model.GenerationRecord) error
	PatchLatestImage(sourceURL string, index int, img model.ImageBlob) error
}

// Snapshot - the current pipeline result as served by GET /api/result.
// Slices are copies; callers may hold them across further runs.
type Snapshot struct {
	State          string
	SourceURL      string
	Theme          string
	Images         []model.ImageBlob
	Results        []model.ValidationResult
	PayloadMatches []*bool
	ErrorMessage   string
}

// Orchestrator - drives one submission at a time through the full pipeline:
// base code, theme, themed candidates, validation, history. The queue
// guarantees single concurrency; the mutex only guards snapshot reads racing
// a running pipeline.
type Orchestrator struct {
	encoder   Encoder
	themes    ThemeClient
	generator ImageGenerator
	validator Validator
	history   HistoryStore
	sink      EventSink

	mu sync.Mutex
	// base code cache, invalidated when the URL changes
	baseURL  string
	baseCode []byte

	state          string
	sourceURL      string
	theme          string
	images         []model.ImageBlob
	results        []model.ValidationResult
	payloadMatches []*bool
	errorMessage   string
}

func NewOrchestrator(encoder Encoder, themes ThemeClient, generator ImageGenerator, validator Validator, history HistoryStore, sink EventSink) *Orchestrator {
	if sink == nil {
		sink = NoopSink{}
	}
	return &Orchestrator{
		encoder:   encoder,
		themes:    themes,
		generator: generator,
		validator: validator,
		history:   history,
		sink:      sink,
		state:     model.StateIdle,
	}
}

// CurrentResult - copy of the latest pipeline outcome
func (o *Orchestrator) CurrentResult() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{
		State:        o.state,
		SourceURL:    o.sourceURL,
		Theme:        o.theme,
		ErrorMessage: o.errorMessage,
	}
	snap.Images = append(snap.Images, o.images...)
	snap.Results = append(snap.Results, o.results...)
	snap.PayloadMatches = append(snap.PayloadMatches, o.payloadMatches...)
	return snap
}

// Run - execute one queued job to completion. Called from the queue worker.
func (o *Orchestrator) Run(ctx context.Context, job model.PipelineJob) error {
	if job.IsRegeneration {
		return o.runRegeneration(ctx, job)
	}
	return o.runFullGeneration(ctx, job)
}

func (o *Orchestrator) runFullGeneration(ctx context.Context, job model.PipelineJob) error {
	log.Printf("🚀 [Pipeline] Full generation for %s (%d images)", job.SourceURL, job.RequestedCount)

	base, err := o.acquireBaseCode(job.SourceURL)
	if err != nil {
		return o.fail(fmt.Errorf("failed to build base code: %w", err))
	}

	o.setState(model.StateInferringTheme)
	theme, err := o.themes.InferTheme(ctx, job.SourceURL, job.Credential)
	if err != nil {
		return o.fail(err)
	}

	o.setState(model.StateGenerating)
	images, err := o.generator.Generate(ctx, genimage.Request{
		Theme:         theme,
		BaseImage:     model.ImageBlob{Data: base, MimeType: "image/png"},
		Count:         job.RequestedCount,
		Config:        job.Config,
		ExtraPrompt:   job.ExtraPrompt,
		Readability:   job.Readability,
		StyleStrength: job.StyleStrength,
		Credential:    job.Credential,
		Reference:     job.Reference,
	})
	if err != nil {
		return o.fail(err)
	}

	// publish the batch with every slot pending before validation starts
	o.mu.Lock()
	o.sourceURL = job.SourceURL
	o.theme = theme
	o.images = make([]model.ImageBlob, len(images))
	o.results = make([]model.ValidationResult, len(images))
	o.payloadMatches = make([]*bool, len(images))
	for i, data := range images {
		o.images[i] = model.ImageBlob{Data: data, MimeType: "image/png"}
		o.results[i] = model.PendingResult()
	}
	o.errorMessage = ""
	o.mu.Unlock()

	o.setState(model.StateValidating)
	o.validateAll(job.SourceURL, images)

	record := model.GenerationRecord{
		ID:          uuid.New().String(),
		SourceURL:   job.SourceURL,
		ExtraPrompt: job.ExtraPrompt,
		CreatedAt:   time.Now(),
	}
	o.mu.Lock()
	record.Images = append(record.Images, o.images...)
	o.mu.Unlock()
	if err := o.history.Append(record); err != nil {
		log.Printf("⚠️  [Pipeline] Failed to record batch in history: %v", err)
	}

	o.setState(model.StateSuccess)
	log.Printf("✅ [Pipeline] Completed %s", job.SourceURL)
	return nil
}

// runRegeneration - redo exactly one slot of the current batch. Failure leaves
// the existing slot untouched and surfaces as a toast, never as a pipeline error.
func (o *Orchestrator) runRegeneration(ctx context.Context, job model.PipelineJob) error {
	log.Printf("🔄 [Pipeline] Regenerating slot %d for %s", job.TargetIndex, job.SourceURL)

	o.mu.Lock()
	inRange := job.TargetIndex >= 0 && job.TargetIndex < len(o.images)
	o.mu.Unlock()
	if !inRange {
		o.sink.Publish(Event{Type: EventToast, Message: "Nothing to regenerate at that position"})
		return fmt.Errorf("regeneration index %d out of range", job.TargetIndex)
	}

	base, err := o.acquireBaseCode(job.SourceURL)
	if err != nil {
		o.toastRegenFailure(err)
		o.setState(model.StateSuccess)
		return nil
	}

	o.setState(model.StateInferringTheme)
	theme, err := o.themes.InferTheme(ctx, job.SourceURL, job.Credential)
	if err != nil {
		o.toastRegenFailure(err)
		o.setState(model.StateSuccess)
		return nil
	}

	o.setState(model.StateGenerating)
	images, err := o.generator.Generate(ctx, genimage.Request{
		Theme:         theme,
		BaseImage:     model.ImageBlob{Data: base, MimeType: "image/png"},
		Count:         1,
		Config:        job.Config,
		ExtraPrompt:   job.ExtraPrompt,
		Readability:   job.Readability,
		StyleStrength: job.StyleStrength,
		Credential:    job.Credential,
		Reference:     job.Reference,
	})
	if err != nil || len(images) == 0 {
		o.toastRegenFailure(err)
		o.setState(model.StateSuccess)
		return nil
	}

	o.setState(model.StateValidating)
	result := o.validator.Validate(images[0])
	matches := payloadMatch(result, job.SourceURL)

	img := model.ImageBlob{Data: images[0], MimeType: "image/png"}
	o.mu.Lock()
	o.images[job.TargetIndex] = img
	o.results[job.TargetIndex] = result
	o.payloadMatches[job.TargetIndex] = matches
	o.mu.Unlock()

	o.sink.Publish(Event{
		Type:           EventSlot,
		Index:          job.TargetIndex,
		Result:         &result,
		PayloadMatches: matches,
	})

	if err := o.history.PatchLatestImage(job.SourceURL, job.TargetIndex, img); err != nil {
		log.Printf("⚠️  [Pipeline] Failed to patch history after regeneration: %v", err)
	}

	o.setState(model.StateSuccess)
	log.Printf("✅ [Pipeline] Regenerated slot %d", job.TargetIndex)
	return nil
}

// acquireBaseCode - reuse the cached base code when the URL is unchanged,
// otherwise encode fresh and replace the cache
func (o *Orchestrator) acquireBaseCode(url string) ([]byte, error) {
	o.setState(model.StateAcquiringBaseCode)

	o.mu.Lock()
	if o.baseURL == url && o.baseCode != nil {
		cached := o.baseCode
		o.mu.Unlock()
		log.Printf("🔍 [Pipeline] Reusing cached base code for %s", url)
		return cached, nil
	}
	o.mu.Unlock()

	code, err := o.encoder.Encode(url)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.baseURL = url
	o.baseCode = code
	o.mu.Unlock()
	return code, nil
}

// validateAll - scan every candidate in parallel, writing disjoint slots
func (o *Orchestrator) validateAll(sourceURL string, images [][]byte) {
	var wg sync.WaitGroup
	for i, data := range images {
		wg.Add(1)
		go func(index int, imageData []byte) {
			defer wg.Done()

			result := o.validator.Validate(imageData)
			matches := payloadMatch(result, sourceURL)

			o.mu.Lock()
			o.results[index] = result
			o.payloadMatches[index] = matches
			o.mu.Unlock()

			o.sink.Publish(Event{
				Type:           EventSlot,
				Index:          index,
				Result:         &result,
				PayloadMatches: matches,
			})
		}(i, data)
	}
	wg.Wait()
}

// payloadMatch - whether a valid scan decoded back to the submitted URL.
// A mismatch does not downgrade the result; the flag travels alongside it.
func payloadMatch(result model.ValidationResult, sourceURL string) *bool {
	if result.Status != model.ValidationValid || result.Payload == nil {
		return nil
	}
	matches := *result.Payload == sourceURL
	return &matches
}

func (o *Orchestrator) setState(state string) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
	o.sink.Publish(Event{Type: EventState, State: state})
}

// fail - terminal error for a full generation: the result view is replaced by
// the error, so the previous batch's images must not linger behind it
func (o *Orchestrator) fail(err error) error {
	log.Printf("❌ [Pipeline] %v", err)
	o.mu.Lock()
	o.state = model.StateError
	o.errorMessage = err.Error()
	o.images = nil
	o.results = nil
	o.payloadMatches = nil
	o.mu.Unlock()
	o.sink.Publish(Event{Type: EventError, State: model.StateError, Message: err.Error()})
	return err
}

func (o *Orchestrator) toastRegenFailure(err error) {
	msg := "Regeneration failed, keeping the previous image"
	if err != nil {
		log.Printf("⚠️  [Pipeline] Regeneration failed: %v", err)
	}
	o.sink.Publish(Event{Type: EventToast, Message: msg})
}
