package genimage

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"google.golang.org/genai"

	"qr-themer-server/modules/common/config"
	"qr-themer-server/modules/common/gemini"
	"qr-themer-server/modules/common/model"
)

// generateTimeout - per fan-out call; one hung upstream call must not stall
// the single-flight queue indefinitely
const generateTimeout = 180 * time.Second

// Request - one themed-generation batch
type Request struct {
	Theme         string
	BaseImage     model.ImageBlob
	Count         int
	Config        model.GenerationConfig
	ExtraPrompt   string
	Readability   float64
	StyleStrength float64
	Credential    string
	Reference     *model.ImageBlob
}

// Service - image generation client for themed QR candidates
type Service struct {
	apiKeys []string
	model   string
}

func NewService() *Service {
	cfg := config.GetConfig()
	return &Service{
		apiKeys: cfg.GeminiAPIKeys,
		model:   cfg.GeminiImageModel,
	}
}

// Generate - fan out Count parallel single-image calls and collect the results
// in request-index order. Any one failed call fails the entire batch; partial
// results are never returned.
func (s *Service) Generate(ctx context.Context, req Request) ([][]byte, error) {
	if req.Count < 1 {
		return nil, fmt.Errorf("invalid image count: %d", req.Count)
	}

	log.Printf("🎨 [GenImage] Generating %d themed image(s) (model: %s, reference: %v)",
		req.Count, s.model, req.Reference != nil)

	images := make([][]byte, req.Count)
	errs := make([]error, req.Count)

	var wg sync.WaitGroup
	for i := 0; i < req.Count; i++ {
		wg.Add(1)

		go func(idx int) {
			defer wg.Done()

			img, err := s.generateOne(ctx, req, idx)
			if err != nil {
				log.Printf("❌ [GenImage] Variation %d/%d failed: %v", idx+1, req.Count, err)
				errs[idx] = err
				return
			}

			log.Printf("✅ [GenImage] Variation %d/%d received: %d bytes", idx+1, req.Count, len(img))
			images[idx] = img
		}(i)
	}

	log.Printf("⏳ [GenImage] Waiting for %d parallel call(s)...", req.Count)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("could not generate the themed QR code: %w", err)
		}
	}

	log.Printf("✅ [GenImage] All %d image(s) generated", req.Count)
	return images, nil
}

// generateOne - one fan-out call producing exactly one image
func (s *Service) generateOne(ctx context.Context, req Request, variationIndex int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	prompt := BuildPrompt(req.Theme, req.ExtraPrompt, req.Readability, req.StyleStrength,
		req.Reference != nil, variationIndex, req.Count)

	// parts order: base code, optional reference, then instructions
	parts := []*genai.Part{
		{
			InlineData: &genai.Blob{
				MIMEType: req.BaseImage.MimeType,
				Data:     req.BaseImage.Data,
			},
		},
	}

	if req.Reference != nil {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				MIMEType: req.Reference.MimeType,
				Data:     req.Reference.Data,
			},
		})
	}

	parts = append(parts, genai.NewPartFromText(prompt))

	content := &genai.Content{Parts: parts}

	genConfig := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE"},
		Temperature:        floatPtr(req.Config.Temperature),
		TopP:               floatPtr(req.Config.TopP),
		TopK:               floatPtr(float64(req.Config.TopK)),
		Seed:               req.Config.Seed,
	}

	result, err := gemini.GenerateContentWithRetry(ctx, gemini.KeysFor(req.Credential, s.apiKeys),
		s.model, []*genai.Content{content}, genConfig)
	if err != nil {
		return nil, err
	}

	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}

	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data, nil
			}
		}
	}

	// absence of image data is a hard failure for the call
	return nil, fmt.Errorf("no image data in response")
}

// floatPtr - float64 to *float32
func floatPtr(f float64) *float32 {
	f32 := float32(f)
	return &f32
}
