package theme

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"google.golang.org/genai"

	"qr-themer-server/modules/common/config"
	"qr-themer-server/modules/common/gemini"
)

// inferTimeout - a hung theme call must not stall the single-flight queue
const inferTimeout = 60 * time.Second

// Service - theme inference client: URL in, style paragraph out
type Service struct {
	apiKeys []string
	model   string
}

func NewService() *Service {
	cfg := config.GetConfig()
	return &Service{
		apiKeys: cfg.GeminiAPIKeys,
		model:   cfg.GeminiTextModel,
	}
}

// buildPrompt - ask the model to act as a designer describing the site's branding
func buildPrompt(url string) string {
	return fmt.Sprintf(`Analyze the branding and visual identity of the website at the URL: %s.
Based on its likely design, describe its visual theme in a concise paragraph.
Focus on:
- Color Palette (mention 3-4 key colors)
- Overall Style (e.g., minimalist, corporate, playful, futuristic, retro, artistic)
- Key visual elements or feelings it evokes (e.g., professionalism, creativity, nature, technology).
This description will be used to inspire an artistic QR code design.`, url)
}

// InferTheme - describe the website's visual theme. The credential, when
// present, is preferred over the shared site keys. Any transport or model
// failure surfaces as a single generic error: theme is mandatory and the
// caller fails the whole job on it.
func (s *Service) InferTheme(ctx context.Context, url string, credential string) (string, error) {
	log.Printf("🎨 [Theme] Inferring theme for: %s", url)

	ctx, cancel := context.WithTimeout(ctx, inferTimeout)
	defer cancel()

	content := &genai.Content{
		Parts: []*genai.Part{
			genai.NewPartFromText(buildPrompt(url)),
		},
	}

	result, err := gemini.GenerateContentWithRetry(ctx, gemini.KeysFor(credential, s.apiKeys), s.model, []*genai.Content{content}, nil)
	if err != nil {
		log.Printf("❌ [Theme] Inference failed: %v", err)
		return "", fmt.Errorf("could not analyze website theme, the model may be unavailable")
	}

	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text := strings.TrimSpace(part.Text); text != "" {
				log.Printf("✅ [Theme] Theme inferred (%d chars)", len(text))
				return text, nil
			}
		}
	}

	log.Printf("❌ [Theme] Empty response from model")
	return "", fmt.Errorf("could not analyze website theme, the model may be unavailable")
}
