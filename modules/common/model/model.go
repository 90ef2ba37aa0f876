package model

import "time"

// ImageBlob - raw image bytes plus the mime type the generation API expects
type ImageBlob struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
}

// GenerationConfig - advanced generation settings, passed by value per request.
// A nil Seed means "pick a new random seed per request".
type GenerationConfig struct {
	Seed        *int32  `json:"seed,omitempty"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int32   `json:"top_k"`
}

// DefaultGenerationConfig - startup defaults, mirrors the settings drawer defaults
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Seed:        nil, // random seed per generation
		Temperature: 0.4,
		TopP:        1,
		TopK:        32,
	}
}

// Validation statuses. A result is created pending and transitions exactly once.
const (
	ValidationPending = "pending"
	ValidationValid   = "valid"
	ValidationInvalid = "invalid"
)

// ValidationResult - outcome of the two-pass optical scan for one candidate image
type ValidationResult struct {
	Status  string  `json:"status"`
	Payload *string `json:"payload"` // decoded text, nil unless Status is valid
}

// PendingResult - the placeholder every candidate starts from
func PendingResult() ValidationResult {
	return ValidationResult{Status: ValidationPending, Payload: nil}
}

// GenerationRecord - one completed pipeline run, as kept in history
type GenerationRecord struct {
	ID          string      `json:"id"`
	Images      []ImageBlob `json:"images"`
	SourceURL   string      `json:"source_url"`
	ExtraPrompt string      `json:"extra_prompt"`
	CreatedAt   time.Time   `json:"created_at"`
}

// PipelineJob - transient descriptor for one queued submission
type PipelineJob struct {
	SourceURL      string
	RequestedCount int
	Config         GenerationConfig
	ExtraPrompt    string
	Readability    float64
	StyleStrength  float64
	Credential     string
	Reference      *ImageBlob
	IsRegeneration bool
	TargetIndex    int
}

// Pipeline states
const (
	StateIdle              = "idle"
	StateAcquiringBaseCode = "acquiring_base_code"
	StateInferringTheme    = "inferring_theme"
	StateGenerating        = "generating"
	StateValidating        = "validating"
	StateSuccess           = "success"
	StateError             = "error"
)
