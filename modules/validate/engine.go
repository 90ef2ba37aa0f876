package validate

import (
	"image"
	"log"

	"qr-themer-server/modules/common/imageutil"
	"qr-themer-server/modules/common/model"
)

// Decoder - the optical read side of the QR codec adapter
type Decoder interface {
	DecodeImage(img image.Image) (payload string, ok bool)
}

// Engine - two-pass scan classifier. Deterministic, no network, never errors:
// an image that cannot even be parsed is simply invalid.
type Engine struct {
	decoder Decoder
}

func NewEngine(decoder Decoder) *Engine {
	return &Engine{decoder: decoder}
}

// Validate - classify one candidate image.
// Pass 1 scans the image as produced. Pass 2 rescans after a luminance
// midpoint black/white cut, which recovers codes whose module colors defeat a
// naive decoder while the structural contrast is still intact - the same trick
// a phone camera's contrast normalization performs.
func (e *Engine) Validate(imageData []byte) model.ValidationResult {
	img, err := imageutil.DecodeAny(imageData)
	if err != nil {
		log.Printf("⚠️  [Validate] Image unreadable, marking invalid: %v", err)
		return model.ValidationResult{Status: model.ValidationInvalid}
	}

	// pass 1: scan the original, colored image
	if payload, ok := e.decoder.DecodeImage(img); ok {
		log.Printf("✅ [Validate] Pass 1 decoded: %q", payload)
		return model.ValidationResult{Status: model.ValidationValid, Payload: &payload}
	}

	// pass 2: high-contrast repair, then rescan
	log.Printf("🔄 [Validate] Pass 1 found no code, applying threshold repair")
	thresholded := imageutil.Threshold(img)

	if payload, ok := e.decoder.DecodeImage(thresholded); ok {
		log.Printf("✅ [Validate] Pass 2 decoded after repair: %q", payload)
		return model.ValidationResult{Status: model.ValidationValid, Payload: &payload}
	}

	log.Printf("❌ [Validate] Both passes failed, candidate is not scannable")
	return model.ValidationResult{Status: model.ValidationInvalid}
}
