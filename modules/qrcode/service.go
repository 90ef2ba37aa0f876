package qrcode

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"log"

	"github.com/makiuchi-d/gozxing"
	zxqrcode "github.com/makiuchi-d/gozxing/qrcode"
	"github.com/yeqown/go-qrcode/v2"
	"github.com/yeqown/go-qrcode/writer/standard"

	"qr-themer-server/modules/common/imageutil"
)

// Service - QR codec adapter: deterministic encode at the highest error
// correction tier, best-effort optical decode. The ~30% module damage headroom
// of level H is what makes the artistic restyling downstream survivable.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// nopWriteCloser - the standard writer wants an io.WriteCloser
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// Encode - URL text to a PNG base code. Highest error correction, one-module
// quiet zone, plain black on white so the generation model gets a clean
// structural reference.
func (s *Service) Encode(text string) ([]byte, error) {
	qrc, err := qrcode.NewWith(text, qrcode.WithErrorCorrectionLevel(qrcode.ErrorCorrectionHighest))
	if err != nil {
		return nil, fmt.Errorf("failed to build QR matrix: %w", err)
	}

	var buf bytes.Buffer
	w := standard.NewWithWriter(nopWriteCloser{&buf},
		standard.WithQRWidth(12),
		standard.WithBorderWidth(12),
		standard.WithBuiltinImageEncoder(standard.PNG_FORMAT),
	)

	if err := qrc.Save(w); err != nil {
		return nil, fmt.Errorf("failed to render QR image: %w", err)
	}

	log.Printf("✅ Base QR encoded: %d bytes for %q", buf.Len(), text)
	return buf.Bytes(), nil
}

// Decode - best-effort optical read of PNG/JPEG/WebP bytes. ok=false means
// "no code found", not an error.
func (s *Service) Decode(data []byte) (string, bool) {
	img, err := imageutil.DecodeAny(data)
	if err != nil {
		log.Printf("⚠️  Decode skipped, not a readable image: %v", err)
		return "", false
	}
	return s.DecodeImage(img)
}

// DecodeImage - optical read of an already-decoded image
func (s *Service) DecodeImage(img image.Image) (string, bool) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		log.Printf("⚠️  Failed to build binary bitmap: %v", err)
		return "", false
	}

	reader := zxqrcode.NewQRCodeReader()
	result, err := reader.Decode(bmp, nil)
	if err != nil {
		// NotFound / Checksum / Format all mean the same thing here
		return "", false
	}

	return result.GetText(), true
}
