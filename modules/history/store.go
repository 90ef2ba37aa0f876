package history

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"qr-themer-server/modules/common/imageutil"
	"qr-themer-server/modules/common/model"
)

// webpQuality - lossy quality for recompressed history images
const webpQuality = 80

// storedImage - one image inside the JSON images column
type storedImage struct {
	Data     string `json:"data"` // base64
	MimeType string `json:"mime_type"`
}

// Store - local record of completed batches, newest first, capped in size.
// Only fully successful batches are appended; failed runs leave no trace here.
type Store struct {
	db    *sql.DB
	limit int
}

// NewStore - opens (or creates) the sqlite database at path
func NewStore(path string, limit int) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS generations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT NOT NULL,
		source_url TEXT NOT NULL,
		extra_prompt TEXT NOT NULL DEFAULT '',
		images TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history table: %w", err)
	}

	log.Printf("📦 [History] Store ready at %s (cap %d)", path, limit)
	return &Store{db: db, limit: limit}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append - record a completed batch, evicting the oldest entries past the cap.
// Images are recompressed to WebP for storage; originals are kept when the
// conversion is not possible.
func (s *Store) Append(record model.GenerationRecord) error {
	stored := make([]storedImage, 0, len(record.Images))
	for _, img := range record.Images {
		data, mime := img.Data, img.MimeType
		if webp, err := imageutil.ConvertPNGToWebP(img.Data, webpQuality); err == nil {
			data, mime = webp, "image/webp"
		}
		stored = append(stored, storedImage{
			Data:     base64.StdEncoding.EncodeToString(data),
			MimeType: mime,
		})
	}

	imagesJSON, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal history images: %w", err)
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.Exec(
		`INSERT INTO generations (record_id, source_url, extra_prompt, images, created_at) VALUES (?, ?, ?, ?, ?)`,
		record.ID, record.SourceURL, record.ExtraPrompt, string(imagesJSON), createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}

	// evict beyond the cap, oldest first
	_, err = s.db.Exec(
		`DELETE FROM generations WHERE id NOT IN (SELECT id FROM generations ORDER BY id DESC LIMIT ?)`,
		s.limit,
	)
	if err != nil {
		return fmt.Errorf("failed to trim history: %w", err)
	}

	log.Printf("📦 [History] Recorded batch %s (%d images) for %s", record.ID, len(record.Images), record.SourceURL)
	return nil
}

// List - all records, newest first
func (s *Store) List() ([]model.GenerationRecord, error) {
	rows, err := s.db.Query(
		`SELECT record_id, source_url, extra_prompt, images, created_at FROM generations ORDER BY id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []model.GenerationRecord
	for rows.Next() {
		var rec model.GenerationRecord
		var imagesJSON string
		if err := rows.Scan(&rec.ID, &rec.SourceURL, &rec.ExtraPrompt, &imagesJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}

		var stored []storedImage
		if err := json.Unmarshal([]byte(imagesJSON), &stored); err != nil {
			log.Printf("⚠️  [History] Skipping record %s with corrupt images: %v", rec.ID, err)
			continue
		}
		for _, img := range stored {
			data, err := base64.StdEncoding.DecodeString(img.Data)
			if err != nil {
				continue
			}
			rec.Images = append(rec.Images, model.ImageBlob{Data: data, MimeType: img.MimeType})
		}

		records = append(records, rec)
	}
	return records, rows.Err()
}

// PatchLatestImage - replace one image slot in the newest record, but only
// when that record belongs to sourceURL. Used after a single-slot regeneration
// so history reflects what the user actually kept.
func (s *Store) PatchLatestImage(sourceURL string, index int, img model.ImageBlob) error {
	row := s.db.QueryRow(
		`SELECT id, source_url, images FROM generations ORDER BY id DESC LIMIT 1`,
	)

	var id int64
	var storedURL, imagesJSON string
	if err := row.Scan(&id, &storedURL, &imagesJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("failed to read latest history record: %w", err)
	}

	if storedURL != sourceURL {
		log.Printf("🔍 [History] Latest record is for %s, not %s, leaving it alone", storedURL, sourceURL)
		return nil
	}

	var stored []storedImage
	if err := json.Unmarshal([]byte(imagesJSON), &stored); err != nil {
		return fmt.Errorf("failed to parse latest history images: %w", err)
	}
	if index < 0 || index >= len(stored) {
		return fmt.Errorf("history patch index %d out of range (%d images)", index, len(stored))
	}

	data, mime := img.Data, img.MimeType
	if webp, err := imageutil.ConvertPNGToWebP(img.Data, webpQuality); err == nil {
		data, mime = webp, "image/webp"
	}
	stored[index] = storedImage{
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mime,
	}

	updated, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal patched images: %w", err)
	}

	if _, err := s.db.Exec(`UPDATE generations SET images = ? WHERE id = ?`, string(updated), id); err != nil {
		return fmt.Errorf("failed to patch history record: %w", err)
	}

	log.Printf("📦 [History] Patched image %d of latest record for %s", index, sourceURL)
	return nil
}

// Clear - wipe all records
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM generations`); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	log.Printf("📦 [History] Cleared")
	return nil
}
