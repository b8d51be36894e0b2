// Package media tests for photo metadata extraction.
package media

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
)

// pngBytes renders a solid-color PNG of the given size.
func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 120, B: 40, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode failed: %v", err)
	}
	return buf.Bytes()
}

// TestExtract verifies MIME sniffing and dimension decoding.
func TestExtract(t *testing.T) {
	data := pngBytes(t, 320, 240)

	meta, err := Extract(data, "site.png")
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}

	if meta.MimeType != "image/png" {
		t.Errorf("MimeType = %q, want image/png", meta.MimeType)
	}
	if meta.Width != 320 || meta.Height != 240 {
		t.Errorf("dimensions = %dx%d, want 320x240", meta.Width, meta.Height)
	}
	if meta.FileSize != int64(len(data)) {
		t.Errorf("FileSize = %d, want %d", meta.FileSize, len(data))
	}
	if meta.FileName != "site.png" {
		t.Errorf("FileName = %q, want site.png", meta.FileName)
	}
}

// TestExtract_NotAnImage verifies non-image payloads are rejected.
func TestExtract_NotAnImage(t *testing.T) {
	_, err := Extract([]byte("incident narrative, plain text"), "notes.txt")
	if !apperrors.Is(err, apperrors.ErrMediaUnsupported) {
		t.Errorf("error = %v, want MEDIA_UNSUPPORTED", err)
	}
}

// TestExtract_Corrupt verifies a truncated image fails to decode.
func TestExtract_Corrupt(t *testing.T) {
	data := pngBytes(t, 16, 16)
	// Keep the PNG magic so MIME sniffing passes, then truncate
	_, err := Extract(data[:12], "broken.png")
	if !apperrors.Is(err, apperrors.ErrMediaDecode) {
		t.Errorf("error = %v, want MEDIA_DECODE_FAILED", err)
	}
}

// TestThumbnail verifies the bound on the longer side.
func TestThumbnail(t *testing.T) {
	data := pngBytes(t, 400, 200)

	thumb, err := Thumbnail(data, 100)
	if err != nil {
		t.Fatalf("Thumbnail() failed: %v", err)
	}

	meta, err := Extract(thumb, "thumb.jpg")
	if err != nil {
		t.Fatalf("Extract(thumbnail) failed: %v", err)
	}
	if meta.MimeType != "image/jpeg" {
		t.Errorf("thumbnail MimeType = %q, want image/jpeg", meta.MimeType)
	}
	if meta.Width > 100 || meta.Height > 100 {
		t.Errorf("thumbnail = %dx%d, want bounded by 100", meta.Width, meta.Height)
	}
	// Aspect ratio preserved: 2:1
	if meta.Width != 100 || meta.Height != 50 {
		t.Errorf("thumbnail = %dx%d, want 100x50", meta.Width, meta.Height)
	}
}
