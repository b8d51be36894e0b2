// Package media provides photo metadata extraction for the capture path.
package media

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
)

// Meta holds the capture metadata recorded on a queued photo. These
// fields are immutable once the photo is enqueued.
type Meta struct {
	FileName string
	FileSize int64
	MimeType string
	Width    int
	Height   int
}

// Extract sniffs the MIME type and decodes image dimensions from raw
// photo bytes. Non-image files are rejected before they reach the queue.
func Extract(data []byte, fileName string) (*Meta, error) {
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, apperrors.New(apperrors.ErrMediaUnsupported,
			"not an image: "+mt.String())
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMediaDecode, "decode image config", err)
	}

	return &Meta{
		FileName: fileName,
		FileSize: int64(len(data)),
		MimeType: mt.String(),
		Width:    cfg.Width,
		Height:   cfg.Height,
	}, nil
}

// Thumbnail produces a JPEG thumbnail bounded by maxDim on the longer
// side, preserving aspect ratio. Used by the UI list while the full
// photo still sits in the upload queue.
func Thumbnail(data []byte, maxDim int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMediaDecode, "decode image", err)
	}

	thumb := imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMediaDecode, "encode thumbnail", err)
	}
	return buf.Bytes(), nil
}
