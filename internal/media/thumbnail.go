// Package media generates thumbnails for cached image assets.
package media

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Defaults.
const (
	DefaultThumbnailWidth = 320
	DefaultJPEGQuality    = 85
)

// Thumbnailer renders JPEG thumbnails bounded by a maximum width.
type Thumbnailer struct {
	width   int
	quality int
}

// NewThumbnailer creates a thumbnailer. A non-positive width uses the default.
func NewThumbnailer(width int) *Thumbnailer {
	if width <= 0 {
		width = DefaultThumbnailWidth
	}
	return &Thumbnailer{width: width, quality: DefaultJPEGQuality}
}

// Supports reports whether assets of contentType can be thumbnailed.
func Supports(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp", "image/tiff":
		return true
	}
	return false
}

// Generate decodes an image and returns a JPEG thumbnail. Images narrower
// than the configured width keep their size. EXIF orientation is applied.
func (t *Thumbnailer) Generate(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	if img.Bounds().Dx() > t.width {
		img = imaging.Resize(img, t.width, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(t.quality)); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

type imageMetadata struct {
	Width  int
	Height int
	Format string
}

// readMetadata returns the dimensions and format of an encoded image.
func readMetadata(data []byte) (*imageMetadata, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	return &imageMetadata{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}
