package derivatives

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	_ "image/gif"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"media-ingest/internal/archive"
	"media-ingest/internal/logging"
)

const defaultQuality = 85

// Processor turns a source image reference into an encoded, downscaled
// derivative. Decoding prefers the libvips fast path for plain files;
// archive entries and vips failures fall back to the pure-Go pipeline.
// Concurrent requests for the same output are collapsed to one generation.
type Processor struct {
	group singleflight.Group
}

func NewProcessor() *Processor {
	return &Processor{}
}

// Produce decodes the source, fits it inside width x height, and encodes
// it in the requested format. The fit is aspect-preserving: the result is
// never stretched and never cropped, only bounded.
func (p *Processor) Produce(fullPath string, width, height int, format string, quality int) ([]byte, error) {
	key := fmt.Sprintf("%s|%dx%d|%s", fullPath, width, height, format)
	out, err, _ := p.group.Do(key, func() (interface{}, error) {
		img, err := p.load(fullPath, width, height)
		if err != nil {
			return nil, err
		}
		fitted := imaging.Fit(img, width, height, imaging.Lanczos)
		return encode(fitted, format, quality)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (p *Processor) load(fullPath string, width, height int) (image.Image, error) {
	// vips shrinks during decode, which matters for multi-megapixel
	// sources, but it only reads from the filesystem.
	if _, _, isEntry := archive.SplitEntryRef(fullPath); !isEntry && IsVipsAvailable() {
		img, err := loadWithVips(fullPath, width, height)
		if err == nil {
			return img, nil
		}
		logging.Debug("vips load failed for %s, falling back: %v", filepath.Base(fullPath), err)
	}

	rc, err := archive.OpenStream(fullPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	img, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", fullPath, err)
	}
	return img, nil
}

func encode(img image.Image, format string, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "", "webp":
		if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
	case "jpg", "jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
	return buf.Bytes(), nil
}

// writeAtomic lands the payload via temp file + rename so readers never
// observe a torn derivative.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
