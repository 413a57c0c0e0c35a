package derivatives

import (
	"bytes"
	"fmt"
	"image"
	"path/filepath"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/disintegration/imaging"

	"media-ingest/internal/logging"
)

var (
	vipsInitialized bool
	vipsAvailable   bool
	vipsInitMutex   sync.Mutex
)

// InitVips starts libvips with conservative memory settings. Call once at
// startup; derivative generation works without it, just slower on large
// sources.
func InitVips() {
	vipsInitMutex.Lock()
	defer vipsInitMutex.Unlock()

	if vipsInitialized {
		return
	}

	// Route vips logging through the app logger, filtered to the app level.
	debug := logging.IsDebugEnabled()
	vipsLogLevel := vips.LogLevelWarning
	if debug {
		vipsLogLevel = vips.LogLevelInfo
	}
	vips.LoggingSettings(func(domain string, level vips.LogLevel, msg string) {
		switch {
		case level <= vips.LogLevelCritical:
			logging.Error("[%s] %s", domain, msg)
		case level == vips.LogLevelWarning:
			logging.Warn("[%s] %s", domain, msg)
		case debug:
			logging.Debug("[%s] %s", domain, msg)
		}
	}, vipsLogLevel)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: 1,
		MaxCacheMem:      50 * 1024 * 1024,
		MaxCacheSize:     100,
		ReportLeaks:      false,
	})

	vipsInitialized = true
	vipsAvailable = true
	logging.Info("libvips initialized (version: %s)", vips.Version)
}

// ShutdownVips releases libvips resources. vips cannot be restarted within
// the same process.
func ShutdownVips() {
	vipsInitMutex.Lock()
	defer vipsInitMutex.Unlock()

	if vipsInitialized {
		vips.Shutdown()
		vipsInitialized = false
		vipsAvailable = false
		logging.Info("libvips shutdown complete")
	}
}

// IsVipsAvailable reports whether the vips fast path can be used.
func IsVipsAvailable() bool {
	vipsInitMutex.Lock()
	defer vipsInitMutex.Unlock()
	return vipsAvailable
}

// loadWithVips decodes a file with decode-time shrinking toward the target
// size. Much cheaper on memory than a full decode followed by downscaling.
func loadWithVips(path string, targetWidth, targetHeight int) (image.Image, error) {
	if !IsVipsAvailable() {
		return nil, fmt.Errorf("libvips not available")
	}

	ref, err := vips.LoadImageFromFile(path, vips.NewImportParams())
	if err != nil {
		return nil, fmt.Errorf("vips failed to load image: %w", err)
	}
	defer ref.Close()

	if err := ref.Thumbnail(targetWidth, targetHeight, vips.InterestingNone); err != nil {
		return nil, fmt.Errorf("vips resize failed: %w", err)
	}

	imgBytes, _, err := ref.ExportJpeg(&vips.JpegExportParams{
		Quality:        95,
		OptimizeCoding: true,
	})
	if err != nil {
		return nil, fmt.Errorf("vips export failed: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(imgBytes), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode vips output: %w", err)
	}

	logging.Debug("Vips processed %s: final size %dx%d",
		filepath.Base(path), img.Bounds().Dx(), img.Bounds().Dy())
	return img, nil
}
