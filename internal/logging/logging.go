// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component names carried in the "component" field of every event.
const (
	ComponentPipeline  = "PIPELINE"
	ComponentCrop      = "CROP"
	ComponentRaster    = "RASTER"
	ComponentTesseract = "OCR_TESSERACT"
	ComponentVision    = "OCR_VISION"
	ComponentHTTP      = "HTTP"
	ComponentCLI       = "CLI"
)

// Setup installs the global logger. Unknown levels fall back to info.
func Setup(level string, pretty bool) {
	SetupWriter(os.Stdout, level, pretty)
}

func SetupWriter(w io.Writer, level string, pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.StampMilli}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// For returns a child of the global logger tagged with component and, when
// non-empty, the request id.
func For(component, requestID string) zerolog.Logger {
	ctx := log.Logger.With().Str("component", component)
	if requestID != "" {
		ctx = ctx.Str("request_id", requestID)
	}
	return ctx.Logger()
}
