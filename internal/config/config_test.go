package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchbaselabs/go.assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"MAX_UPLOAD_BYTES", "RASTER_DPI", "CROP_DPI", "OCR_LANGUAGES", "OCR_ENGINE"} {
		t.Setenv(k, "")
	}
	cfg := Load()

	assert.Equals(t, cfg.MaxUploadBytes, int64(10<<20))
	assert.Equals(t, cfg.RasterDPI, 300)
	assert.Equals(t, cfg.CropDPI, 300)
	assert.Equals(t, cfg.PageImageDPI, 150)
	assert.Equals(t, cfg.OCREngine, "tesseract")
	assert.Equals(t, len(cfg.OCRLanguages), 2)
	assert.Equals(t, cfg.PreprocessBlockSize, 31)
	assert.True(t, cfg.Validate() == nil)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RASTER_DPI", "200")
	t.Setenv("OCR_LANGUAGES", "eng+deu")
	t.Setenv("DIRECT_PAGE_IMAGES", "true")
	t.Setenv("EXTRACT_TIMEOUT", "5s")
	t.Setenv("MAX_PAGE_WORKERS", "-1")

	cfg := Load()
	assert.Equals(t, cfg.RasterDPI, 200)
	assert.Equals(t, cfg.OCRLanguages[0], "eng")
	assert.Equals(t, cfg.OCRLanguages[1], "deu")
	assert.True(t, cfg.DirectPageImages)
	assert.Equals(t, cfg.ExtractTimeout, 5*time.Second)
	// invalid values fall back to the default
	assert.Equals(t, cfg.MaxPageWorkers, 8)
}

func TestLoadSignedPreprocessOffsets(t *testing.T) {
	t.Setenv("PREPROCESS_BETA", "-20")
	t.Setenv("PREPROCESS_BIAS", "-3.5")
	t.Setenv("PREPROCESS_ALPHA", "1.5")

	cfg := Load()
	assert.Equals(t, cfg.PreprocessBeta, -20.0)
	assert.Equals(t, cfg.PreprocessBias, -3.5)
	assert.Equals(t, cfg.PreprocessAlpha, 1.5)
	assert.True(t, cfg.Validate() == nil)

	t.Setenv("PREPROCESS_BETA", "dark")
	t.Setenv("PREPROCESS_BIAS", "NaN")
	cfg = Load()
	assert.Equals(t, cfg.PreprocessBeta, 25.0)
	assert.Equals(t, cfg.PreprocessBias, 8.0)

	// a file overlay bypasses the env parsing, so Validate owns the gain check
	cfg.PreprocessAlpha = -1
	assert.True(t, cfg.Validate() != nil)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"short secret", func(c *Config) { c.InternalSharedSecret = "short" }, true},
		{"even block size", func(c *Config) { c.PreprocessBlockSize = 30 }, true},
		{"unknown engine", func(c *Config) { c.OCREngine = "easyocr" }, true},
		{"dpi too low", func(c *Config) { c.CropDPI = 10 }, true},
		{"no languages", func(c *Config) { c.OCRLanguages = nil }, true},
		{"vision engine", func(c *Config) { c.OCREngine = "vision" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pdfx.yaml")
	body := "raster_dpi: 150\nocr_engine: VISION\nocr_languages: [eng]\npreprocess_bias: 4\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	base := Load()
	cfg, err := base.LoadFile(path)
	assert.True(t, err == nil)
	assert.Equals(t, cfg.RasterDPI, 150)
	assert.Equals(t, cfg.OCREngine, "vision")
	assert.Equals(t, len(cfg.OCRLanguages), 1)
	assert.Equals(t, cfg.PreprocessBias, 4.0)
	// untouched keys survive
	assert.Equals(t, cfg.CropDPI, base.CropDPI)

	_, err = base.LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.True(t, err != nil)
}
