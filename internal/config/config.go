package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	// Server
	Port string `yaml:"port"`

	// Secrets
	InternalSharedSecret  string `yaml:"-"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	// Limits
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// Concurrency
	MaxConcurrentRequests int64 `yaml:"max_concurrent_requests"`
	MaxOCRConcurrent      int64 `yaml:"max_ocr_concurrent"`
	MaxPageWorkers        int   `yaml:"max_page_workers"` // per-document page workers cap

	// Server timeouts
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`

	// Request timeouts
	ExtractTimeout    time.Duration `yaml:"extract_timeout"`
	ExtractOCRTimeout time.Duration `yaml:"extract_ocr_timeout"`

	// Poppler
	PopplerTimeout time.Duration `yaml:"poppler_timeout"`
	PdftoppmPath   string        `yaml:"pdftoppm_path"`

	// Resolutions
	RasterDPI        int  `yaml:"raster_dpi"`
	CropDPI          int  `yaml:"crop_dpi"`
	PageImageDPI     int  `yaml:"page_image_dpi"`
	DirectPageImages bool `yaml:"direct_page_images"`

	// Recognition
	OCREngine      string   `yaml:"ocr_engine"` // "tesseract" | "vision"
	OCRLanguages   []string `yaml:"ocr_languages"`
	TessdataPrefix string   `yaml:"tessdata_prefix"`

	// Preprocessor
	PreprocessUpscale   float64 `yaml:"preprocess_upscale"`
	PreprocessAlpha     float64 `yaml:"preprocess_alpha"`
	PreprocessBeta      float64 `yaml:"preprocess_beta"`
	PreprocessBlockSize int     `yaml:"preprocess_block_size"`
	PreprocessBias      float64 `yaml:"preprocess_bias"`

	// Text-layer diagnostics
	MinWordsThreshold int `yaml:"min_words_threshold"`

	// rate limiting (per IP)
	RateLimitEvery time.Duration `yaml:"rate_limit_every"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`

	// housekeeping
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// health
	HealthDegradeRatio float64 `yaml:"health_degrade_ratio"`

	// http
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// logging
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
}

func Load() Config {
	return Config{
		Port: envStr("PORT", "8080"),

		InternalSharedSecret:  envStr("INTERNAL_SHARED_SECRET", ""),
		GoogleCredentialsFile: envStr("GOOGLE_APPLICATION_CREDENTIALS", ""),

		MaxUploadBytes: int64(envInt("MAX_UPLOAD_BYTES", 10<<20)),

		MaxConcurrentRequests: int64(envInt("MAX_CONCURRENT_REQUESTS", 15)),
		MaxOCRConcurrent:      int64(envInt("MAX_OCR_CONCURRENT", 3)),
		MaxPageWorkers:        envInt("MAX_PAGE_WORKERS", 8),

		ReadHeaderTimeout: envDur("READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:       envDur("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      envDur("WRITE_TIMEOUT", 300*time.Second),
		IdleTimeout:       envDur("IDLE_TIMEOUT", 60*time.Second),

		ExtractTimeout:    envDur("EXTRACT_TIMEOUT", 120*time.Second),
		ExtractOCRTimeout: envDur("EXTRACT_OCR_TIMEOUT", 280*time.Second),

		PopplerTimeout: envDur("POPPLER_TIMEOUT", 60*time.Second),
		PdftoppmPath:   envStr("PDFTOPPM_PATH", "pdftoppm"),

		RasterDPI:        envInt("RASTER_DPI", 300),
		CropDPI:          envInt("CROP_DPI", 300),
		PageImageDPI:     envInt("PAGE_IMAGE_DPI", 150),
		DirectPageImages: envBool("DIRECT_PAGE_IMAGES", false),

		OCREngine:      strings.ToLower(envStr("OCR_ENGINE", "tesseract")),
		OCRLanguages:   envList("OCR_LANGUAGES", []string{"ben", "eng"}),
		TessdataPrefix: envStr("TESSDATA_PREFIX", ""),

		PreprocessUpscale:   envFloat("PREPROCESS_UPSCALE", 2.0),
		PreprocessAlpha:     envFloat("PREPROCESS_ALPHA", 2.0),
		PreprocessBeta:      envSignedFloat("PREPROCESS_BETA", 25),
		PreprocessBlockSize: envInt("PREPROCESS_BLOCK_SIZE", 31),
		PreprocessBias:      envSignedFloat("PREPROCESS_BIAS", 8),

		MinWordsThreshold: envInt("MIN_WORDS_THRESHOLD", 10),

		RateLimitEvery: envDur("RATE_LIMIT_EVERY", 600*time.Millisecond),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 20),

		CleanupInterval: envDur("CLEANUP_INTERVAL", 5*time.Minute),

		HealthDegradeRatio: envFloat("HEALTH_DEGRADE_RATIO", 0.9),

		MaxHeaderBytes: envInt("MAX_HEADER_BYTES", 1<<20),

		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogPretty: envBool("LOG_PRETTY", false),
	}
}

// LoadFile overlays the YAML document at path onto c. Keys absent from the
// file keep their current values.
func (c Config) LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.OCREngine = strings.ToLower(strings.TrimSpace(c.OCREngine))
	return c, nil
}

func (c Config) Validate() error {
	if s := strings.TrimSpace(c.InternalSharedSecret); s != "" && len(s) < 32 {
		return fmt.Errorf("INTERNAL_SHARED_SECRET must be at least 32 characters when set")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	for name, dpi := range map[string]int{"RASTER_DPI": c.RasterDPI, "CROP_DPI": c.CropDPI, "PAGE_IMAGE_DPI": c.PageImageDPI} {
		if dpi < 36 || dpi > 1200 {
			return fmt.Errorf("%s must be between 36 and 1200, got %d", name, dpi)
		}
	}
	switch c.OCREngine {
	case "tesseract", "vision":
	default:
		return fmt.Errorf("OCR_ENGINE must be tesseract or vision, got %q", c.OCREngine)
	}
	if len(c.OCRLanguages) == 0 {
		return fmt.Errorf("OCR_LANGUAGES must name at least one language")
	}
	if c.PreprocessUpscale <= 0 {
		return fmt.Errorf("PREPROCESS_UPSCALE must be positive")
	}
	if c.PreprocessAlpha < 0 {
		return fmt.Errorf("PREPROCESS_ALPHA must be >= 0, got %v", c.PreprocessAlpha)
	}
	if c.PreprocessBlockSize < 3 || c.PreprocessBlockSize%2 == 0 {
		return fmt.Errorf("PREPROCESS_BLOCK_SIZE must be odd and >= 3, got %d", c.PreprocessBlockSize)
	}
	if c.MaxPageWorkers < 1 {
		return fmt.Errorf("MAX_PAGE_WORKERS must be positive")
	}
	return nil
}

func envStr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return fallback
	}
	return f
}

// envSignedFloat is envFloat for offsets, where negative values are valid.
func envSignedFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fallback
	}
	return f
}

func envDur(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envList reads a comma or plus separated list ("ben,eng" or "ben+eng").
func envList(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '+' || r == ' ' })
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
