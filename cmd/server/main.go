package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/toricodesthings/pdf-extraction-pipeline/internal/config"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/extractor"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/logging"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/metrics"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/ocr"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/pipeline"
)

func main() {
	// .env is optional; real deployments set the environment directly
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("component", logging.ComponentHTTP).Err(err).Msg(".env could not be read")
	}

	cfg := config.Load()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = cfg.LoadFile(path); err != nil {
			log.Fatal().Str("component", logging.ComponentHTTP).Err(err).Msg("config file")
		}
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Str("component", logging.ComponentHTTP).Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	// the recognizer and its models live for the whole process
	recognizer, err := ocr.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Str("component", logging.ComponentHTTP).Err(err).Msg("OCR engine could not be loaded")
	}
	defer recognizer.Close()

	raster := extractor.NewPoppler(cfg.PdftoppmPath, cfg.PopplerTimeout)
	proc := pipeline.New(pipeline.OptionsFrom(cfg), pipeline.ParsePDF, raster, recognizer, pipeline.WithMetrics(rec))

	s := newServer(cfg, proc, recognizer.Name(), rec, reg)

	maxHeaderBytes := 1 << 20
	if cfg.MaxHeaderBytes > 0 {
		maxHeaderBytes = cfg.MaxHeaderBytes
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	if cfg.InternalSharedSecret == "" {
		log.Warn().Str("component", logging.ComponentHTTP).Msg("INTERNAL_SHARED_SECRET not set, endpoints are unauthenticated")
	}

	go s.cleanupRateLimiters(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Str("component", logging.ComponentHTTP).Err(err).Msg("shutdown")
		}
	}()

	log.Info().
		Str("component", logging.ComponentHTTP).
		Str("addr", srv.Addr).
		Str("ocr_engine", recognizer.Name()).
		Int64("max_concurrent", cfg.MaxConcurrentRequests).
		Int64("max_ocr", cfg.MaxOCRConcurrent).
		Msg("pdfx listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Str("component", logging.ComponentHTTP).Err(err).Msg("server")
	}
	log.Info().Str("component", logging.ComponentHTTP).Msg("shutdown complete")
}
