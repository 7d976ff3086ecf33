package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/toricodesthings/pdf-extraction-pipeline/internal/config"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/logging"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/metrics"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/pipeline"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/types"
)

const version = "1.0.0"

// multipartSlack is extra body allowance for boundaries and part headers on
// top of the document limit.
const multipartSlack = 64 << 10

type ctxKey int

const requestIDKey ctxKey = 0

type server struct {
	cfg        config.Config
	proc       *pipeline.Processor
	engine     string
	metrics    *metrics.Recorder
	gatherer   prometheus.Gatherer
	requestSem *semaphore.Weighted
	ocrSem     *semaphore.Weighted

	// Per-IP rate limiters
	limiters atomic.Pointer[sync.Map]

	active atomic.Int64
	total  atomic.Int64
}

func newServer(cfg config.Config, proc *pipeline.Processor, engine string, rec *metrics.Recorder, gatherer prometheus.Gatherer) *server {
	s := &server{
		cfg:        cfg,
		proc:       proc,
		engine:     engine,
		metrics:    rec,
		gatherer:   gatherer,
		requestSem: semaphore.NewWeighted(max(1, cfg.MaxConcurrentRequests)),
		ocrSem:     semaphore.NewWeighted(max(1, cfg.MaxOCRConcurrent)),
	}
	s.limiters.Store(&sync.Map{})
	return s
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("/metrics", s.withInternalAuth(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	}

	mux.Handle("/extract", s.metrics.Instrument("extract",
		s.withInternalAuth(
			s.withRateLimit(
				withMethod("POST",
					s.withConcurrencyLimit(s.handleExtract))))))

	mux.Handle("/extract_ocr", s.metrics.Instrument("extract_ocr",
		s.withInternalAuth(
			s.withRateLimit(
				withMethod("POST",
					s.withConcurrencyLimit(s.handleExtractOCR))))))

	return withRequestID(withLogging(withRecovery(mux)))
}

// cleanupRateLimiters drops every per-IP limiter on each tick and logs a
// short stats line.
func (s *server) cleanupRateLimiters(ctx context.Context) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info().
				Str("component", logging.ComponentHTTP).
				Int64("active", s.active.Load()).
				Int64("total", s.total.Load()).
				Msg("stats")
			s.limiters.Store(&sync.Map{})
		}
	}
}

// ---------- Handlers ----------

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := s.active.Load()
	status := "ok"
	code := http.StatusOK

	ratio := s.cfg.HealthDegradeRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.9
	}

	if s.cfg.MaxConcurrentRequests > 0 && active >= int64(float64(s.cfg.MaxConcurrentRequests)*ratio) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, types.HealthResponse{
		Status:    status,
		Active:    active,
		Capacity:  s.cfg.MaxConcurrentRequests,
		OCREngine: s.engine,
		Version:   version,
	})
}

func (s *server) handleExtract(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ExtractTimeout)
	defer cancel()

	res, err := s.proc.ExtractDirect(ctx, doc)
	if err != nil {
		writeExtractionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleExtractOCR(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	// cheap rejections before waiting for OCR capacity
	if err := s.proc.Validate(doc); err != nil {
		s.metrics.Rejected(string(err.(*pipeline.ExtractionError).Code))
		writeExtractionErr(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ExtractOCRTimeout)
	defer cancel()

	if err := s.ocrSem.Acquire(ctx, 1); err != nil {
		writeErr(w, http.StatusServiceUnavailable, "ocr_capacity", "OCR at capacity")
		return
	}
	defer s.ocrSem.Release(1)

	res, err := s.proc.ExtractOCR(ctx, doc)
	if err != nil {
		writeExtractionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// readUpload streams the "file" part of a multipart/form-data body. At most
// MaxUploadBytes+1 bytes are kept, which is enough for the processor to
// reject an oversized document without buffering all of it.
func (s *server) readUpload(w http.ResponseWriter, r *http.Request) (pipeline.Document, bool) {
	doc := pipeline.Document{RequestID: requestID(r.Context())}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" || params["boundary"] == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "expected multipart/form-data with a file field")
		return doc, false
	}

	limit := s.proc.MaxUploadBytes()
	// the document limit is enforced below; this only bounds total body size
	body := http.MaxBytesReader(w, r.Body, 4*limit+multipartSlack)
	mr := multipart.NewReader(body, params["boundary"])

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeErr(w, http.StatusBadRequest, "bad_request", "missing file field")
			return doc, false
		}
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeErr(w, http.StatusRequestEntityTooLarge, string(pipeline.ErrPayloadTooLarge), "request body too large")
				return doc, false
			}
			writeErr(w, http.StatusBadRequest, "bad_request", sanitizeError(err))
			return doc, false
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		// the name alone decides the type; reject before buffering the body
		if name := part.FileName(); !strings.EqualFold(filepath.Ext(name), ".pdf") {
			part.Close()
			s.metrics.Rejected(string(pipeline.ErrUnsupportedFileType))
			writeExtractionErr(w, pipeline.NewUnsupportedFileTypeError(name))
			return doc, false
		}

		data, err := io.ReadAll(io.LimitReader(part, limit+1))
		part.Close()
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeErr(w, http.StatusRequestEntityTooLarge, string(pipeline.ErrPayloadTooLarge), "request body too large")
				return doc, false
			}
			writeErr(w, http.StatusBadRequest, "bad_request", sanitizeError(err))
			return doc, false
		}
		doc.FileName = part.FileName()
		doc.Data = data
		return doc, true
	}
}

// ---------- Middleware ----------

func withMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method must be "+method)
			return
		}
		next(w, r)
	}
}

// withInternalAuth is a no-op when no shared secret is configured.
func (s *server) withInternalAuth(next http.HandlerFunc) http.HandlerFunc {
	shared := strings.TrimSpace(s.cfg.InternalSharedSecret)
	if shared == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Internal-Auth")
		if subtle.ConstantTimeCompare([]byte(got), []byte(shared)) != 1 {
			writeErr(w, http.StatusUnauthorized, "unauthorized", "Invalid authentication")
			return
		}
		next(w, r)
	}
}

func (s *server) withConcurrencyLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.requestSem.Acquire(r.Context(), 1); err != nil {
			writeErr(w, http.StatusServiceUnavailable, "capacity", "Service at capacity")
			return
		}
		defer s.requestSem.Release(1)

		s.active.Add(1)
		s.total.Add(1)
		defer s.active.Add(-1)

		next(w, r)
	}
}

func (s *server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limiter := s.rateLimiter(getClientIP(r))

		if !limiter.Allow() {
			w.Header().Set("Retry-After", "60")
			writeErr(w, http.StatusTooManyRequests, "rate_limit", "Rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				l := logging.For(logging.ComponentHTTP, requestID(r.Context()))
				l.Error().Interface("panic", err).Str("path", sanitizeLogString(r.URL.Path)).Msg("handler panicked")
				writeErr(w, http.StatusInternalServerError, "internal_error", "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &wrapWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		l := logging.For(logging.ComponentHTTP, requestID(r.Context()))
		l.Info().
			Str("method", r.Method).
			Str("path", sanitizeLogString(r.URL.Path)).
			Int("status", ww.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

// withRequestID keeps a caller-supplied X-Request-ID when it is a UUID and
// mints a new one otherwise.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type wrapWriter struct {
	http.ResponseWriter
	status int
}

func (w *wrapWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ---------- Helpers ----------

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *server) rateLimiter(ip string) *rate.Limiter {
	limiters := s.limiters.Load()
	if v, ok := limiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}

	every := s.cfg.RateLimitEvery
	if every <= 0 {
		every = 600 * time.Millisecond // ~100/min
	}
	burst := s.cfg.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}

	v, _ := limiters.LoadOrStore(ip, rate.NewLimiter(rate.Every(every), burst))
	return v.(*rate.Limiter)
}

func getClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if idx := strings.Index(ip, ","); idx > 0 {
			return strings.TrimSpace(ip[:idx])
		}
		return strings.TrimSpace(ip)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = strings.ReplaceAll(msg, os.TempDir(), "[tmp]")
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}

func sanitizeLogString(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, types.ErrorResponse{
		Success: false,
		Error:   message,
		Code:    code,
	})
}

func writeExtractionErr(w http.ResponseWriter, err error) {
	var xerr *pipeline.ExtractionError
	if !errors.As(err, &xerr) {
		writeErr(w, http.StatusInternalServerError, string(pipeline.ErrInternal), sanitizeError(err))
		return
	}
	msg := xerr.Message
	if xerr.Cause != nil && xerr.Code != pipeline.ErrProcessingTimeout {
		msg = fmt.Sprintf("%s: %s", msg, sanitizeError(xerr.Cause))
	}
	writeErr(w, xerr.HTTPStatus(), string(xerr.Code), msg)
}
