package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/couchbaselabs/go.assert"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/toricodesthings/pdf-extraction-pipeline/internal/config"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/metrics"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/ocr"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/pipeline"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/testpdf"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/types"
)

type stubRaster struct{}

func (stubRaster) Rasterize(ctx context.Context, path string, dpi int) ([]image.Image, error) {
	// one page is all the tests upload to the OCR endpoint
	return []image.Image{image.NewGray(image.Rect(0, 0, 40, 20))}, nil
}

func (stubRaster) RenderPage(ctx context.Context, path string, page, dpi int) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 612*dpi/72, 792*dpi/72)), nil
}

func (stubRaster) PageText(ctx context.Context, path string, page int) (string, error) {
	return "", nil
}

type stubRecognizer struct{}

func (stubRecognizer) Recognize(ctx context.Context, img image.Image) (ocr.Recognition, error) {
	return ocr.Recognition{Lines: []ocr.Line{{Text: "recognized", Confidence: 0.9}}}, nil
}

func (stubRecognizer) Name() string { return "stub" }
func (stubRecognizer) Close() error { return nil }

func testConfig() config.Config {
	return config.Config{
		MaxUploadBytes:        1 << 20,
		MaxConcurrentRequests: 4,
		MaxOCRConcurrent:      1,
		MaxPageWorkers:        2,
		ExtractTimeout:        10 * time.Second,
		ExtractOCRTimeout:     10 * time.Second,
		RasterDPI:             72,
		CropDPI:               72,
		PageImageDPI:          36,
		HealthDegradeRatio:    0.9,
		RateLimitEvery:        time.Millisecond,
		RateLimitBurst:        1000,
		MinWordsThreshold:     1,
	}
}

func newTestHandler(t *testing.T, cfg config.Config, reg *prometheus.Registry) http.Handler {
	t.Helper()
	var rec *metrics.Recorder
	var gatherer prometheus.Gatherer
	if reg != nil {
		rec = metrics.New(reg)
		gatherer = reg
	}
	opts := pipeline.OptionsFrom(cfg)
	opts.TempDir = t.TempDir()
	proc := pipeline.New(opts, pipeline.ParsePDF, stubRaster{}, stubRecognizer{}, pipeline.WithMetrics(rec))
	return newServer(cfg, proc, "stub", rec, gatherer).routes()
}

func uploadRequest(t *testing.T, path, field, name string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("note", "ignored"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile(field, name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeErr(t *testing.T, rr *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var e types.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &e); err != nil {
		t.Fatalf("error body %q: %v", rr.Body.String(), err)
	}
	return e
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equals(t, rr.Code, http.StatusOK)
	var hr types.HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &hr); err != nil {
		t.Fatal(err)
	}
	assert.Equals(t, hr.Status, "ok")
	assert.Equals(t, hr.OCREngine, "stub")
	assert.Equals(t, hr.Capacity, int64(4))
}

func TestExtractDirect(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	data := testpdf.Build(
		testpdf.Page{Text: "Hello", Images: [][6]float64{{100, 0, 0, 50, 72, 600}}},
		testpdf.Page{Text: "World"},
	)
	rr := serve(h, uploadRequest(t, "/extract", "file", "report.pdf", data))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var res types.DirectResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	assert.Equals(t, res.FileName, "report.pdf")
	assert.Equals(t, len(res.Pages), 2)
	assert.Equals(t, res.Pages[0].PageNumber, 1)
	assert.Equals(t, res.Pages[1].PageNumber, 2)
	assert.True(t, strings.Contains(res.Pages[0].Text, "Hello"))
	assert.Equals(t, len(res.Pages[0].ImagesBase64), 1)
	// empty lists stay lists on the wire
	assert.True(t, strings.Contains(rr.Body.String(), `"images_base64":[]`))
}

func TestExtractOCR(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	data := testpdf.Build(testpdf.Page{Text: "scanned"})
	rr := serve(h, uploadRequest(t, "/extract_ocr", "file", "scan.pdf", data))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var res types.OCRResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	assert.Equals(t, len(res.Pages), 1)
	assert.Equals(t, res.Pages[0].PageNumber, 1)
	assert.Equals(t, res.Pages[0].OCRText, "recognized")
	assert.True(t, res.Pages[0].PageImageBase64 != "")
}

func TestExtractRejections(t *testing.T) {
	pdf := testpdf.Build(testpdf.Page{Text: "x"})

	tests := []struct {
		name     string
		path     string
		field    string
		fileName string
		data     []byte
		status   int
		code     string
	}{
		{"wrong extension", "/extract", "file", "notes.txt", pdf, http.StatusBadRequest, "unsupported_file_type"},
		{"no extension", "/extract_ocr", "file", "notes", pdf, http.StatusBadRequest, "unsupported_file_type"},
		{"too large", "/extract", "file", "big.pdf", make([]byte, 1<<20+1), http.StatusRequestEntityTooLarge, "payload_too_large"},
		{"too large ocr", "/extract_ocr", "file", "big.pdf", make([]byte, 1<<20+1), http.StatusRequestEntityTooLarge, "payload_too_large"},
		{"not a pdf", "/extract", "file", "zip.pdf", []byte("PK\x03\x04"), http.StatusUnprocessableEntity, "document_parse_failure"},
		{"missing file field", "/extract", "upload", "a.pdf", pdf, http.StatusBadRequest, "bad_request"},
	}

	h := newTestHandler(t, testConfig(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, uploadRequest(t, tt.path, tt.field, tt.fileName, tt.data))
			assert.Equals(t, rr.Code, tt.status)
			e := decodeErr(t, rr)
			assert.Equals(t, e.Code, tt.code)
			assert.True(t, !e.Success)
		})
	}
}

func TestExtractRejectsTypeBeforeReadingBody(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUploadBytes = 1024
	h := newTestHandler(t, cfg, nil)

	// far beyond the body cap for a 1 KiB limit
	big := bytes.Repeat([]byte("x"), 256<<10)
	for _, path := range []string{"/extract", "/extract_ocr"} {
		rr := serve(h, uploadRequest(t, path, "file", "notes.txt", big))
		assert.Equals(t, rr.Code, http.StatusBadRequest)
		assert.Equals(t, decodeErr(t, rr).Code, "unsupported_file_type")
	}
}

func TestExtractRequiresMultipart(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	req := httptest.NewRequest(http.MethodPost, "/extract", strings.NewReader("%PDF-1.4"))
	req.Header.Set("Content-Type", "application/pdf")

	rr := serve(h, req)
	assert.Equals(t, rr.Code, http.StatusBadRequest)
}

func TestExtractMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	for _, path := range []string{"/extract", "/extract_ocr"} {
		rr := serve(h, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equals(t, rr.Code, http.StatusMethodNotAllowed)
		assert.Equals(t, rr.Header().Get("Allow"), "POST")
	}
}

func TestInternalAuth(t *testing.T) {
	cfg := testConfig()
	cfg.InternalSharedSecret = "s3cret"
	h := newTestHandler(t, cfg, nil)
	data := testpdf.Build(testpdf.Page{Text: "x"})

	rr := serve(h, uploadRequest(t, "/extract", "file", "a.pdf", data))
	assert.Equals(t, rr.Code, http.StatusUnauthorized)

	req := uploadRequest(t, "/extract", "file", "a.pdf", data)
	req.Header.Set("X-Internal-Auth", "wrong")
	assert.Equals(t, serve(h, req).Code, http.StatusUnauthorized)

	req = uploadRequest(t, "/extract", "file", "a.pdf", data)
	req.Header.Set("X-Internal-Auth", "s3cret")
	assert.Equals(t, serve(h, req).Code, http.StatusOK)

	// health stays open for probes
	assert.Equals(t, serve(h, httptest.NewRequest(http.MethodGet, "/health", nil)).Code, http.StatusOK)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitEvery = time.Hour
	cfg.RateLimitBurst = 1
	h := newTestHandler(t, cfg, nil)
	data := testpdf.Build(testpdf.Page{Text: "x"})

	first := uploadRequest(t, "/extract", "file", "a.pdf", data)
	first.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equals(t, serve(h, first).Code, http.StatusOK)

	second := uploadRequest(t, "/extract", "file", "a.pdf", data)
	second.Header.Set("X-Forwarded-For", "203.0.113.7")
	rr := serve(h, second)
	assert.Equals(t, rr.Code, http.StatusTooManyRequests)
	assert.Equals(t, rr.Header().Get("Retry-After"), "60")

	other := uploadRequest(t, "/extract", "file", "a.pdf", data)
	other.Header.Set("X-Forwarded-For", "198.51.100.2")
	assert.Equals(t, serve(h, other).Code, http.StatusOK)
}

func TestRequestID(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "0b5a3c43-6f1e-4c38-9a49-1f4f4a1f2d10")
	assert.Equals(t, serve(h, req).Header().Get("X-Request-ID"), "0b5a3c43-6f1e-4c38-9a49-1f4f4a1f2d10")

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "not\na-uuid")
	got := serve(h, req).Header().Get("X-Request-ID")
	assert.True(t, got != "" && got != "not\na-uuid")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newTestHandler(t, testConfig(), reg)

	serve(h, uploadRequest(t, "/extract", "file", "notes.txt", []byte("x")))
	serve(h, uploadRequest(t, "/extract", "file", "a.pdf", testpdf.Build(testpdf.Page{Text: "x"})))

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equals(t, rr.Code, http.StatusOK)
	body, _ := io.ReadAll(rr.Body)
	assert.True(t, bytes.Contains(body, []byte(`pdfx_requests_rejected_total{code="unsupported_file_type"} 1`)))
	assert.True(t, bytes.Contains(body, []byte(`pdfx_pages_processed_total{mode="direct"} 1`)))
}

func TestMetricsDisabledWithoutRegistry(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	assert.Equals(t, serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil)).Code, http.StatusNotFound)
}

func TestRecoveryReturns500(t *testing.T) {
	h := withRequestID(withLogging(withRecovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))))
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equals(t, rr.Code, http.StatusInternalServerError)
	assert.Equals(t, decodeErr(t, rr).Code, "internal_error")
}

func TestSanitizeLogString(t *testing.T) {
	assert.Equals(t, sanitizeLogString("a\r\nb"), "ab")
	assert.Equals(t, len(sanitizeLogString(strings.Repeat("x", 500))), 203)
}
