// Package metrics holds the Prometheus collectors for the extraction
// pipeline and the HTTP layer. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Recorder struct {
	pages           *prometheus.CounterVec
	pageFailures    *prometheus.CounterVec
	imagesSkipped   *prometheus.CounterVec
	imagesCropped   prometheus.Counter
	unreliableText  prometheus.Counter
	rejected        *prometheus.CounterVec
	documentSeconds *prometheus.HistogramVec

	inFlight    prometheus.Gauge
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	requestSize *prometheus.HistogramVec
}

// New builds the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfx_pages_processed_total",
			Help: "Pages assembled into a response, by extraction mode.",
		}, []string{"mode"}),
		pageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfx_page_failures_total",
			Help: "Page-local failures that degraded to an empty value.",
		}, []string{"mode", "reason"}),
		imagesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfx_images_skipped_total",
			Help: "Embedded images omitted from a page, by reason.",
		}, []string{"reason"}),
		imagesCropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdfx_images_cropped_total",
			Help: "Embedded images cropped and returned.",
		}),
		unreliableText: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdfx_text_layer_unreliable_total",
			Help: "Direct-mode pages whose native text scored below the OCR threshold.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfx_requests_rejected_total",
			Help: "Request-fatal extraction errors, by code.",
		}, []string{"code"}),
		documentSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pdfx_document_duration_seconds",
			Help:    "Time spent extracting one document.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"mode"}),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pdfx_in_flight_requests",
			Help: "Number of requests currently being served.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfx_api_requests_total",
			Help: "A counter for requests to the wrapped handler.",
		}, []string{"code", "method"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pdfx_request_duration_seconds",
			Help:    "A histogram of latencies for requests.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"handler", "method"}),
		requestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pdfx_request_size_bytes",
			Help:    "A histogram of request sizes.",
			Buckets: []float64{1 << 10, 100 << 10, 1 << 20, 5 << 20, 10 << 20, 25 << 20},
		}, []string{}),
	}

	reg.MustRegister(
		r.pages, r.pageFailures, r.imagesSkipped, r.imagesCropped, r.unreliableText,
		r.rejected, r.documentSeconds, r.inFlight, r.requests, r.duration, r.requestSize,
	)
	return r
}

func (r *Recorder) Pages(mode string, n int) {
	if r == nil {
		return
	}
	r.pages.WithLabelValues(mode).Add(float64(n))
}

func (r *Recorder) PageFailure(mode, reason string) {
	if r == nil {
		return
	}
	r.pageFailures.WithLabelValues(mode, reason).Inc()
}

func (r *Recorder) ImageSkipped(reason string) {
	if r == nil {
		return
	}
	r.imagesSkipped.WithLabelValues(reason).Inc()
}

func (r *Recorder) ImageCropped() {
	if r == nil {
		return
	}
	r.imagesCropped.Inc()
}

func (r *Recorder) UnreliableTextLayer() {
	if r == nil {
		return
	}
	r.unreliableText.Inc()
}

func (r *Recorder) Rejected(code string) {
	if r == nil {
		return
	}
	r.rejected.WithLabelValues(code).Inc()
}

func (r *Recorder) ObserveDocument(mode string, d time.Duration) {
	if r == nil {
		return
	}
	r.documentSeconds.WithLabelValues(mode).Observe(d.Seconds())
}

// Instrument wraps h with in-flight, latency, count and size collectors.
func (r *Recorder) Instrument(handler string, h http.Handler) http.Handler {
	if r == nil {
		return h
	}
	return promhttp.InstrumentHandlerInFlight(r.inFlight,
		promhttp.InstrumentHandlerDuration(r.duration.MustCurryWith(prometheus.Labels{"handler": handler}),
			promhttp.InstrumentHandlerCounter(r.requests,
				promhttp.InstrumentHandlerRequestSize(r.requestSize, h),
			),
		),
	)
}
