// Package monitoring provides Prometheus metrics, OpenTelemetry tracing, and
// unified structured logging helpers for the service.
package monitoring

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	github_chi_mw "github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	namespace = "telemkv"

	// logging level: 0=info, 1=debug
	logLevel int32

	// logDedup suppresses repeated identical error lines logged through
	// LogDeduped (e.g. a burst of failed WebSocket upgrades) for a short
	// window, so they don't flood the log.
	logDedup = cache.New(10*time.Second, time.Minute)

	IngestFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "frames_total",
			Help:      "Total number of upstream frames received",
		},
		[]string{"outcome"}, // dropped, saved
	)

	FlightsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "flights",
			Name:      "open",
			Help:      "1 if a flight is currently open, else 0",
		},
		[]string{},
	)

	SubscribersConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "subscribers_connected",
			Help:      "Number of currently-connected subscribers",
		},
		[]string{},
	)

	StoreFragmentation = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "fragmentation_ratio",
			Help:      "Store fragmentation ratio at last observation",
		},
		[]string{},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		IngestFramesTotal,
		FlightsOpen,
		SubscribersConnected,
		StoreFragmentation,
		HTTPRequests,
		HTTPDuration,
	)
	SetLogLevel("info")
}

func SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		atomic.StoreInt32(&logLevel, 1)
		log.Printf("log_level=debug")
	case "info", "":
		atomic.StoreInt32(&logLevel, 0)
		log.Printf("log_level=info")
	default:
		atomic.StoreInt32(&logLevel, 0)
		log.Printf("log_level=info (unknown level %q)", level)
	}
}

func IsDebug() bool { return atomic.LoadInt32(&logLevel) == 1 }

func Debugf(format string, args ...interface{}) {
	if IsDebug() {
		log.Printf("DEBUG "+format, args...)
	}
}

// LogDeduped logs a formatted message at most once per dedup window for a
// given key, collapsing bursts of identical upstream failures into a single
// line.
func LogDeduped(key, format string, args ...interface{}) {
	if _, found := logDedup.Get(key); found {
		return
	}
	logDedup.SetDefault(key, struct{}{})
	log.Printf(format, args...)
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware instruments all HTTP traffic.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rr, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPDuration.WithLabelValues(r.Method, path).Observe(duration)
		HTTPRequests.WithLabelValues(r.Method, path, http.StatusText(rr.status)).Inc()
	})
}

// PrometheusHandler exposes registered metrics.
func PrometheusHandler() http.Handler { return promhttp.Handler() }

var tracer = otel.Tracer("telemkv-http")

// InitTracer initializes the OpenTelemetry exporter and provider.
func InitTracer(endpoint string, serviceName string) func() {
	ctx := context.Background()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if endpoint == "" {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(serviceName),
			)),
		)
		otel.SetTracerProvider(tp)
		return func() {
			_ = tp.Shutdown(ctx)
		}
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		log.Printf("failed to create OTEL exporter: %v", err)
		return func() {}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)

	otel.SetTracerProvider(tp)

	return func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer: %v", err)
		}
	}
}

// TracingMiddleware creates a span for each HTTP request with context extraction.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prop := otel.GetTextMapPropagator()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		spanName := r.Method + " " + r.URL.Path
		ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			semconv.HTTPSchemeKey.String(func() string {
				if r.TLS != nil {
					return "https"
				}
				return "http"
			}()),
			semconv.HTTPMethodKey.String(r.Method),
			semconv.URLPathKey.String(r.URL.Path),
		)
		if rid := github_chi_mw.GetReqID(r.Context()); rid != "" {
			span.SetAttributes(attribute.String("http.request_id", rid))
		}

		if sc := span.SpanContext(); sc.IsValid() {
			w.Header().Set("X-Trace-Id", sc.TraceID().String())
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware writes structured logs for each HTTP request/response with trace correlation.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start)
		traceID, spanID := "", ""
		if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
			traceID = sc.TraceID().String()
			spanID = sc.SpanID().String()
		}
		remote := clientIP(r)
		ua := r.UserAgent()
		path := r.URL.Path
		query := r.URL.RawQuery
		if query != "" {
			path = path + "?" + query
		}
		rid := github_chi_mw.GetReqID(r.Context())

		log.Printf("http_request method=%s path=%q status=%d duration=%s remote=%s ua=%q trace_id=%s span_id=%s request_id=%s", r.Method, path, rr.status, dur, remote, ua, traceID, spanID, rid)
	})
}

// ETagMiddleware adds strong ETag handling for cacheable responses.
func ETagMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") || strings.ToLower(r.Header.Get("Upgrade")) == "websocket" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		if et := w.Header().Get("ETag"); et != "" {
			next.ServeHTTP(w, r)
			return
		}
		if cc := strings.ToLower(w.Header().Get("Cache-Control")); strings.Contains(cc, "no-store") {
			next.ServeHTTP(w, r)
			return
		}

		rec := &etagRecorder{w: w, header: make(http.Header), status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status != http.StatusOK || (r.Method != http.MethodHead && rec.buf.Len() == 0) {
			copyHeaders(w.Header(), rec.header)
			w.WriteHeader(rec.status)
			if r.Method != http.MethodHead {
				_, _ = w.Write(rec.buf.Bytes())
			}
			return
		}

		sum := sha256.Sum256(rec.buf.Bytes())
		etag := "\"" + hex.EncodeToString(sum[:]) + "\""

		if inm := r.Header.Get("If-None-Match"); inm != "" {
			for _, cand := range strings.Split(inm, ",") {
				if strings.TrimSpace(cand) == etag {
					copyHeaders(w.Header(), rec.header)
					w.Header().Set("ETag", etag)
					w.Header().Add("Vary", "Accept-Encoding")
					w.WriteHeader(http.StatusNotModified)
					return
				}
			}
		}

		copyHeaders(w.Header(), rec.header)
		w.Header().Set("ETag", etag)
		w.Header().Add("Vary", "Accept-Encoding")
		w.Header().Set("Content-Length", strconv.Itoa(rec.buf.Len()))
		w.WriteHeader(rec.status)
		if r.Method != http.MethodHead {
			_, _ = w.Write(rec.buf.Bytes())
		}
	})
}

type etagRecorder struct {
	w           http.ResponseWriter
	header      http.Header
	buf         bytes.Buffer
	status      int
	wroteHeader bool
}

func (r *etagRecorder) Header() http.Header { return r.header }

func (r *etagRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
}

func (r *etagRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.buf.Write(p)
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xr := r.Header.Get("X-Real-Ip"); xr != "" {
		return xr
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
