package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newRouter(mw ...func(http.Handler) http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(mw...)
	r.Get("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chi.URLParam(r, "id")))
	})
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})
	r.Get("/fail", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	return r
}

func serve(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestPrometheusLabelsByRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newRouter(Prometheus(WithRegistry(reg), WithNamespace("test")))

	serve(h, "/sessions/a")
	serve(h, "/sessions/b")
	serve(h, "/nope")

	expected := `
# HELP test_http_requests_total Total HTTP requests by route, method and status code
# TYPE test_http_requests_total counter
test_http_requests_total{code="200",method="GET",route="/sessions/{id}"} 2
test_http_requests_total{code="404",method="GET",route="unmatched"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_http_requests_total"))

	count, err := testutil.GatherAndCount(reg, "test_http_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPrometheusInFlightReturnsToZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newRouter(Prometheus(WithRegistry(reg)))
	serve(h, "/sessions/x")

	m, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range m {
		if f.GetName() == "deskgate_http_requests_in_flight" {
			assert.Zero(t, f.GetMetric()[0].GetGauge().GetValue())
			return
		}
	}
	t.Fatal("in-flight gauge not registered")
}

type recordingProvider struct {
	noop.TracerProvider
	names []string
}

type recordingTracer struct {
	noop.Tracer
	p *recordingProvider
}

func (p *recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return recordingTracer{p: p}
}

func (t recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	t.p.names = append(t.p.names, name)
	return t.Tracer.Start(ctx, name, opts...)
}

func TestOpenTelemetryFilter(t *testing.T) {
	tp := &recordingProvider{}
	h := newRouter(OpenTelemetry(
		WithTracerProvider(tp),
		WithFilter(func(r *http.Request) bool { return r.URL.Path != "/fail" }),
	))

	rec := serve(h, "/sessions/abc")
	assert.Equal(t, "abc", rec.Body.String())
	serve(h, "/fail")

	assert.Equal(t, []string{"GET /sessions/abc"}, tp.names)
}

func TestRecover(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := newRouter(Recover(zap.New(core)))

	rec := serve(h, "/boom")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "handler panic", logs.All()[0].Message)
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := newRouter(RequestLogger(zap.New(core)))

	serve(h, "/sessions/1")
	serve(h, "/fail")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, int64(200), entries[0].ContextMap()["status"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, int64(http.StatusBadGateway), entries[1].ContextMap()["status"])
}

func TestStatusWriterReuse(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := wrap(rec)
	assert.Same(t, sw, wrap(sw))
	assert.Equal(t, http.StatusOK, sw.Status())
	sw.WriteHeader(http.StatusTeapot)
	sw.WriteHeader(http.StatusOK)
	assert.Equal(t, http.StatusTeapot, sw.Status())
}
