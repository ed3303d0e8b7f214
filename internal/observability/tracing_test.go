package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/quorum/internal/config"
	"github.com/pitabwire/quorum/model"
)

// recordSpans installs a global provider that exports synchronously into
// memory. sampler defaults to AlwaysSample.
func recordSpans(t *testing.T, sampler sdktrace.Sampler) *tracetest.InMemoryExporter {
	t.Helper()
	if sampler == nil {
		sampler = sdktrace.AlwaysSample()
	}
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sampler),
	)
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return exporter
}

func attrs(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func onlySpan(t *testing.T, exporter *tracetest.InMemoryExporter) tracetest.SpanStub {
	t.Helper()
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	return spans[0]
}

func TestInitTracing(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "quorum", "test")
		if err != nil {
			t.Fatalf("InitTracing() error = %v", err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown() = %v", err)
		}
	})

	t.Run("stdout", func(t *testing.T) {
		prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
		t.Cleanup(func() {
			otel.SetTracerProvider(prevTP)
			otel.SetTextMapPropagator(prevProp)
		})
		cfg := config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}
		shutdown, err := InitTracing(context.Background(), cfg, "quorum", "test")
		if err != nil {
			t.Fatalf("InitTracing() error = %v", err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown() = %v", err)
		}
	})

	t.Run("unknown exporter", func(t *testing.T) {
		cfg := config.TracingConfig{Enabled: true, Exporter: "jaeger"}
		if _, err := InitTracing(context.Background(), cfg, "quorum", "test"); err == nil {
			t.Fatal("InitTracing() should reject an unknown exporter")
		}
	})
}

func TestNewSampler_description(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.TracingConfig
		want []string
		not  string
	}{
		{"default rate", config.TracingConfig{}, []string{"TraceIDRatioBased{0.1}"}, "ChangeSampler"},
		{"full rate", config.TracingConfig{SamplingRate: 1}, []string{"AlwaysOnSampler"}, "ChangeSampler"},
		{"rate above one", config.TracingConfig{SamplingRate: 3}, []string{"AlwaysOnSampler"}, ""},
		{"changes", config.TracingConfig{SamplingRate: 0.25, AlwaysSampleChanges: true}, []string{"ChangeSampler", "TraceIDRatioBased{0.25}"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := newSampler(tt.cfg).Description()
			for _, w := range tt.want {
				if !strings.Contains(desc, w) {
					t.Errorf("Description() = %q, want it to contain %q", desc, w)
				}
			}
			if tt.not != "" && strings.Contains(desc, tt.not) {
				t.Errorf("Description() = %q, should not contain %q", desc, tt.not)
			}
		})
	}
}

func TestChangeSampler_recordsStateChanges(t *testing.T) {
	exporter := recordSpans(t, changeSampler{fallback: sdktrace.NeverSample()})

	for _, name := range []string{"workflow.record_decision", "inventory.issue", "catalog.reload", "policy.resolve"} {
		_, span := StartSpan(context.Background(), name)
		span.End()
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	for _, s := range spans {
		if !strings.HasPrefix(s.Name, "workflow.") && !strings.HasPrefix(s.Name, "inventory.") {
			t.Errorf("unexpected sampled span %q", s.Name)
		}
	}
}

func TestStartSpan(t *testing.T) {
	exporter := recordSpans(t, nil)

	ctx, parent := StartSpan(context.Background(), "workflow.submit",
		AttrObjectType.String("CAPEX"),
		AttrPolicyID.String("capex-board"),
	)
	_, child := StartSpan(ctx, "agent.resolve", AttrStepSequence.Int(1))
	child.End()
	parent.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	resolve, submit := spans[0], spans[1]
	if resolve.Parent.SpanID() != submit.SpanContext.SpanID() {
		t.Error("agent.resolve should be a child of workflow.submit")
	}
	if resolve.SpanContext.TraceID() != submit.SpanContext.TraceID() {
		t.Error("child span should share the parent trace id")
	}
	got := attrs(submit)
	if got["quorum.object_type"] != "CAPEX" || got["quorum.policy_id"] != "capex-board" {
		t.Errorf("workflow.submit attributes = %v", got)
	}
	if attrs(resolve)["quorum.step_sequence"] != "1" {
		t.Errorf("agent.resolve attributes = %v", attrs(resolve))
	}
}

func TestEndSpanWithError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		status   codes.Code
	}{
		{"nil", nil, "", codes.Unset},
		{"client error", model.NewConflictError("instance already active"), model.ErrConflict, codes.Unset},
		{"persistence", &model.ErrorEnvelope{Code: model.ErrPersistence, Message: "tx aborted"}, model.ErrPersistence, codes.Error},
		{"plain error", errors.New("boom"), model.ErrInternalError, codes.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := recordSpans(t, nil)

			_, span := StartSpan(context.Background(), "workflow.cancel")
			EndSpanWithError(span, tt.err)

			s := onlySpan(t, exporter)
			if s.Status.Code != tt.status {
				t.Errorf("status = %v, want %v", s.Status.Code, tt.status)
			}
			if got := attrs(s)["quorum.error_code"]; got != tt.wantCode {
				t.Errorf("error_code = %q, want %q", got, tt.wantCode)
			}
			if tt.err != nil && len(s.Events) == 0 {
				t.Error("error should be recorded as a span event")
			}
		})
	}
}

func TestTraceIDFromContext(t *testing.T) {
	recordSpans(t, nil)

	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext(no span) = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "inventory.transfer")
	defer span.End()
	if got, want := TraceIDFromContext(ctx), span.SpanContext().TraceID().String(); got != want {
		t.Errorf("TraceIDFromContext() = %q, want %q", got, want)
	}
}

func TestTracingMiddleware_routePattern(t *testing.T) {
	exporter := recordSpans(t, nil)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Get("/api/v1/approvals/{instanceID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals/inst-42", nil)
	req.Header.Set("X-Tenant-Id", "acme-corp")
	r.ServeHTTP(httptest.NewRecorder(), req)

	s := onlySpan(t, exporter)
	if s.Name != "GET /api/v1/approvals/{instanceID}" {
		t.Errorf("span name = %q", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want server", s.SpanKind)
	}
	got := attrs(s)
	if got["http.route"] != "/api/v1/approvals/{instanceID}" {
		t.Errorf("http.route = %q", got["http.route"])
	}
	if got["http.response.status_code"] != "404" {
		t.Errorf("status code attribute = %q, want 404", got["http.response.status_code"])
	}
	if got["quorum.tenant_id"] != "acme-corp" {
		t.Errorf("tenant attribute = %q", got["quorum.tenant_id"])
	}
	if s.Status.Code == codes.Error {
		t.Error("4xx responses should not mark the span as an error")
	}
}

func TestTracingMiddleware_unroutedKeepsPath(t *testing.T) {
	exporter := recordSpans(t, nil)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))

	s := onlySpan(t, exporter)
	if s.Name != "GET /readyz" {
		t.Errorf("span name = %q, want GET /readyz", s.Name)
	}
	if s.Status.Code != codes.Error {
		t.Errorf("status = %v, want error for 5xx", s.Status.Code)
	}
}

func TestTracingMiddleware_propagation(t *testing.T) {
	exporter := recordSpans(t, nil)

	const inbound = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	var handlerTraceID string
	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerTraceID = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals", nil)
	req.Header.Set("traceparent", inbound)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if handlerTraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("handler trace id = %q, want the inbound trace", handlerTraceID)
	}
	s := onlySpan(t, exporter)
	if s.Parent.SpanID().String() != "00f067aa0ba902b7" {
		t.Errorf("parent span = %s, want the inbound span", s.Parent.SpanID())
	}
	if out := rec.Header().Get("traceparent"); !strings.Contains(out, "4bf92f3577b34da6a3ce929d0e0e4736") {
		t.Errorf("response traceparent = %q", out)
	}
}
