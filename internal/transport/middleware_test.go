package transport

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/quorum/internal/config"
	"github.com/pitabwire/quorum/internal/observability"
	"github.com/pitabwire/quorum/model"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := Recovery(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("nil map write")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/approvals", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Code != model.ErrInternalError {
		t.Errorf("code = %q", env.Code)
	}
	entries := logs.FilterMessage("panic recovered").All()
	if len(entries) != 1 {
		t.Fatalf("panic log entries = %d, want 1", len(entries))
	}
	if _, has := entries[0].ContextMap()["stack"]; !has {
		t.Error("panic log should carry a stack")
	}
}

func TestRecovery_abortHandlerRepanics(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if recover() != http.ErrAbortHandler {
			t.Error("ErrAbortHandler should propagate")
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestCORS(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://erp.acme.test"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{HeaderTenantID, HeaderSubjectID},
		MaxAge:         600,
	}

	t.Run("preflight", func(t *testing.T) {
		h := CORS(cfg)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Error("preflight must not reach the handler")
		}))
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/approvals", nil)
		req.Header.Set("Origin", "https://erp.acme.test")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
		for header, want := range map[string]string{
			"Access-Control-Allow-Origin":  "https://erp.acme.test",
			"Access-Control-Allow-Methods": "GET, POST",
			"Access-Control-Allow-Headers": "X-Tenant-Id, X-Subject-Id",
			"Access-Control-Max-Age":       "600",
		} {
			if got := rec.Header().Get(header); got != want {
				t.Errorf("%s = %q, want %q", header, got, want)
			}
		}
	})

	t.Run("actual request exposes replay header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Origin", "https://erp.acme.test")
		rec := httptest.NewRecorder()
		CORS(cfg)(okHandler).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, HeaderIdempotentReply) {
			t.Errorf("Expose-Headers = %q", got)
		}
		if rec.Header().Get("Access-Control-Allow-Methods") != "" {
			t.Error("Allow-Methods belongs on preflight responses only")
		}
	})

	t.Run("foreign origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://phish.example")
		rec := httptest.NewRecorder()
		CORS(cfg)(okHandler).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Allow-Origin = %q, want empty", got)
		}
	})

	t.Run("wildcard", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://anything.example")
		rec := httptest.NewRecorder()
		CORS(config.CORSConfig{AllowedOrigins: []string{"*"}})(okHandler).ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://anything.example" {
			t.Errorf("Allow-Origin = %q", got)
		}
	})
}

func TestCorrelation(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{"minted", "", false},
		{"propagated", "batch-2026-10-16-001", true},
		{"oversized replaced", strings.Repeat("x", 200), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := Correlation(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = CorrelationIDFrom(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				req.Header.Set(HeaderCorrelationID, tt.inbound)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if seen == "" || rec.Header().Get(HeaderCorrelationID) != seen {
				t.Fatalf("context id %q, response header %q", seen, rec.Header().Get(HeaderCorrelationID))
			}
			if (seen == tt.inbound) != tt.keep {
				t.Errorf("id = %q, keep inbound = %v", seen, tt.keep)
			}
		})
	}
}

func TestNoStore(t *testing.T) {
	rec := httptest.NewRecorder()
	NoStore(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); !strings.Contains(got, "frame-ancestors 'none'") {
		t.Errorf("Content-Security-Policy = %q", got)
	}
}

func TestRequestContext(t *testing.T) {
	var got *model.RequestContext
	h := Correlation(RequestContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = model.RequestContextFrom(r.Context())
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderTenantID, "acme-corp")
	req.Header.Set(HeaderSubjectID, "  fin-a ")
	req.Header.Set(HeaderSubjectName, "Finance Analyst")
	req.Header.Set(HeaderCorrelationID, "corr-77")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil {
		t.Fatal("request context missing")
	}
	want := model.RequestContext{TenantID: "acme-corp", SubjectID: "fin-a", SubjectName: "Finance Analyst", CorrelationID: "corr-77"}
	if *got != want {
		t.Errorf("request context = %+v, want %+v", *got, want)
	}
}

func TestRequestContext_rejectsMissingIdentity(t *testing.T) {
	for name, headers := range map[string]map[string]string{
		"no tenant":     {HeaderSubjectID: "fin-a"},
		"no subject":    {HeaderTenantID: "acme-corp"},
		"blank subject": {HeaderTenantID: "acme-corp", HeaderSubjectID: "   "},
	} {
		t.Run(name, func(t *testing.T) {
			h := RequestContext(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Error("handler reached without identity")
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if env := decodeEnvelope(t, rec); env.Code != model.ErrBadRequest {
				t.Errorf("code = %q", env.Code)
			}
		})
	}
}

func TestHandlerTimeout(t *testing.T) {
	var deadline bool
	inspect := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, deadline = r.Context().Deadline()
	})

	HandlerTimeout(time.Second)(inspect).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !deadline {
		t.Error("expected a deadline")
	}
	HandlerTimeout(0)(inspect).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if deadline {
		t.Error("zero timeout should not set a deadline")
	}
}

func TestRequestLogging(t *testing.T) {
	tests := []struct {
		status int
		level  zapcore.Level
	}{
		{http.StatusCreated, zapcore.InfoLevel},
		{http.StatusConflict, zapcore.WarnLevel},
		{http.StatusServiceUnavailable, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			h := RequestLogging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				observability.LoggerFrom(r.Context(), nil).Debug("inside handler")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{}`))
			}))

			ctx := model.WithRequestContext(context.Background(), &model.RequestContext{TenantID: "acme-corp", SubjectID: "fin-a"})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/inventory/issues", bytes.NewReader(nil)).WithContext(ctx)
			h.ServeHTTP(httptest.NewRecorder(), req)

			inner := logs.FilterMessage("inside handler").All()
			if len(inner) != 1 || inner[0].ContextMap()["tenant_id"] != "acme-corp" {
				t.Errorf("handler log = %+v, want tenant-scoped logger", inner)
			}
			access := logs.FilterMessage("request").All()
			if len(access) != 1 {
				t.Fatalf("access log entries = %d, want 1", len(access))
			}
			if access[0].Level != tt.level {
				t.Errorf("level = %v, want %v", access[0].Level, tt.level)
			}
			fields := access[0].ContextMap()
			if fields["status"] != int64(tt.status) || fields["bytes"] != int64(2) {
				t.Errorf("fields = %v", fields)
			}
		})
	}
}
