package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Set with -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

var startedAt = time.Now()

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Uptime  string `json:"uptime"`
}

// ReadinessResponse is the /ready body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by stores, ledgers, and publishers.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists what /ready checks. CatalogLoaded is mandatory; a
// nil checker is skipped.
type ReadinessChecks struct {
	CatalogLoaded func() bool

	WorkflowStore    HealthChecker
	Ledger           HealthChecker
	IdempotencyStore HealthChecker
	Publisher        HealthChecker
}

type checkerFunc func(context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

var errNoCatalog = errors.New("no catalog loaded")

type namedCheck struct {
	name    string
	checker HealthChecker
}

func (c ReadinessChecks) named() []namedCheck {
	catalog := checkerFunc(func(context.Context) error {
		if c.CatalogLoaded == nil || !c.CatalogLoaded() {
			return errNoCatalog
		}
		return nil
	})
	out := []namedCheck{{"catalog", catalog}}
	for _, p := range []namedCheck{
		{"workflow_store", c.WorkflowStore},
		{"ledger", c.Ledger},
		{"idempotency_store", c.IdempotencyStore},
		{"publisher", c.Publisher},
	} {
		if p.checker != nil {
			out = append(out, p)
		}
	}
	return out
}

const checkTimeout = 2 * time.Second

// HandleHealth serves liveness. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
			Uptime:  time.Since(startedAt).Truncate(time.Second).String(),
		})
	}
}

// HandleReady runs every configured check concurrently, each bounded by
// checkTimeout, and answers 503 when any of them fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		named := checks.named()
		results := make([]CheckResult, len(named))

		var g errgroup.Group
		for i, p := range named {
			g.Go(func() error {
				results[i] = runCheck(r.Context(), p.checker)
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(named))}
		status := http.StatusOK
		for i, p := range named {
			resp.Checks[p.name] = results[i]
			if results[i].Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
			}
		}
		writeHealthJSON(w, status, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
