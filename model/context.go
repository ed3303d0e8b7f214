package model

import (
	"context"
	"errors"
)

// RequestContext identifies who is acting on behalf of which tenant. The
// gateway authenticates; the service takes these values as given. Treat it
// as read-only once stored in a context.
type RequestContext struct {
	TenantID      string
	SubjectID     string
	SubjectName   string
	CorrelationID string
	TraceID       string
}

var (
	errNoSubject = errors.New("SubjectID is required")
	errNoTenant  = errors.New("TenantID is required")
)

// Validate reports every missing identity field.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errNoSubject)
	}
	if rc.TenantID == "" {
		errs = append(errs, errNoTenant)
	}
	return errors.Join(errs...)
}

type requestContextKey struct{}

// WithRequestContext returns ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the caller stored in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
