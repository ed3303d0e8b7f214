package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/quorum/model"
)

func bindString(t *testing.T, body string, dst any) error {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	return bind(req, zap.NewNop(), dst)
}

func TestBind(t *testing.T) {
	var dst decisionRequest
	if err := bindString(t, `{"decision":"RETURN","comments":"missing invoice"}`, &dst); err != nil {
		t.Fatalf("bind() = %v", err)
	}
	if dst.Decision != "RETURN" || dst.Comments != "missing invoice" {
		t.Errorf("decoded = %+v", dst)
	}
}

func TestBind_rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		dst  any
		code string
	}{
		{"malformed", `{"decision":`, &decisionRequest{}, model.ErrBadRequest},
		{"unknown field", `{"decision":"APPROVE","vote":1}`, &decisionRequest{}, model.ErrBadRequest},
		{"bad decision", `{"decision":"MAYBE"}`, &decisionRequest{}, model.ErrValidationError},
		{"empty bulk", `{"step_instance_ids":[],"decision":"APPROVE"}`, &bulkDecisionRequest{}, model.ErrValidationError},
		{"escalation without reason", `{}`, &escalateRequest{}, model.ErrValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bindString(t, tt.body, tt.dst)
			if !model.HasCode(err, tt.code) {
				t.Errorf("bind() = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestBind_fieldDetails(t *testing.T) {
	err := bindString(t, `{"step_instance_ids":["si-1",""],"decision":"NOPE"}`, &bulkDecisionRequest{})

	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		t.Fatalf("bind() = %v, want envelope", err)
	}
	fields := map[string]string{}
	for _, d := range ee.Details {
		fields[d.Field] = d.Code
	}
	if fields["decision"] != "ONEOF" {
		t.Errorf("decision detail = %q, want ONEOF (details %+v)", fields["decision"], ee.Details)
	}
	if fields["step_instance_ids[1]"] != "REQUIRED" {
		t.Errorf("step_instance_ids[1] detail = %q (details %+v)", fields["step_instance_ids[1]"], ee.Details)
	}
}

func TestBind_debugBodyIsRedacted(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"payee iban changed","token":"s3cret"}`))

	var dst struct {
		Reason string `json:"reason" validate:"required"`
		Token  string `json:"token"`
	}
	if err := bind(req, zap.New(core), &dst); err != nil {
		t.Fatalf("bind() = %v", err)
	}
	entries := logs.FilterMessage("request body").All()
	if len(entries) != 1 {
		t.Fatalf("debug entries = %d, want 1", len(entries))
	}
	body, _ := entries[0].ContextMap()["body"].(map[string]any)
	if body["token"] != "[REDACTED]" || body["reason"] != "payee iban changed" {
		t.Errorf("logged body = %v", body)
	}
}
