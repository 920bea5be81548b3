package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := Wrap(CodeStorageFailure, cause, "写入失败", WithMetadata("table", "task_states"))

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through errors.Is")
	}
	if CodeOf(fmt.Errorf("outer: %w", err)) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	meta := err.Metadata()
	if meta["table"] != "task_states" {
		t.Fatalf("metadata missing: %+v", meta)
	}
	meta["table"] = "changed"
	if err.Metadata()["table"] != "task_states" {
		t.Fatalf("metadata must be returned as a copy")
	}
	if !ShouldAlert(err) || SeverityOf(err) != SeverityCritical {
		t.Fatalf("expected storage failure to alert as critical")
	}
}

func TestOverridesTakePrecedence(t *testing.T) {
	err := New(CodeTimeout, "", WithAlert(false), WithSeverity(SeverityInfo))
	wrapped := fmt.Errorf("stage: %w", err)
	if ShouldAlert(wrapped) || SeverityOf(wrapped) != SeverityInfo {
		t.Fatalf("overrides not applied: %+v", err)
	}
	if err.Message() != AttributesOf(CodeTimeout).Message {
		t.Fatalf("expected default message, got %q", err.Message())
	}
}

func TestRegisterAndUnknownFallback(t *testing.T) {
	const code Code = "TEST_REGISTERED"
	Register(code, Attributes{Message: "registered", Severity: SeverityWarning, Alert: true})

	if got := AttributesOf(code); got.Message != "registered" || !got.Alert {
		t.Fatalf("unexpected attributes: %+v", got)
	}
	if got := AttributesOf("NEVER_REGISTERED"); got.Severity != SeverityCritical {
		t.Fatalf("expected unknown fallback, got %+v", got)
	}
}

func TestAlertDecisions(t *testing.T) {
	for _, tc := range []struct {
		name  string
		err   error
		alert bool
		sev   Severity
	}{
		{"nil", nil, false, SeverityCritical},
		{"plain", stdErrors.New("boom"), true, SeverityCritical},
		{"quiet code", New(CodeInvalidArgument, "bad"), false, SeverityInfo},
		{"loud code", New(CodeQueueFailure, ""), true, SeverityCritical},
		{"silenced", Wrap(CodeExecutorFailure, stdErrors.New("x"), "", WithAlert(false)), false, SeverityWarning},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldAlert(tc.err); got != tc.alert {
				t.Fatalf("ShouldAlert = %v, want %v", got, tc.alert)
			}
			if got := SeverityOf(tc.err); got != tc.sev {
				t.Fatalf("SeverityOf = %s, want %s", got, tc.sev)
			}
		})
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
}
