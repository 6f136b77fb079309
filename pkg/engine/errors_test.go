package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name          string
		err           error
		wantTransient bool
		wantPermanent bool
		wantCancelled bool
		wantDenied    bool
		wantCode      string
	}{
		{
			name:          "transient cache write",
			err:           NewTransientError("commit failed", cause).WithCode(ErrCodeCacheWrite),
			wantTransient: true,
			wantCode:      ErrCodeCacheWrite,
		},
		{
			name:          "policy denial",
			err:           NewPermanentError("denied", cause).WithCode(ErrCodePolicyDenied),
			wantPermanent: true,
			wantDenied:    true,
			wantCode:      ErrCodePolicyDenied,
		},
		{
			name:          "wrapped cancellation",
			err:           fmt.Errorf("refine: %w", NewCancelledError("stopped", cause)),
			wantCancelled: true,
			wantCode:      ErrCodeCancelled,
		},
		{
			name:          "plain error",
			err:           cause,
			wantPermanent: false,
			wantCode:      ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v", got, tt.wantTransient)
			}
			if got := IsRetryable(tt.err); got != tt.wantTransient {
				t.Errorf("IsRetryable = %v, want %v", got, tt.wantTransient)
			}
			if got := IsPermanent(tt.err); got != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v", got, tt.wantPermanent)
			}
			if got := IsCancelled(tt.err); got != tt.wantCancelled {
				t.Errorf("IsCancelled = %v, want %v", got, tt.wantCancelled)
			}
			if got := IsPolicyDenied(tt.err); got != tt.wantDenied {
				t.Errorf("IsPolicyDenied = %v, want %v", got, tt.wantDenied)
			}
			if _, code := ClassOf(tt.err); code != tt.wantCode {
				t.Errorf("ClassOf code = %s, want %s", code, tt.wantCode)
			}
			if !errors.Is(tt.err, cause) {
				t.Error("cause lost from the error chain")
			}
		})
	}
}
