package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient wrapper", NewTransientError(errors.New("503"), 503), true},
		{"rate limit wrapper", NewRateLimitError(errors.New("429"), time.Second), true},
		{"wrapped transient", fmt.Errorf("fetch: %w", NewTransientError(errors.New("502"), 502)), true},
		{"conn reset errno", syscall.ECONNRESET, true},
		{"conn reset string", errors.New("read tcp: connection reset by peer"), true},
		{"io timeout string", errors.New("dial tcp: i/o timeout"), true},
		{"plain error", errors.New("invalid input"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"auth revoked", &AuthRevokedError{TenantID: "t", Err: errors.New("invalid_grant")}, ClassAuthRevoked},
		{"rate limited", NewRateLimitError(errors.New("429"), 0), ClassRateLimited},
		{"transient", NewTransientError(errors.New("503"), 503), ClassTransient},
		{"other", errors.New("boom"), "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyPrefersAuthRevokedOverTransient(t *testing.T) {
	// An auth revocation wrapped in a transient shell must still classify
	// as auth_revoked, since retrying it is never correct.
	err := NewTransientError(&AuthRevokedError{TenantID: "t", Err: errors.New("invalid_grant")}, 401)
	if got := Classify(err); got != ClassAuthRevoked {
		t.Errorf("Classify = %q, want %q", got, ClassAuthRevoked)
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to not be transient", code)
		}
	}
}
