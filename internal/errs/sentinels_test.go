package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKind_WrappedSentinels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("connect: %w", ErrConnectionLost), "connection_lost"},
		{fmt.Errorf("enable: %w", ErrTransportUnavailable), "transport_unavailable"},
		{fmt.Errorf("unlock: %w", ErrCredentialsMissing), "credentials_missing"},
		{fmt.Errorf("getinfo: %w", ErrNodeUnreachable), "node_unreachable"},
		{context.DeadlineExceeded, "node_unreachable"},
		{context.Canceled, "cancelled"},
		{ErrInvalidAmount, "invalid_amount"},
		{errors.New("boom"), "internal"},
	}
	for _, c := range cases {
		if got := Kind(c.err); got != c.want {
			t.Fatalf("Kind(%v)=%q, want %q", c.err, got, c.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	if !Retryable(fmt.Errorf("x: %w", ErrNodeUnreachable)) {
		t.Fatalf("node unreachable must be retryable")
	}
	if Retryable(ErrCredentialsMissing) {
		t.Fatalf("missing credentials must not be retryable")
	}
	if Retryable(nil) {
		t.Fatalf("nil is not retryable")
	}
}

func TestFromKind_RoundTrip(t *testing.T) {
	t.Parallel()

	for kind, sentinel := range byKind {
		if got := Kind(FromKind(kind)); got != kind {
			t.Fatalf("Kind(FromKind(%q))=%q", kind, got)
		}
		if !errors.Is(FromKind(kind), sentinel) {
			t.Fatalf("FromKind(%q) is not its sentinel", kind)
		}
	}
	if FromKind("internal") != nil {
		t.Fatalf("unknown kind must map to nil")
	}
}
