package walletrpc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/satlink/internal/errs"
)

// Code maps an error kind to the gRPC status code the API returns for it.
func Code(kind string) codes.Code {
	switch kind {
	case "invalid_amount", "invalid_intent":
		return codes.InvalidArgument
	case "not_found":
		return codes.NotFound
	case "already_exists":
		return codes.AlreadyExists
	case "unauthorized":
		return codes.Unauthenticated
	case "rate_limited":
		return codes.ResourceExhausted
	case "credentials_missing", "credentials_corrupt", "wallet_state":
		return codes.FailedPrecondition
	case "node_unreachable":
		return codes.Unavailable
	case "payment_failed":
		return codes.Aborted
	case "cancelled":
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// Status converts err into a gRPC status. The message starts with the
// error kind so clients can recover the sentinel.
func Status(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	kind := errs.Kind(err)
	msg := err.Error()
	if kind == "internal" {
		msg = "internal error"
	}
	return status.Error(Code(kind), kind+": "+msg)
}

// FromStatus reverses Status: a status error whose message carries a known
// kind becomes an error wrapping that sentinel.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	}
	kind, rest, found := strings.Cut(st.Message(), ": ")
	if found {
		if sentinel := errs.FromKind(kind); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, rest)
		}
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", errs.ErrNodeUnreachable, st.Message())
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", errs.ErrUnauthorized, st.Message())
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", errs.ErrRateLimited, st.Message())
	}
	return errors.New(st.Message())
}
