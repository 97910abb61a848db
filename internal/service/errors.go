package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"connectrpc.com/connect"

	"github.com/mmynk/partypay/internal/apperr"
	"github.com/mmynk/partypay/internal/auth"
	"github.com/mmynk/partypay/internal/middleware"
)

var errAdminRequired = errors.New("admin role required")

// toConnectError maps an engine error to the Connect code of its class.
// Unclassified errors are logged and returned without detail.
func toConnectError(err error) error {
	var mismatch *apperr.CodeMismatchError
	if errors.As(err, &mismatch) {
		cerr := connect.NewError(connect.CodeInvalidArgument, err)
		cerr.Meta().Set("Remaining-Attempts", strconv.Itoa(mismatch.Remaining))
		return cerr
	}

	var code connect.Code
	switch {
	case errors.Is(err, apperr.ErrValidation):
		code = connect.CodeInvalidArgument
	case errors.Is(err, apperr.ErrDuplicate):
		code = connect.CodeAlreadyExists
	case errors.Is(err, apperr.ErrNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrNoVerifiedAccount):
		code = connect.CodeFailedPrecondition
	case errors.Is(err, apperr.ErrExpired):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, apperr.ErrAttemptsExceeded):
		code = connect.CodeResourceExhausted
	case errors.Is(err, apperr.ErrBusiness):
		code = connect.CodeAborted
	case errors.Is(err, apperr.ErrGateway):
		code = connect.CodeUnavailable
	default:
		slog.Error("Unclassified error", "error", err)
		return connect.NewError(connect.CodeInternal, errors.New("internal error"))
	}
	return connect.NewError(code, err)
}

// payoutError describes a payout that did not complete, for responses whose
// main operation succeeded anyway.
func payoutError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// callerID returns the authenticated user of the request.
func callerID(ctx context.Context) (string, error) {
	userID := middleware.GetUserID(ctx)
	if userID == "" {
		return "", connect.NewError(connect.CodeUnauthenticated, auth.ErrMissingToken)
	}
	return userID, nil
}

func requireAdmin(ctx context.Context) error {
	if !middleware.IsAdmin(ctx) {
		return connect.NewError(connect.CodePermissionDenied, errAdminRequired)
	}
	return nil
}

// requireSelfOrAdmin allows the owner of a resource and operators.
func requireSelfOrAdmin(ctx context.Context, ownerID string) error {
	if middleware.IsAdmin(ctx) || middleware.GetUserID(ctx) == ownerID {
		return nil
	}
	return connect.NewError(connect.CodePermissionDenied, errors.New("not the owner of this resource"))
}
