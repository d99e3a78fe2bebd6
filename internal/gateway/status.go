// ABOUTME: Maps backend error kinds onto HTTP status codes and gRPC codes
// ABOUTME: Shared by the JSON API, the SSE endpoint and the gRPC service

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/frontdesk/internal/api"
	"github.com/2389/frontdesk/internal/errs"
)

// kindName is the short error kind sent to clients.
func kindName(err error) string {
	switch errs.Kind(err) {
	case errs.ErrNotFound:
		return "not_found"
	case errs.ErrConflict:
		return "conflict"
	case errs.ErrInvalidState:
		return "invalid_state"
	case errs.ErrValidation:
		return "validation"
	case errs.ErrPermissionDenied:
		return "permission_denied"
	case errs.ErrStorage:
		return "storage"
	default:
		return "internal"
	}
}

// httpStatus returns the response status for a backend error.
func httpStatus(err error) int {
	switch errs.Kind(err) {
	case errs.ErrNotFound:
		return http.StatusNotFound
	case errs.ErrConflict:
		return http.StatusConflict
	case errs.ErrInvalidState:
		return http.StatusUnprocessableEntity
	case errs.ErrValidation:
		return http.StatusBadRequest
	case errs.ErrPermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// grpcCode returns the status code for a backend error.
func grpcCode(err error) codes.Code {
	switch errs.Kind(err) {
	case errs.ErrNotFound:
		return codes.NotFound
	case errs.ErrConflict:
		return codes.Aborted
	case errs.ErrInvalidState:
		return codes.FailedPrecondition
	case errs.ErrValidation:
		return codes.InvalidArgument
	case errs.ErrPermissionDenied:
		return codes.PermissionDenied
	case errs.ErrStorage:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// rpcError converts a backend error into a gRPC status error.
func rpcError(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(grpcCode(err), err.Error())
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a backend error as JSON. Storage and unclassified
// errors are logged and reported without detail.
func writeError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	code := httpStatus(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
		if errors.Is(err, errs.ErrStorage) {
			msg = "storage unavailable"
		}
	}
	writeJSON(w, code, api.Error{Error: msg, Kind: kindName(err)})
}
