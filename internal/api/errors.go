package api

import (
	"encoding/json"
	"net/http"

	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// statusByKind is the single place error kinds become HTTP statuses.
var statusByKind = map[types.ErrorKind]int{
	types.ErrInvalidParameter:  http.StatusBadRequest,
	types.ErrNoToken:           http.StatusUnauthorized,
	types.ErrInconsistentToken: http.StatusForbidden,
	types.ErrBusy:              http.StatusConflict,
	types.ErrConflict:          http.StatusConflict,
	types.ErrRateLimited:       http.StatusTooManyRequests,
	types.ErrNotFound:          http.StatusNotFound,
	types.ErrTimeout:           http.StatusGatewayTimeout,
	types.ErrTransport:         http.StatusBadGateway,
	types.ErrWorker:            http.StatusBadGateway,
	types.ErrNoCapableWorker:   http.StatusServiceUnavailable,
	types.ErrUnavailable:       http.StatusServiceUnavailable,
	types.ErrInternal:          http.StatusInternalServerError,
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind types.ErrorKind) int {
	if code, ok := statusByKind[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error *types.JobError `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error": {"kind", "message"}} with the mapped
// status.
func writeError(w http.ResponseWriter, err error) {
	je := types.AsJobError(err)
	writeJSON(w, StatusFor(je.Kind), errorBody{Error: je})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeError(w, types.Errorf(types.ErrInvalidParameter, format, args...))
}
