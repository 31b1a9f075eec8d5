package plugin

import (
	"encoding/json"
	"net/http"

	xerrors "Nebula-Host/internal/errors"
)

// Wire protocol between the host and plugin workers: HTTP/1.1 with JSON
// bodies over a private unix socket (TCP for remote plugins). Every request
// carries the spawn token; every error response uses the same envelope.
const (
	TokenHeader   = "X-Nebula-Token"
	PathHealth    = "/v1/health"
	PathSyncUsers = "/v1/sync_users"
)

// WireError is the JSON error envelope returned by workers.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteWireError serializes an error into the wire envelope with a status
// derived from its code.
func WriteWireError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodePermissionDenied:
		status = http.StatusForbidden
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(WireError{Code: string(code), Message: err.Error()})
}
