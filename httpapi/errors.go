package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"xdao.co/wasmreg/registry"
	"xdao.co/wasmreg/resolver"
)

// errorBody is the wire shape of every failure response.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeMappedError folds registry and resolver failures into the HTTP
// error taxonomy.
func writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resolver.ErrCycle):
		writeError(w, http.StatusConflict, "dependency_cycle", err.Error())
		return
	case errors.Is(err, resolver.ErrMissingInterfaces):
		writeError(w, http.StatusConflict, "missing_interfaces", err.Error())
		return
	case errors.Is(err, resolver.ErrDepthExceeded):
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	switch registry.CodeOf(err) {
	case registry.CodeInvalidSchema:
		writeError(w, http.StatusBadRequest, "invalid_schema", err.Error())
	case registry.CodeInvalidSignature:
		writeError(w, http.StatusBadRequest, "invalid_signature", err.Error())
	case registry.CodeAlreadyExists:
		writeError(w, http.StatusConflict, "already_exists", err.Error())
	case registry.CodeNotFound:
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case registry.CodeUnavailable:
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
