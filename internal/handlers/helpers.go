package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/klartext-med/klartext/internal/common"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes the error
// envelope).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteJSON(w, http.StatusMethodNotAllowed, common.ErrorEnvelope{
			Error: common.ErrorBody{
				Code:    "METHOD_NOT_ALLOWED",
				Message: "method " + r.Method + " is not allowed",
			},
		})
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError serializes any error into the uniform envelope
// {error:{code, message, details, timestamp}} with the status mapped from the
// error kind.
func WriteError(w http.ResponseWriter, err error) error {
	status, envelope := common.Envelope(err)
	return WriteJSON(w, status, envelope)
}

// PathParam extracts the path segment following the given prefix, stripping
// any trailing sub-path. Returns "" when the path carries no parameter.
func PathParam(r *http.Request, prefix string) string {
	param := strings.TrimPrefix(r.URL.Path, prefix)
	param = strings.Trim(param, "/")
	if idx := strings.IndexByte(param, '/'); idx >= 0 {
		param = param[:idx]
	}
	return param
}

// DecodeJSON decodes the request body into dest, mapping malformed input to a
// validation error.
func DecodeJSON(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return common.WrapError(common.KindValidation, "invalid JSON body", err)
	}
	return nil
}
