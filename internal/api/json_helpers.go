package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"bbb-stream-controller/internal/saga"
)

const maxBodyBytes = 1 << 20

// Response is the body of every API reply.
type Response struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Errors  []saga.PeerError `json:"errors,omitempty"`
}

// writeJSON encodes payload with status. 304 replies carry no body, so the
// payload is dropped for them.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	if !bodyAllowed(status) {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func writeSuccess(w http.ResponseWriter, status int, message string, errs []saga.PeerError) {
	writeJSON(w, status, Response{Success: true, Message: message, Errors: errs})
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Response{Success: false, Message: message})
}

// WriteError is an exported helper so middleware can answer in the API shape.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeFailure(w, status, err.Error())
}

// decodeParams reads the request parameters. JSON bodies keep their value
// types with numbers preserved as json.Number; form bodies and query strings
// yield strings.
func decodeParams(r *http.Request) (map[string]any, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return valuesToParams(r.URL.Query()), nil
	}
	if r.Body == nil {
		return nil, errors.New("request body is required")
	}
	defer r.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		return valuesToParams(r.PostForm), nil
	}

	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	decoder.UseNumber()
	var params map[string]any
	if err := decoder.Decode(&params); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	if params == nil {
		return nil, errors.New("request body must be a JSON object")
	}
	return params, nil
}

func valuesToParams(values map[string][]string) map[string]any {
	params := make(map[string]any, len(values))
	for key, list := range values {
		if len(list) > 0 {
			params[key] = list[0]
		}
	}
	return params
}

// stringParam returns the first non-empty string stored under one of keys.
func stringParam(params map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := params[key].(string); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
