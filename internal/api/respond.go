package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// errorBody is the envelope every failed request returns.
type errorBody struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto the envelope. Every 500 is logged; unclassified
// ones are reported without their message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorDetails(w, r, err, nil)
}

func writeErrorDetails(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	code := apperr.StatusCode(err)
	body := errorBody{Error: err.Error()}
	upstream := false

	if ae, ok := apperr.As(err); ok {
		body.Error = ae.Message
		if len(ae.Fields) > 0 || ae.Code != "" {
			body.Details = map[string]any{}
			for k, v := range ae.Fields {
				body.Details[k] = v
			}
			if ae.Code != "" {
				body.Details["code"] = ae.Code
			}
		}
		if ae.Kind == apperr.KindUpstream {
			upstream = true
			if ae.Err != nil {
				body.Error = ae.Error()
			}
		}
	}
	if code == http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		if !upstream {
			body.Error = "internal server error"
		}
	}
	if len(extra) > 0 {
		if body.Details == nil {
			body.Details = map[string]any{}
		}
		for k, v := range extra {
			body.Details[k] = v
		}
	}
	writeJSON(w, code, body)
}

// decodeBody reads a JSON object into v. An empty or malformed body is a
// validation error.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apperr.Validation("request body is required", nil)
		case errors.As(err, &tooBig):
			return apperr.Validation("request body too large", map[string]string{"limit_bytes": "1048576"})
		default:
			return apperr.Validation("invalid JSON body", map[string]string{"body": err.Error()})
		}
	}
	return nil
}
