package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"example.com/scorebridge/internal/errs"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, ErrorResponse{Code: errCode, Message: msg})
}

// StatusOf maps a signal code onto the HTTP status it travels with.
func StatusOf(signal string) int {
	switch signal {
	case errs.SignalInvalidInput:
		return http.StatusBadRequest
	case errs.SignalAuthFailed:
		return http.StatusUnauthorized
	case errs.SignalSeatsFull, errs.SignalStaleState, errs.SignalConflict:
		return http.StatusConflict
	case errs.SignalLocked:
		return http.StatusLocked
	case errs.SignalNotFound:
		return http.StatusNotFound
	case errs.SignalRateLimited:
		return http.StatusTooManyRequests
	case errs.SignalConnectivity:
		return http.StatusServiceUnavailable
	case errs.SignalCancelled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// fail writes err as {code,message}. Internal errors are logged, not echoed.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	sig := errs.Signal(err)
	status := StatusOf(sig)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	}
	writeError(w, status, sig, msg)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", errs.ErrValidation, err)
	}
	return nil
}
