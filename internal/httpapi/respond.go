package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"medgate.org/internal/obs"
	"medgate.org/internal/rbac"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, map[string]any{
		"status": "success",
		"data":   data,
	})
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorFields(w, r, code, msg, nil)
}

// WriteError writes the standard error envelope with optional extra fields.
func WriteError(w http.ResponseWriter, r *http.Request, code int, msg string, extra map[string]any) {
	writeErrorFields(w, r, code, msg, extra)
}

func writeErrorFields(w http.ResponseWriter, r *http.Request, code int, msg string, extra map[string]any) {
	payload := map[string]any{
		"status": "error",
		"error":  msg,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

var errBodyTooLarge = errors.New("request body too large")

// decodeJSON reads one JSON object. The size cap comes from MaxBodyBytes.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return decodeError(err)
	}
	return nil
}

func decodeError(err error) error {
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		return errBodyTooLarge
	case errors.Is(err, io.EOF):
		return errors.New("request body is required")
	}
	return err
}

// writeDecodeError answers a failed decodeJSON.
func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, err.Error())
}

// pathID parses a positive integer URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return id, nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < min || v > max {
		return 0, errors.New("value out of range")
	}
	return v, nil
}

// handleRBACError maps engine errors onto HTTP statuses. Unknown errors are
// logged and reported without detail.
func handleRBACError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *rbac.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeErrorFields(w, r, http.StatusConflict, err.Error(), map[string]any{
			"conflict": map[string]string{"entity": conflict.Entity, "key": conflict.Key},
		})
	case errors.Is(err, rbac.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, rbac.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, rbac.ErrIntegrity):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		obs.Error("rbac_request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err,
		})
		writeError(w, r, http.StatusInternalServerError, "Internal server error")
	}
}
