package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "onboarding-crm/internal/common/errors"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decode reads a JSON body into dst. An empty body is accepted and leaves
// dst untouched.
func decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperrors.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	return nil
}
