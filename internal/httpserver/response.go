package httpserver

import (
	"encoding/json"
	"io"
	"net/http"

	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/pkg/responders"
)

// writeJSON writes an application/json response.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	responders.JSON(w, status, payload)
}

// decodeJSON decodes a JSON request body into the destination struct,
// rejecting unknown fields. The reader is closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// badRequest maps a body decode failure to the standard envelope.
func badRequest(w http.ResponseWriter, err error) {
	apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "invalid request body: "+err.Error())
}
