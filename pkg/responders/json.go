// Package responders writes HTTP response bodies in the formats the API
// serves.
package responders

import (
	"encoding/json"
	"net/http"
)

// JSON writes payload as application/json with the given status. HTML
// escaping is disabled because payment and wallet URLs in responses must
// round-trip verbatim. A nil payload writes headers only.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
