package httpserver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

// defaultRatePairs is what GET /api/rates returns when the caller does not
// narrow the query. The peg pair in both directions.
var defaultRatePairs = [][2]string{
	{"NGN", "cNGN"},
	{"cNGN", "NGN"},
}

type ratesResponse struct {
	Rates     []storage.ExchangeRate `json:"rates"`
	Timestamp time.Time              `json:"timestamp"`
}

// getRates serves the current exchange rates. Three query shapes: ?from&to
// for a single pair, ?pairs=a:b,c:d for a chosen list, neither for all
// supported pairs. Responses carry an ETag over the rate set so pollers can
// ride If-None-Match.
func (h handlers) getRates(w http.ResponseWriter, r *http.Request) {
	pairs, err := ratePairsFromQuery(r)
	if err != nil {
		apperrors.WriteAppError(w, err)
		return
	}

	resolved := make([]storage.ExchangeRate, 0, len(pairs))
	for _, pair := range pairs {
		rate, err := h.rates.GetRate(r.Context(), pair[0], pair[1])
		if err != nil {
			apperrors.WriteAppError(w, err)
			return
		}
		resolved = append(resolved, rate)
	}

	// The ETag covers pair identity and value, not resolution timestamps,
	// so cache hits survive a refresh that lands the same rate.
	etag := rateSetETag(resolved)
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if len(resolved) == 1 && r.URL.Query().Get("from") != "" {
		writeJSON(w, http.StatusOK, resolved[0])
		return
	}
	writeJSON(w, http.StatusOK, ratesResponse{Rates: resolved, Timestamp: time.Now().UTC()})
}

// ratePairsFromQuery parses the query into the pair list to resolve.
func ratePairsFromQuery(r *http.Request) ([][2]string, error) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from != "" || to != "" {
		if from == "" || to == "" {
			return nil, apperrors.New(apperrors.ErrCodeMissingField,
				"from and to must be supplied together")
		}
		return [][2]string{{from, to}}, nil
	}

	raw := q.Get("pairs")
	if raw == "" {
		return defaultRatePairs[:], nil
	}
	var pairs [][2]string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, apperrors.Newf(apperrors.ErrCodeInvalidCurrency,
				"malformed pair %q, expected FROM:TO", entry)
		}
		pairs = append(pairs, [2]string{parts[0], parts[1]})
	}
	if len(pairs) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeMissingField, "pairs is empty")
	}
	return pairs, nil
}

// rateSetETag hashes the pair/value tuples into a strong ETag.
func rateSetETag(set []storage.ExchangeRate) string {
	hash := sha256.New()
	for _, rate := range set {
		_ = json.NewEncoder(hash).Encode([3]string{rate.FromCurrency, rate.ToCurrency, rate.Rate.String()})
	}
	return `"` + hex.EncodeToString(hash.Sum(nil)[:16]) + `"`
}
