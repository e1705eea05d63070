package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeQueryError maps query errors onto status codes. Absent aggregates are
// 404, bad parameters 400, everything else is logged and reported as 500.
func writeQueryError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, what string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.ErrorContext(r.Context(), "handler: "+what+" query failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load "+what)
	}
}

// parseListOpts extracts limit and offset from the query string. The query
// service clamps the limit.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()
	var opts domain.ListOpts
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		opts.Offset = n
	}
	return opts
}

// parseTime accepts RFC 3339 or unix seconds. An empty value yields nil.
func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		t := time.Unix(secs, 0).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseUint(v string) (*uint64, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Display renders raw token amounts as decimal strings scaled by the token's
// decimals.
type Display struct {
	Decimals int32
}

// Amount formats v, treating nil as zero.
func (d Display) Amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -d.Decimals).String()
}
