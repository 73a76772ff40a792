package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/maxpert/livedata/crossbar"
	"github.com/maxpert/livedata/livedata"
	"github.com/maxpert/livedata/oplog"
	"github.com/rs/zerolog/log"
)

// AdminHandlers serves diagnostics of a running connection
type AdminHandlers struct {
	conn     *livedata.Connection
	oplog    *oplog.Log
	crossbar *crossbar.Crossbar
}

// NewAdminHandlers creates a new AdminHandlers instance. l may be nil when
// the change log is disabled.
func NewAdminHandlers(conn *livedata.Connection, l *oplog.Log) *AdminHandlers {
	return &AdminHandlers{
		conn:     conn,
		oplog:    l,
		crossbar: conn.Crossbar(),
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseFrom parses the change log position to continue after
func parseFrom(r *http.Request) (uint64, error) {
	fromStr := r.URL.Query().Get("from")
	if fromStr == "" {
		return 0, nil
	}
	from, err := strconv.ParseUint(fromStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid from parameter: %w", err)
	}
	return from, nil
}

// formatTimestamp converts nanoseconds to ISO 8601 string
func formatTimestamp(nanos int64) string {
	if nanos == 0 {
		return ""
	}
	return time.Unix(0, nanos).UTC().Format(time.RFC3339Nano)
}
