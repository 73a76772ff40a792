package admin

import (
	"net/http"
	"time"
)

var startedAt = time.Now()

// handleHealth reports liveness of the connection
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(startedAt).Seconds()),
		"oplog_enabled":  h.oplog != nil,
	}
	writeJSONResponse(w, response, false, "")
}

// handleStats returns multiplexer and crossbar counters
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	observers := h.conn.Multiplexers()

	var handles, documents int64
	drivers := map[string]int{}
	for _, info := range observers {
		handles += info.Handles
		documents += info.Documents
		if info.Driver != "" {
			drivers[info.Driver]++
		}
	}

	response := map[string]interface{}{
		"multiplexers":       len(observers),
		"handles":            handles,
		"documents":          documents,
		"drivers":            drivers,
		"crossbar_listeners": h.crossbar.ListenerCount(),
		"crossbar_fired":     h.crossbar.Fired(),
	}
	if h.oplog != nil {
		response["oplog_last_seq"] = h.oplog.LastSeq()
	}

	writeJSONResponse(w, response, false, "")
}
