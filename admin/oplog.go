package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/oplog"
)

type entryResponse struct {
	Seq        uint64             `json:"seq"`
	Collection string             `json:"collection"`
	ID         string             `json:"id,omitempty"`
	Op         string             `json:"op"`
	Doc        *document.Document `json:"doc,omitempty"`
	Modifier   *document.Document `json:"modifier,omitempty"`
	Timestamp  string             `json:"timestamp,omitempty"`
	Node       uint64             `json:"node,omitempty"`
	Corrupt    bool               `json:"corrupt,omitempty"`
}

// handleOplogStatus returns the retained range of the change log
func (h *AdminHandlers) handleOplogStatus(w http.ResponseWriter, r *http.Request) {
	if h.oplog == nil {
		writeErrorResponse(w, http.StatusNotFound, "change log disabled")
		return
	}
	writeJSONResponse(w, h.oplog.Stats(), false, "")
}

// handleOplogEntries pages through change log entries after ?from=
func (h *AdminHandlers) handleOplogEntries(w http.ResponseWriter, r *http.Request) {
	if h.oplog == nil {
		writeErrorResponse(w, http.StatusNotFound, "change log disabled")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseFrom(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.oplog.ReadFrom(from, limit+1)
	if errors.Is(err, oplog.ErrTrimmed) {
		writeErrorResponse(w, http.StatusGone, err.Error())
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}

	response := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		response = append(response, entryResponse{
			Seq:        e.Seq,
			Collection: e.Collection,
			ID:         e.ID,
			Op:         e.Op.String(),
			Doc:        e.Doc,
			Modifier:   e.Modifier,
			Timestamp:  formatTimestamp(e.Timestamp),
			Node:       e.Node,
			Corrupt:    e.Corrupt,
		})
	}

	lastKey := ""
	if len(entries) > 0 {
		lastKey = strconv.FormatUint(entries[len(entries)-1].Seq, 10)
	}
	writeJSONResponse(w, response, hasMore, lastKey)
}
