package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/livedata/livedata"
)

// handleObservers lists live multiplexers
func (h *AdminHandlers) handleObservers(w http.ResponseWriter, r *http.Request) {
	observers := h.conn.Multiplexers()
	if observers == nil {
		observers = []livedata.ObserverInfo{}
	}
	writeJSONResponse(w, observers, false, "")
}

func (h *AdminHandlers) handleObserver(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, info := range h.conn.Multiplexers() {
		if info.ID == id {
			writeJSONResponse(w, info, false, "")
			return
		}
	}
	writeErrorResponse(w, http.StatusNotFound, "observer not found")
}

// handleObserverDocuments returns the materialized result of a multiplexer
func (h *AdminHandlers) handleObserverDocuments(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	mux, ok := h.conn.Multiplexer(chi.URLParam(r, "id"))
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "observer not found")
		return
	}
	docs, err := mux.Documents()
	if err != nil {
		writeErrorResponse(w, http.StatusGone, err.Error())
		return
	}

	hasMore := len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}
	writeJSONResponse(w, docs, hasMore, "")
}
