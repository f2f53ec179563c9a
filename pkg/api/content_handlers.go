package api

import (
	"net/http"

	"github.com/stationhq/beacon/pkg/httputil"
)

// listContent handles GET /api/v1/content
func (s *Server) listContent(w http.ResponseWriter, r *http.Request) {
	source := httputil.ParseQueryString(r, "source", "")
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	items, err := s.store.ListContentItems(r.Context(), source, limit, offset)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, items)
}
