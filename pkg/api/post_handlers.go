package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/stationhq/beacon/pkg/content"
	"github.com/stationhq/beacon/pkg/httputil"
	"github.com/stationhq/beacon/pkg/scheduler"
	"github.com/stationhq/beacon/pkg/storage"
)

// schedulePostRequest is the wire shape for POST /api/v1/posts.
type schedulePostRequest struct {
	Content     content.ShareableContent `json:"content"`
	Destination string                   `json:"destination"`
	ScheduledAt time.Time                `json:"scheduled_at"`
	Recurrence  string                   `json:"recurrence,omitempty"`
	MaxRetries  int                      `json:"max_retries,omitempty"`
}

// createPost handles POST /api/v1/posts
func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	var req schedulePostRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	post := &storage.ScheduledPost{
		Content:     req.Content,
		Destination: req.Destination,
		ScheduledAt: req.ScheduledAt,
		Recurrence:  req.Recurrence,
		MaxRetries:  req.MaxRetries,
	}
	if err := s.scheduler.Schedule(r.Context(), post); err != nil {
		if errors.Is(err, scheduler.ErrInvalidPost) {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteCreated(w, post)
}

// listPosts handles GET /api/v1/posts
func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	status := storage.PostStatus(httputil.ParseQueryString(r, "status", ""))
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

	posts, err := s.store.ListScheduledPosts(r.Context(), status, limit, offset)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, posts)
}

// getPost handles GET /api/v1/posts/{id}
func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	id := httputil.GetPathVars(r)["id"]
	post, err := s.store.GetScheduledPost(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteNotFoundError(w, "post not found: "+id)
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, post)
}

// cancelPost handles DELETE /api/v1/posts/{id}
func (s *Server) cancelPost(w http.ResponseWriter, r *http.Request) {
	id := httputil.GetPathVars(r)["id"]
	err := s.scheduler.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httputil.WriteNotFoundError(w, "post not found: "+id)
	case errors.Is(err, storage.ErrNotCancellable):
		httputil.WriteConflict(w, "post is being delivered, retry once it settles")
	case err != nil:
		httputil.WriteInternalError(w, err)
	default:
		httputil.WriteNoContent(w)
	}
}
