package server

import (
	"net/http"
	"nightvibe/pkg/vibe"
	"strconv"
	"strings"
)

// Display query limits.
const (
	DefaultPostLimit = 20
	MaxPostLimit     = 100
)

type postsResponse struct {
	Posts []*vibe.StoredPost `json:"posts"`
	Count int                `json:"count"`
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	if s.posts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "post storage not configured")
		return
	}

	q := r.URL.Query()
	query := vibe.Query{
		Location: strings.TrimSpace(q.Get("location")),
		Limit:    DefaultPostLimit,
	}
	if raw := q.Get("platform"); raw != "" {
		p, err := vibe.ParsePlatform(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		query.Platform = p
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		query.Limit = min(n, MaxPostLimit)
	}

	posts, err := s.posts.Query(r.Context(), query)
	if err != nil {
		s.logger.Error("Failed to query posts", "location", query.Location, "platform", query.Platform, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load posts")
		return
	}
	if posts == nil {
		posts = []*vibe.StoredPost{}
	}
	s.writeJSON(w, http.StatusOK, postsResponse{Posts: posts, Count: len(posts)})
}
