package server

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/ctwatch/ctwatch/internal/utils"
)

type RefreshRequest struct {
	FeedID  string `json:"feed_id"`
	FeedURL string `json:"feed_url"`
}

// handleRefresh starts a refresh in the background and returns
// immediately; progress is observable through /api/status.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.FeedID == "" || req.FeedURL == "" {
		http.Error(w, "feed_id and feed_url are required", http.StatusBadRequest)
		return
	}

	if slices.Contains(s.Registry.ListActive(), req.FeedID) {
		http.Error(w, "a refresh for this feed is already running", http.StatusConflict)
		return
	}

	handle := s.Registry.Register(req.FeedID)
	go func() {
		defer s.Registry.Unregister(req.FeedID)
		// The request context dies with the response; the refresh must not.
		ctx, cancelRun := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancelRun()
		if _, err := s.Orchestrator.Refresh(ctx, req.FeedID, req.FeedURL, handle); err != nil {
			utils.Log.Warnf("Background refresh for %s ended with: %v", req.FeedID, err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"feed_id": req.FeedID, "state": "started"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	feedID := r.URL.Query().Get("feed")
	if feedID == "" {
		http.Error(w, "feed query parameter is required", http.StatusBadRequest)
		return
	}
	if !s.Registry.Cancel(feedID) {
		http.Error(w, "no active refresh for this feed", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"feed_id": feedID, "state": "cancelling"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	feedID := r.URL.Query().Get("feed")
	if feedID == "" {
		json.NewEncoder(w).Encode(map[string]any{"active": s.Registry.ListActive()})
		return
	}

	statusJSON, lastChecked, err := s.DB.FeedStatus(r.Context(), feedID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := map[string]any{
		"feed_id":      feedID,
		"in_progress":  slices.Contains(s.Registry.ListActive(), feedID),
		"last_checked": lastChecked,
	}
	if statusJSON != "" {
		out["refresh_status"] = json.RawMessage(statusJSON)
	}
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	records, err := s.DB.ListRecentRecords(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(records)
}
