package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// handleHealth reports liveness and coarse load.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.hub.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"devices":  stats.Devices,
		"sessions": stats.Sessions,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

// handleAudio serves cached speech clips referenced by voice blocks. Entries
// expire with the cache TTL, so clients fetch promptly and do not bookmark
// the URL.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	if s.audio == nil {
		writeError(w, http.StatusNotFound, "audio cache is not enabled")
		return
	}

	clip, contentType, ok := s.audio.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown or expired audio id")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(clip)))
	if ttl := s.cfg.Speech.CacheTTL; ttl > 0 {
		w.Header().Set("Cache-Control", fmt.Sprintf("private, max-age=%d", int(ttl.Seconds())))
	}
	_, _ = w.Write(clip)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
