// Package adminapi exposes a read-mostly HTTP surface over the registry:
// team listings, status, the recent-event buffer, and a websocket stream of
// live ingestion events.
package adminapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/huntworks/picvault/internal/ingest"
	"github.com/huntworks/picvault/internal/teams"
)

type ServerConfig struct {
	Token string
}

type Server struct {
	registry *teams.Registry
	hub      *ingest.Hub
	cfg      ServerConfig
	started  time.Time
}

func NewServer(registry *teams.Registry, hub *ingest.Hub) *Server {
	return NewServerWithConfig(registry, hub, ServerConfig{})
}

func NewServerWithConfig(registry *teams.Registry, hub *ingest.Hub, cfg ServerConfig) *Server {
	return &Server{
		registry: registry,
		hub:      hub,
		cfg:      cfg,
		started:  time.Now(),
	}
}

// teamView is a TeamSummary plus the stored file count for that team.
type teamView struct {
	teams.TeamSummary
	FileCount int `json:"fileCount"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	switch {
	case r.URL.Path == "/v1/teams" && r.Method == http.MethodGet:
		s.handleListTeams(w)
	case strings.HasPrefix(r.URL.Path, "/v1/teams/"):
		s.handleTeam(w, r)
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w)
	case r.URL.Path == "/v1/events" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"events": s.hub.Recent()})
	case r.URL.Path == "/v1/events/stream" && r.Method == http.MethodGet:
		s.handleEventStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// authorize checks the static bearer token. An empty configured token
// leaves the API open, which is the local-development default.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	presented := strings.TrimPrefix(header, prefix)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleListTeams(w http.ResponseWriter) {
	summaries := s.registry.Snapshot()
	views := make([]teamView, 0, len(summaries))
	for _, summary := range summaries {
		views = append(views, teamView{
			TeamSummary: summary,
			FileCount:   countFiles(summary.DataFolder),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": views})
}

func (s *Server) handleTeam(w http.ResponseWriter, r *http.Request) {
	rawKey := strings.TrimPrefix(r.URL.Path, "/v1/teams/")
	key, err := strconv.ParseInt(rawKey, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid team key")
		return
	}
	switch r.Method {
	case http.MethodGet:
		summary, ok := s.registry.SnapshotTeam(key)
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "no such team")
			return
		}
		writeJSON(w, http.StatusOK, teamView{TeamSummary: summary, FileCount: countFiles(summary.DataFolder)})
	case http.MethodDelete:
		if err := s.registry.DeleteTeam(key); err != nil {
			writeError(w, http.StatusNotFound, "not_found", "no such team")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or DELETE")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	teamCount, identityCount := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"teams":         teamCount,
		"identities":    identityCount,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, cancel := s.hub.Subscribe(32)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

// countFiles reports the number of stored submissions in a team folder,
// excluding the sidecar itself. Unreadable folders count as zero.
func countFiles(folder string) int {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Base(entry.Name()) == teams.SidecarName {
			continue
		}
		count++
	}
	return count
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
