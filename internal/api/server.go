// Package api exposes the HTTP facade of the bridge: one route per device
// action, plus status and dispatch-history endpoints.
package api

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/recircle-data/sortbridge/internal/db"
	"github.com/recircle-data/sortbridge/internal/devicemgr"
	"github.com/recircle-data/sortbridge/internal/httputil"
	"github.com/recircle-data/sortbridge/internal/monitoring"
	"github.com/recircle-data/sortbridge/internal/version"
)

// CursorSource reports the poller's current scan position, when a poller is
// running.
type CursorSource interface {
	Cursor() uint64
}

// Server routes HTTP requests to the device manager.
type Server struct {
	mgr      *devicemgr.Manager
	store    *db.DB       // optional
	cursor   CursorSource // optional
	commands map[string]string
}

// NewServer builds the facade. store and cursor may be nil; the corresponding
// endpoints degrade gracefully.
func NewServer(mgr *devicemgr.Manager, store *db.DB, cursor CursorSource, commands map[string]string) *Server {
	return &Server{
		mgr:      mgr,
		store:    store,
		cursor:   cursor,
		commands: commands,
	}
}

// ServeMux returns the route table. Admin and debug routes are attached by
// the caller so the facade stays independent of them.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/dispatches", s.dispatchesHandler)
	mux.HandleFunc("/", s.actionHandler)
	return mux
}

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// actionHandler serves GET /{action}. The action name is looked up in the
// configured command map and the mapped token is sent to the device. The
// request blocks until the command has been written, failed, or the client
// goes away; a command queued behind a reconnect resolves when the drain
// reaches it.
func (s *Server) actionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	action := strings.Trim(r.URL.Path, "/")
	if action == "" {
		s.homeHandler(w, r)
		return
	}

	command, ok := s.commands[action]
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("unknown action %q", action))
		return
	}

	err := s.mgr.SendCommand(r.Context(), command)
	s.recordDispatch(action, command, err)

	if err != nil {
		monitoring.Logf("action %s: command %q failed: %v", action, command, err)
		httputil.WriteJSON(w, http.StatusInternalServerError, actionResponse{
			Success: false,
			Message: err.Error(),
		})
		return
	}

	monitoring.Debugf("action %s: sent command %q", action, command)
	httputil.WriteJSON(w, http.StatusOK, actionResponse{
		Success: true,
		Message: fmt.Sprintf("command %q sent", command),
	})
}

func (s *Server) recordDispatch(action, command string, err error) {
	if s.store == nil {
		return
	}
	d := db.Dispatch{
		ID:      uuid.NewString(),
		Source:  "http",
		Command: command,
		Success: err == nil,
	}
	if err != nil {
		d.Error = err.Error()
	}
	if rerr := s.store.RecordDispatch(d); rerr != nil {
		monitoring.Logf("failed to record %s dispatch: %v", action, rerr)
	}
}

type statusResponse struct {
	Version    string  `json:"version"`
	State      string  `json:"device_state"`
	QueueDepth int     `json:"queue_depth"`
	Cursor     *uint64 `json:"scan_cursor,omitempty"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	resp := statusResponse{
		Version:    version.Version,
		State:      s.mgr.State().String(),
		QueueDepth: s.mgr.QueueLen(),
	}
	if s.cursor != nil {
		pos := s.cursor.Cursor()
		resp.Cursor = &pos
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// dispatchesHandler returns recent dispatch outcomes, newest first. The
// optional limit query parameter caps the page size (default 50, max 500).
func (s *Server) dispatchesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.WriteJSON(w, http.StatusOK, []db.Dispatch{})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = min(n, 500)
	}

	rows, err := s.store.Dispatches(limit)
	if err != nil {
		monitoring.Logf("failed to list dispatches: %v", err)
		httputil.InternalServerError(w, "failed to list dispatches")
		return
	}
	if rows == nil {
		rows = []db.Dispatch{}
	}
	httputil.WriteJSON(w, http.StatusOK, rows)
}

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "sortbridge %s\n\nactions:\n", version.String())
	actions := make([]string, 0, len(s.commands))
	for action := range s.commands {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	for _, action := range actions {
		fmt.Fprintf(w, "  GET /%s -> %q\n", action, s.commands[action])
	}
	fmt.Fprint(w, "\nGET /status\nGET /dispatches?limit=N\n")
}
