package devicemgr

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/recircle-data/sortbridge/internal/httputil"
)

// AttachAdminRoutes attaches debugging endpoints under /debug/. These routes
// are reachable only over localhost/Tailscale, not publicly.
func (m *Manager) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("device-state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m.mu.Lock()
		state := m.state
		depth := len(m.queue)
		attempt := m.attempt
		m.mu.Unlock()

		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"state":       state.String(),
			"queue_depth": depth,
			"attempt":     attempt,
		})
	})

	// Immediate write path for poking at the device; deliberately does not
	// queue so a disconnected device fails fast instead of hanging the
	// debug request.
	debug.HandleSilentFunc("send-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := m.TrySendCommand(command); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write command: %v", err), http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to device", command))
	})
}
