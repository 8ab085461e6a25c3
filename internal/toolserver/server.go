// Package toolserver exposes the Orchestrator's tool contracts as a thin
// JSON-over-HTTP dispatcher (the Model Context Protocol transport named
// in the spec). HTTP, not stdio, is used because wait_next_event must be
// independently cancellable by the host transport closing the request.
package toolserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/mvorch/microvm-orchestrator/internal/orchestrator"
)

const defaultWaitTimeout = 30 * time.Minute

// Server wraps the Orchestrator behind an http.Handler.
type Server struct {
	orc *orchestrator.Orchestrator
	mux *http.ServeMux
}

// New constructs a Server bound to orc. Call Handler() to get the
// http.Handler, or ListenAndServe to run it directly.
func New(orc *orchestrator.Orchestrator) *Server {
	s := &Server{orc: orc, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/run_task", s.handleRunTask)
	s.mux.HandleFunc("/get_task_info", s.handleGetTaskInfo)
	s.mux.HandleFunc("/get_task_logs", s.handleGetTaskLogs)
	s.mux.HandleFunc("/wait_next_event", s.handleWaitNextEvent)
	s.mux.HandleFunc("/cleanup_task", s.handleCleanupTask)
	s.mux.HandleFunc("/list_repos", s.handleListRepos)
	s.mux.HandleFunc("/list_tasks", s.handleListTasks)
	s.mux.HandleFunc("/list_slots", s.handleListSlots)
}

// Handler returns the composed http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe runs the HTTP server in the foreground on addr.
func (s *Server) ListenAndServe(addr string) error {
	log.Printf("toolserver: listening on %s", addr)
	return http.ListenAndServe(addr, s.mux)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("toolserver: encoding response: %v", err)
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
		Repo        string `json:"repo"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, map[string]string{"error": "invalid request body"})
		return
	}
	writeJSON(w, s.orc.RunTask(req.Description, req.Repo))
}

func (s *Server) handleGetTaskInfo(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("task_id")
	writeJSON(w, s.orc.GetTaskInfo(id))
}

func (s *Server) handleGetTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("task_id")
	writeJSON(w, s.orc.GetTaskLogs(id))
}

func (s *Server) handleWaitNextEvent(w http.ResponseWriter, r *http.Request) {
	timeout := defaultWaitTimeout
	if v := r.URL.Query().Get("timeout_ms"); v != "" {
		if ms, err := parseMillis(v); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	// The request context is cancelled when the client disconnects, so a
	// mid-flight transport close surfaces as ctx cancellation rather than
	// a timeout.
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	writeJSON(w, s.orc.WaitNextEvent(ctx))
}

func (s *Server) handleCleanupTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID    string `json:"task_id"`
		DeleteRef bool   `json:"delete_ref"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, map[string]string{"error": "invalid request body"})
		return
	}
	writeJSON(w, s.orc.CleanupTask(req.TaskID, req.DeleteRef))
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.orc.ListRepos())
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.orc.ListTasks())
}

func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.orc.ListSlots())
}

func parseMillis(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errNotANumber
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

var errNotANumber = &notANumberError{}

type notANumberError struct{}

func (*notANumberError) Error() string { return "not a number" }
