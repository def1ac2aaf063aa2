package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mkosti/angelia/internal/schedule"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.getStatus)
	mux.HandleFunc("GET /api/chats", s.listChats)
	mux.HandleFunc("GET /api/chats/{id}/messages", s.getChatMessages)
	mux.HandleFunc("GET /api/chats/{id}/terminals", s.getChatTerminals)
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("GET /api/outbox", s.getOutbox)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	chats, _ := s.store.ListChats()
	pending, processed, failed, _ := s.outbox.Counts()

	jsonResponse(w, map[string]any{
		"version":         s.version,
		"uptime":          formatUptime(time.Since(s.startedAt)),
		"chats":           len(chats),
		"active_sessions": s.pool.Size(),
		"outbox": map[string]int{
			"pending":   pending,
			"processed": processed,
			"failed":    failed,
		},
	})
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ListChats()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Index live sessions by owner for enrichment.
	live := make(map[string]map[string]any)
	for _, sess := range s.pool.List() {
		live[sess.Owner] = map[string]any{
			"state":         string(sess.State()),
			"terminal":      sess.TerminalKey,
			"message_count": sess.MessageCount(),
			"last_activity": formatMessageTime(sess.LastActivity()),
		}
	}

	out := make([]map[string]any, 0, len(chats))
	for _, c := range chats {
		key, kind := s.terminals.Active(c.ID)
		entry := map[string]any{
			"id":              c.ID,
			"name":            c.Name,
			"active_terminal": key,
			"orchestrator":    kind,
			"updated_at":      formatMessageTime(c.UpdatedAt),
		}
		if sess, ok := live[c.ID]; ok {
			entry["session"] = sess
		}
		out = append(out, entry)
	}
	jsonResponse(w, out)
}

func (s *Server) getChatMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.GetRecent(r.PathValue("id"), 100)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, messages)
}

func (s *Server) getChatTerminals(w http.ResponseWriter, r *http.Request) {
	entries := s.terminals.List(r.PathValue("id"))

	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"key":          e.Key,
			"active":       e.Active,
			"orchestrator": e.Terminal.Orchestrator,
			"label":        e.Terminal.Label,
			"has_state":    e.Terminal.StateData != "",
			"last_used":    formatMessageTime(e.Terminal.LastUsed),
		})
	}
	jsonResponse(w, out)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListRecentBackgroundTasks(50)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, tasks)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	scheduled, err := s.store.ListScheduledTasks()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(scheduled))
	for _, t := range scheduled {
		entry := map[string]any{
			"id":          t.ID,
			"owner":       t.Owner,
			"name":        t.Name,
			"schedule":    schedule.Format(t.Schedule),
			"kind":        t.Kind,
			"status":      t.Status,
			"last_status": t.LastStatus,
		}
		if t.NextRunAt != nil {
			entry["next_run"] = formatMessageTime(*t.NextRunAt)
		}
		out = append(out, entry)
	}
	jsonResponse(w, out)
}

func (s *Server) getOutbox(w http.ResponseWriter, r *http.Request) {
	pending, processed, failed, err := s.outbox.Counts()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]int{
		"pending":   pending,
		"processed": processed,
		"failed":    failed,
	})
}

func formatMessageTime(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
