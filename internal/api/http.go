// Package api is the management surface: the message table the control UI
// posts to, plus rules, users, reputation, search, import/export and the
// optional archive and journal views.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sentinel/agent/internal/archive"
	"sentinel/agent/internal/journal"
	"sentinel/agent/internal/ledger"
	"sentinel/agent/internal/reputation"
	"sentinel/agent/internal/search"
)

// Engine is the overlay control surface the message table drives.
type Engine interface {
	ToggleLabels(ctx context.Context, enabled bool) error
	RefreshUsers(ctx context.Context) error
	RefreshRules(ctx context.Context) error
	MarkUser(ctx context.Context, username, ruleID string) (ledger.MarkedUser, error)
}

// Searcher answers marked-user queries.
type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

// EventLister reads the violation event archive.
type EventLister interface {
	ListEvents(ctx context.Context, filter archive.Filter) ([]archive.Event, error)
}

// Historian lists journal commits.
type Historian interface {
	History(limit int) ([]journal.CommitInfo, error)
}

type HTTPServer struct {
	ledger     *ledger.Service
	engine     Engine
	searcher   Searcher
	events     EventLister
	journal    Historian
	corsOrigin string
	now        func() time.Time
}

// NewHTTPServer wires the management API. searcher, events and journal may be
// nil when the backing service is not configured; their endpoints answer 503.
func NewHTTPServer(lg *ledger.Service, engine Engine, searcher Searcher, events EventLister, historian Historian, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		ledger:     lg,
		engine:     engine,
		searcher:   searcher,
		events:     events,
		journal:    historian,
		corsOrigin: corsOrigin,
		now:        time.Now,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		// 204 carries no body; the CORS headers are already set by the
		// middleware.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/messages" {
		s.handleMessage(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/rules" {
		rules, err := s.ledger.Rules(r.Context())
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		if rules == nil {
			rules = []ledger.Rule{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/rules" {
		var body struct {
			Name  string `json:"name"`
			Color string `json:"color"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		if strings.TrimSpace(body.Name) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required")
			return
		}
		rule, err := s.ledger.CreateRule(r.Context(), body.Name, body.Color)
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusCreated, rule)
		return
	}

	if parts := splitPath(r.URL.Path); len(parts) == 3 && parts[0] == "api" && parts[1] == "rules" {
		s.handleRule(w, r, parts[2])
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/users" {
		users, err := s.ledger.Users(r.Context())
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		if users == nil {
			users = map[string]ledger.MarkedUser{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"markedUsers": users})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/users/search" {
		s.handleUserSearch(w, r)
		return
	}

	if parts := splitPath(r.URL.Path); len(parts) >= 3 && parts[0] == "api" && parts[1] == "users" {
		s.handleUser(w, r, parts[2], parts[3:])
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/export" {
		snapshot, err := s.ledger.Export(r.Context())
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/import" {
		var snapshot ledger.Snapshot
		if err := decodeBody(r, &snapshot); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		if err := s.ledger.Import(r.Context(), snapshot); err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		if s.engine != nil {
			if err := s.engine.RefreshUsers(r.Context()); err != nil {
				log.Printf("api: refresh users after import: %v", err)
			}
			if err := s.engine.RefreshRules(r.Context()); err != nil {
				log.Printf("api: refresh rules after import: %v", err)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/settings" {
		settings, err := s.ledger.Settings(r.Context())
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, settings)
		return
	}

	if r.Method == http.MethodPut && r.URL.Path == "/api/settings" {
		var settings ledger.Settings
		if err := decodeBody(r, &settings); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		if err := s.ledger.SaveSettings(r.Context(), settings); err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		if s.engine != nil {
			if err := s.engine.ToggleLabels(r.Context(), settings.ShowLabels); err != nil {
				log.Printf("api: apply label setting: %v", err)
			}
		}
		writeJSON(w, http.StatusOK, settings)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/events" {
		if s.events == nil {
			writeError(w, http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Event archive not configured")
			return
		}
		filter := archive.Filter{
			Identity: strings.TrimSpace(r.URL.Query().Get("identity")),
			Action:   strings.TrimSpace(r.URL.Query().Get("action")),
		}
		limit, ok := queryInt(w, r, "limit")
		if !ok {
			return
		}
		filter.Limit = limit
		events, err := s.events.ListEvents(r.Context(), filter)
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		if events == nil {
			events = []archive.Event{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/journal" {
		if s.journal == nil {
			writeError(w, http.StatusServiceUnavailable, "JOURNAL_UNAVAILABLE", "Snapshot journal not configured")
			return
		}
		limit, ok := queryInt(w, r, "limit")
		if !ok {
			return
		}
		commits, err := s.journal.History(limit)
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		if commits == nil {
			commits = []journal.CommitInfo{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
}

// handleMessage dispatches the tagged control messages. Responses use the
// success envelope rather than the error one; callers branch on the flag.
func (s *HTTPServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action   string `json:"action"`
		Enabled  *bool  `json:"enabled,omitempty"`
		Username string `json:"username,omitempty"`
		RuleID   string `json:"ruleId,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if s.engine == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "overlay engine not running"})
		return
	}

	switch body.Action {
	case "toggleLabels":
		if body.Enabled == nil {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "enabled is required"})
			return
		}
		if err := s.engine.ToggleLabels(r.Context(), *body.Enabled); err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case "refreshUsers":
		if err := s.engine.RefreshUsers(r.Context()); err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case "refreshRules":
		if err := s.engine.RefreshRules(r.Context()); err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case "markUserFromTweet":
		if strings.TrimSpace(body.Username) == "" || strings.TrimSpace(body.RuleID) == "" {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "username and ruleId are required"})
			return
		}
		user, err := s.engine.MarkUser(r.Context(), body.Username, body.RuleID)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": fmt.Sprintf("unknown action %q", body.Action)})
	}
}

func (s *HTTPServer) handleRule(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodPut:
		var body struct {
			Name  string `json:"name"`
			Color string `json:"color"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		if strings.TrimSpace(body.Name) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required")
			return
		}
		rule, err := s.ledger.UpdateRule(r.Context(), id, body.Name, body.Color)
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	case http.MethodDelete:
		if err := s.ledger.DeleteRule(r.Context(), id); err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	}
}

func (s *HTTPServer) handleUser(w http.ResponseWriter, r *http.Request, identity string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			user, found, err := s.ledger.User(r.Context(), identity)
			if err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			if !found {
				writeError(w, http.StatusNotFound, "NOT_FOUND", "User not marked")
				return
			}
			writeJSON(w, http.StatusOK, user)
		case http.MethodDelete:
			if err := s.ledger.RemoveUser(r.Context(), identity); err != nil {
				status, code, message := mapError(err)
				writeError(w, status, code, message)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
		return
	}

	if len(rest) == 1 && rest[0] == "reputation" && r.Method == http.MethodGet {
		user, found, err := s.ledger.User(r.Context(), identity)
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "User not marked")
			return
		}
		writeJSON(w, http.StatusOK, reputation.Compute(user, s.now()))
		return
	}

	if len(rest) == 1 && rest[0] == "note" && r.Method == http.MethodPut {
		var body struct {
			Note string `json:"note"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		user, err := s.ledger.SetNote(r.Context(), identity, body.Note)
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, user)
		return
	}

	rulePath := len(rest) == 2 && rest[0] == "violations"
	if rulePath && r.Method == http.MethodPost {
		user, err := s.ledger.AddViolation(r.Context(), identity, rest[1])
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, user)
		return
	}
	if rulePath && r.Method == http.MethodDelete {
		user, deleted, err := s.ledger.RemoveViolation(r.Context(), identity, rest[1])
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": user, "deleted": deleted})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
}

func (s *HTTPServer) handleUserSearch(w http.ResponseWriter, r *http.Request) {
	if s.searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search not configured")
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	resp := s.searcher.Search(r.Context(), search.Query{
		Text:  strings.TrimSpace(r.URL.Query().Get("q")),
		Limit: limit,
	})
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", key+" must be a non-negative integer")
		return 0, false
	}
	return parsed, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "error": message})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, ledger.ErrRuleNotFound):
		return http.StatusNotFound, "RULE_NOT_FOUND", "Rule not found"
	case errors.Is(err, ledger.ErrUserNotFound):
		return http.StatusNotFound, "USER_NOT_FOUND", "User not marked"
	case errors.Is(err, ledger.ErrRuleInUse):
		return http.StatusConflict, "RULE_IN_USE", "Rule has recorded violations"
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Concurrent modification, retry"
	case errors.Is(err, ledger.ErrInvalidImport):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error()
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error"
}
