package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"sentinel/agent/internal/ledger"
	"sentinel/agent/internal/search"
)

type fakeEngine struct {
	toggleFn  func(ctx context.Context, enabled bool) error
	usersFn   func(ctx context.Context) error
	rulesFn   func(ctx context.Context) error
	markFn    func(ctx context.Context, username, ruleID string) (ledger.MarkedUser, error)
	toggled   []bool
	refreshed []string
}

func (f *fakeEngine) ToggleLabels(ctx context.Context, enabled bool) error {
	f.toggled = append(f.toggled, enabled)
	if f.toggleFn != nil {
		return f.toggleFn(ctx, enabled)
	}
	return nil
}

func (f *fakeEngine) RefreshUsers(ctx context.Context) error {
	f.refreshed = append(f.refreshed, "users")
	if f.usersFn != nil {
		return f.usersFn(ctx)
	}
	return nil
}

func (f *fakeEngine) RefreshRules(ctx context.Context) error {
	f.refreshed = append(f.refreshed, "rules")
	if f.rulesFn != nil {
		return f.rulesFn(ctx)
	}
	return nil
}

func (f *fakeEngine) MarkUser(ctx context.Context, username, ruleID string) (ledger.MarkedUser, error) {
	if f.markFn != nil {
		return f.markFn(ctx, username, ruleID)
	}
	return ledger.MarkedUser{Identity: ledger.CanonicalIdentity(username)}, nil
}

func testLedger(t *testing.T) *ledger.Service {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := ledger.NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	service := ledger.NewWithClock(store, ledger.Hooks{}, func() time.Time { return now })
	snapshot := ledger.Snapshot{
		Rules: []ledger.Rule{{ID: "r1", Name: "Spam", Color: "#ff0000", CreatedAt: 1}},
		Users: map[string]ledger.MarkedUser{
			"alice": {
				Identity:      "alice",
				Rules:         map[string]ledger.ViolationEntry{"r1": {Count: 2, FirstTimestamp: 100}},
				LastTimestamp: 200,
			},
		},
		Settings: ledger.DefaultSettings(),
	}
	if err := service.Import(context.Background(), snapshot); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	return service
}

func testServer(t *testing.T, engine Engine) *HTTPServer {
	t.Helper()
	lg := testLedger(t)
	srv := NewHTTPServer(lg, engine, search.NewService(nil, lg), nil, nil, "*")
	srv.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	return srv
}

func do(t *testing.T, srv *HTTPServer, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	rr := do(t, testServer(t, &fakeEngine{}), http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if payload := decode(t, rr); payload["ok"] != true {
		t.Errorf("ok = %v, want true", payload["ok"])
	}
}

func TestMessageToggleLabels(t *testing.T) {
	engine := &fakeEngine{}
	rr := do(t, testServer(t, engine), http.MethodPost, "/api/messages",
		`{"action":"toggleLabels","enabled":false}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if payload := decode(t, rr); payload["success"] != true {
		t.Errorf("success = %v, want true", payload["success"])
	}
	if len(engine.toggled) != 1 || engine.toggled[0] != false {
		t.Errorf("toggled = %v, want [false]", engine.toggled)
	}
}

func TestMessageToggleLabelsMissingEnabled(t *testing.T) {
	rr := do(t, testServer(t, &fakeEngine{}), http.MethodPost, "/api/messages",
		`{"action":"toggleLabels"}`)
	payload := decode(t, rr)
	if payload["success"] != false {
		t.Fatalf("success = %v, want false", payload["success"])
	}
	if payload["error"] == "" {
		t.Error("expected an error message")
	}
}

func TestMessageRefresh(t *testing.T) {
	engine := &fakeEngine{}
	srv := testServer(t, engine)

	for _, action := range []string{"refreshUsers", "refreshRules"} {
		rr := do(t, srv, http.MethodPost, "/api/messages", `{"action":"`+action+`"}`)
		if payload := decode(t, rr); payload["success"] != true {
			t.Errorf("%s: success = %v, want true", action, payload["success"])
		}
	}
	if len(engine.refreshed) != 2 {
		t.Errorf("refreshed = %v, want two calls", engine.refreshed)
	}
}

func TestMessageMarkUserFromTweet(t *testing.T) {
	engine := &fakeEngine{}
	rr := do(t, testServer(t, engine), http.MethodPost, "/api/messages",
		`{"action":"markUserFromTweet","username":"@Bob","ruleId":"r1"}`)
	payload := decode(t, rr)
	if payload["success"] != true {
		t.Fatalf("success = %v, body %s", payload["success"], rr.Body.String())
	}
	user, ok := payload["user"].(map[string]any)
	if !ok || user["identity"] != "bob" {
		t.Errorf("user = %v, want canonical identity bob", payload["user"])
	}
}

func TestMessageMarkUserFailure(t *testing.T) {
	engine := &fakeEngine{
		markFn: func(ctx context.Context, username, ruleID string) (ledger.MarkedUser, error) {
			return ledger.MarkedUser{}, errors.New("unknown rule")
		},
	}
	rr := do(t, testServer(t, engine), http.MethodPost, "/api/messages",
		`{"action":"markUserFromTweet","username":"bob","ruleId":"nope"}`)
	payload := decode(t, rr)
	if payload["success"] != false {
		t.Fatalf("success = %v, want false", payload["success"])
	}
	if payload["error"] != "unknown rule" {
		t.Errorf("error = %v", payload["error"])
	}
}

func TestMessageUnknownAction(t *testing.T) {
	rr := do(t, testServer(t, &fakeEngine{}), http.MethodPost, "/api/messages",
		`{"action":"selfDestruct"}`)
	if payload := decode(t, rr); payload["success"] != false {
		t.Errorf("success = %v, want false", payload["success"])
	}
}

func TestRulesCRUD(t *testing.T) {
	srv := testServer(t, &fakeEngine{})

	rr := do(t, srv, http.MethodPost, "/api/rules", `{"name":"Harassment","color":"#00ff00"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rr.Code, rr.Body.String())
	}
	created := decode(t, rr)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("created rule has no id: %v", created)
	}

	rr = do(t, srv, http.MethodGet, "/api/rules", "")
	payload := decode(t, rr)
	rules, _ := payload["rules"].([]any)
	if len(rules) != 2 {
		t.Fatalf("rules = %v, want 2", payload["rules"])
	}

	rr = do(t, srv, http.MethodPut, "/api/rules/"+id, `{"name":"Abuse","color":"bogus"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d", rr.Code)
	}
	updated := decode(t, rr)
	if updated["name"] != "Abuse" {
		t.Errorf("name = %v, want Abuse", updated["name"])
	}
	if updated["color"] != "#657786" {
		t.Errorf("color = %v, want default for invalid input", updated["color"])
	}

	rr = do(t, srv, http.MethodDelete, "/api/rules/"+id, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
}

func TestRuleCreateRequiresName(t *testing.T) {
	rr := do(t, testServer(t, &fakeEngine{}), http.MethodPost, "/api/rules", `{"name":"  "}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rr.Code)
	}
}

func TestRuleDeleteInUse(t *testing.T) {
	rr := do(t, testServer(t, &fakeEngine{}), http.MethodDelete, "/api/rules/r1", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (alice still references r1)", rr.Code)
	}
	if payload := decode(t, rr); payload["code"] != "RULE_IN_USE" {
		t.Errorf("code = %v", payload["code"])
	}
}

func TestRuleDeleteMissing(t *testing.T) {
	rr := do(t, testServer(t, &fakeEngine{}), http.MethodDelete, "/api/rules/ghost", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestUsersListAndGet(t *testing.T) {
	srv := testServer(t, &fakeEngine{})

	rr := do(t, srv, http.MethodGet, "/api/users", "")
	payload := decode(t, rr)
	users, _ := payload["markedUsers"].(map[string]any)
	if len(users) != 1 {
		t.Fatalf("markedUsers = %v, want alice only", payload["markedUsers"])
	}

	rr = do(t, srv, http.MethodGet, "/api/users/alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}

	rr = do(t, srv, http.MethodGet, "/api/users/ghost", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing user status = %d, want 404", rr.Code)
	}
}

func TestUserDelete(t *testing.T) {
	srv := testServer(t, &fakeEngine{})

	rr := do(t, srv, http.MethodDelete, "/api/users/alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = do(t, srv, http.MethodGet, "/api/users/alice", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", rr.Code)
	}
}

func TestUserReputation(t *testing.T) {
	rr := do(t, testServer(t, &fakeEngine{}), http.MethodGet, "/api/users/alice/reputation", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	payload := decode(t, rr)
	score, ok := payload["score"].(float64)
	if !ok {
		t.Fatalf("score missing: %v", payload)
	}
	if score < 0 || score > 100 {
		t.Errorf("score = %v, want 0..100", score)
	}
	if payload["label"] == "" || payload["trend"] == "" {
		t.Errorf("label/trend missing: %v", payload)
	}
}

func TestUserNote(t *testing.T) {
	srv := testServer(t, &fakeEngine{})

	rr := do(t, srv, http.MethodPut, "/api/users/alice/note", `{"note":"watchlist"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if payload := decode(t, rr); payload["note"] != "watchlist" {
		t.Errorf("note = %v", payload["note"])
	}
}

func TestUserViolations(t *testing.T) {
	srv := testServer(t, &fakeEngine{})

	rr := do(t, srv, http.MethodPost, "/api/users/bob/violations/r1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("add status = %d, body %s", rr.Code, rr.Body.String())
	}

	rr = do(t, srv, http.MethodDelete, "/api/users/bob/violations/r1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("remove status = %d", rr.Code)
	}
	if payload := decode(t, rr); payload["deleted"] != true {
		t.Errorf("deleted = %v, want true (single violation removed)", payload["deleted"])
	}
}

func TestUserSearch(t *testing.T) {
	rr := do(t, testServer(t, &fakeEngine{}), http.MethodGet, "/api/users/search?q=ali", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	payload := decode(t, rr)
	results, _ := payload["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %v, want 1", payload["results"])
	}
}

func TestUserSearchRejectsNegativeLimit(t *testing.T) {
	rr := do(t, testServer(t, &fakeEngine{}), http.MethodGet, "/api/users/search?q=ali&limit=-1", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rr.Code)
	}
	if payload := decode(t, rr); payload["code"] != "VALIDATION_ERROR" {
		t.Errorf("code = %v", payload["code"])
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	engine := &fakeEngine{}
	srv := testServer(t, engine)

	rr := do(t, srv, http.MethodGet, "/api/export", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("export status = %d", rr.Code)
	}
	exported := rr.Body.String()

	rr = do(t, srv, http.MethodPost, "/api/import", exported)
	if rr.Code != http.StatusOK {
		t.Fatalf("import status = %d, body %s", rr.Code, rr.Body.String())
	}
	// The engine reloads after an import.
	if len(engine.refreshed) != 2 {
		t.Errorf("refreshed = %v, want users and rules", engine.refreshed)
	}
}

func TestImportAcceptsDanglingRuleReference(t *testing.T) {
	// A user can reference a rule the snapshot no longer carries; the orphan
	// renders as Unknown instead of blocking the import.
	rr := do(t, testServer(t, &fakeEngine{}), http.MethodPost, "/api/import",
		`{"rules":[],"markedUsers":{"x":{"identity":"x","rules":{"ghost":{"count":1,"firstTimestamp":1}},"lastTimestamp":1}},"settings":{"showLabels":true}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rr.Code, rr.Body.String())
	}
}

func TestImportRejectsMalformedWholesale(t *testing.T) {
	srv := testServer(t, &fakeEngine{})

	// Duplicate rule ids.
	rr := do(t, srv, http.MethodPost, "/api/import",
		`{"rules":[{"id":"x","name":"A"},{"id":"x","name":"B"}],"markedUsers":{},"settings":{"showLabels":true}}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("duplicate rule ids: status = %d, want 422", rr.Code)
	}

	// A violation count below one.
	rr = do(t, srv, http.MethodPost, "/api/import",
		`{"rules":[{"id":"r9","name":"A"}],"markedUsers":{"x":{"identity":"x","rules":{"r9":{"count":0,"firstTimestamp":1}},"lastTimestamp":1}},"settings":{"showLabels":true}}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("zero count: status = %d, want 422", rr.Code)
	}

	// The rejected imports must not have touched the seeded state.
	rr = do(t, srv, http.MethodGet, "/api/users", "")
	payload := decode(t, rr)
	users, _ := payload["markedUsers"].(map[string]any)
	if _, ok := users["alice"]; !ok {
		t.Fatalf("failed import must leave existing state intact, got %v", users)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	engine := &fakeEngine{}
	srv := testServer(t, engine)

	rr := do(t, srv, http.MethodPut, "/api/settings", `{"showLabels":false,"notificationsEnabled":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("put status = %d", rr.Code)
	}
	if len(engine.toggled) != 1 || engine.toggled[0] != false {
		t.Errorf("toggled = %v, want [false]", engine.toggled)
	}

	rr = do(t, srv, http.MethodGet, "/api/settings", "")
	payload := decode(t, rr)
	if payload["showLabels"] != false || payload["notificationsEnabled"] != true {
		t.Errorf("settings = %v", payload)
	}
}

func TestArchiveUnconfigured(t *testing.T) {
	rr := do(t, testServer(t, &fakeEngine{}), http.MethodGet, "/api/events", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	rr := do(t, testServer(t, &fakeEngine{}), http.MethodGet, "/api/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	rr := do(t, testServer(t, &fakeEngine{}), http.MethodOptions, "/api/rules", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("204 must carry no body, got %q", rr.Body.String())
	}
}
