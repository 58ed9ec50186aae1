package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/duh17/pideck/internal/pairing"
	"github.com/duh17/pideck/internal/permissions"
	"github.com/duh17/pideck/internal/sessions"
	filestore "github.com/duh17/pideck/internal/store/file"
)

const adminToken = "admin-test-token"

type apiRig struct {
	server  *httptest.Server
	handler *Handler
	store   *filestore.Store
	rules   *permissions.RuleStore
	pairing *pairing.Manager
}

// startTestServer brings up the REST surface on a real listener.
func startTestServer(t *testing.T) *apiRig {
	t.Helper()
	dir := t.TempDir()
	fs, err := filestore.New(dir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	rules := permissions.NewRuleStore(filepath.Join(dir, "rules.json"))
	audit := permissions.NewAuditLog(filepath.Join(dir, "audit.jsonl"))
	gate := permissions.NewGate(rules, audit, time.Second)
	manager := sessions.NewManager(sessions.Options{
		Store: fs,
		Gate:  gate,
	})
	pm := pairing.NewManager(dir, adminToken, time.Minute)

	h := NewHandler(Options{
		Store:   fs,
		Manager: manager,
		Gate:    gate,
		Rules:   rules,
		Audit:   audit,
		Pairing: pm,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &apiRig{server: ts, handler: h, store: fs, rules: rules, pairing: pm}
}

// call issues a request with the given token and decodes the JSON body.
func (rig *apiRig) call(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, rig.server.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func (rig *apiRig) mustCreateWorkspace(t *testing.T, id string) {
	t.Helper()
	code, body := rig.call(t, "POST", "/workspaces", adminToken,
		map[string]any{"id": id, "name": id, "runtime": "host"})
	if code != http.StatusCreated {
		t.Fatalf("create workspace = %d %v", code, body)
	}
}

func TestAuthTokenClasses(t *testing.T) {
	rig := startTestServer(t)
	authDev, err := rig.pairing.Redeem(rig.pairing.NewPairingToken(), "t", "phone")
	if err != nil {
		t.Fatal(err)
	}
	pushDev, err := rig.pairing.RegisterPushDevice("beeper")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"admin", adminToken, http.StatusOK},
		{"auth device", authDev.Token, http.StatusOK},
		{"push device rejected", pushDev.Token, http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "nope", http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := rig.call(t, "GET", "/workspaces", tc.token, nil)
			if code != tc.want {
				t.Fatalf("status = %d, want %d", code, tc.want)
			}
		})
	}

	code, body := rig.call(t, "GET", "/me", authDev.Token, nil)
	if code != http.StatusOK || body["class"] != pairing.ClassAuthDevice {
		t.Fatalf("GET /me = %d %v", code, body)
	}
}

func TestWorkspaceCRUD(t *testing.T) {
	rig := startTestServer(t)

	// Runtime is required.
	code, _ := rig.call(t, "POST", "/workspaces", adminToken, map[string]any{"id": "bad", "name": "bad"})
	if code != http.StatusBadRequest {
		t.Fatalf("missing runtime = %d, want 400", code)
	}

	rig.mustCreateWorkspace(t, "w1")
	code, body := rig.call(t, "GET", "/workspaces/w1", adminToken, nil)
	if code != http.StatusOK {
		t.Fatalf("get = %d %v", code, body)
	}

	code, _ = rig.call(t, "PUT", "/workspaces/w1", adminToken,
		map[string]any{"name": "renamed", "runtime": "container"})
	if code != http.StatusOK {
		t.Fatalf("update = %d", code)
	}
	ws, _ := rig.store.GetWorkspace("w1")
	if ws.Name != "renamed" || ws.Runtime != "container" {
		t.Fatalf("persisted workspace = %+v", ws)
	}

	// Delete is idempotent at the store level; the route maps the
	// second call to 404.
	if code, _ = rig.call(t, "DELETE", "/workspaces/w1", adminToken, nil); code != http.StatusOK {
		t.Fatalf("first delete = %d", code)
	}
	if code, _ = rig.call(t, "DELETE", "/workspaces/w1", adminToken, nil); code != http.StatusNotFound {
		t.Fatalf("second delete = %d, want 404", code)
	}
}

func TestWorkspacePolicyRoutesNotExposed(t *testing.T) {
	rig := startTestServer(t)
	rig.mustCreateWorkspace(t, "w1")

	for _, path := range []string{"/workspaces/w1/policy", "/workspaces/w1/policy/rules"} {
		code, _ := rig.call(t, "GET", path, adminToken, nil)
		if code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, code)
		}
	}
}

func TestSessionLifecycleOverREST(t *testing.T) {
	rig := startTestServer(t)
	rig.mustCreateWorkspace(t, "w1")

	code, body := rig.call(t, "POST", "/workspaces/w1/sessions", adminToken,
		map[string]any{"name": "fix the bug", "model": "anthropic/claude-x"})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %v", code, body)
	}
	sess := body["session"].(map[string]any)
	sid := sess["id"].(string)
	if sess["name"] != "fix the bug" || sess["model"] != "anthropic/claude-x" {
		t.Fatalf("session = %v", sess)
	}

	code, body = rig.call(t, "GET", "/workspaces/w1/sessions", adminToken, nil)
	if code != http.StatusOK || len(body["sessions"].([]any)) != 1 {
		t.Fatalf("list = %d %v", code, body)
	}

	code, _ = rig.call(t, "GET", "/workspaces/w1/sessions/"+sid, adminToken, nil)
	if code != http.StatusOK {
		t.Fatalf("detail = %d", code)
	}
	code, _ = rig.call(t, "GET", "/workspaces/w1/sessions/ghost", adminToken, nil)
	if code != http.StatusNotFound {
		t.Fatalf("unknown session = %d, want 404", code)
	}

	// Stop reports stopped even though nothing is running.
	code, body = rig.call(t, "POST", "/workspaces/w1/sessions/"+sid+"/stop", adminToken, nil)
	if code != http.StatusOK {
		t.Fatalf("stop = %d", code)
	}
	if st := body["session"].(map[string]any)["status"]; st != "stopped" {
		t.Fatalf("status after stop = %v", st)
	}

	// Delete acknowledges immediately; cleanup lands shortly after.
	code, _ = rig.call(t, "DELETE", "/workspaces/w1/sessions/"+sid, adminToken, nil)
	if code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rig.store.ListSessions("w1")) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session record never removed")
}

func TestSessionFullViewLoadsTrace(t *testing.T) {
	rig := startTestServer(t)
	rig.mustCreateWorkspace(t, "w1")
	code, body := rig.call(t, "POST", "/workspaces/w1/sessions", adminToken, nil)
	if code != http.StatusCreated {
		t.Fatalf("create = %d", code)
	}
	sid := body["session"].(map[string]any)["id"].(string)

	dir := rig.store.SessionDir("w1", sid)
	trace := "{\"step\":1}\nnot json\n{\"step\":2}\n"
	if err := os.WriteFile(filepath.Join(dir, "trace.jsonl"), []byte(trace), 0o644); err != nil {
		t.Fatal(err)
	}

	code, body = rig.call(t, "GET", "/workspaces/w1/sessions/"+sid+"?view=full", adminToken, nil)
	if code != http.StatusOK {
		t.Fatalf("full view = %d", code)
	}
	entries := body["trace"].([]any)
	if len(entries) != 2 {
		t.Fatalf("trace = %v, want 2 valid lines", entries)
	}
}

func TestPolicyRuleRoutes(t *testing.T) {
	rig := startTestServer(t)
	rule, err := rig.rules.Add(permissions.Rule{
		Tool:       "bash",
		Decision:   permissions.ActionAllow,
		Executable: "ls",
		Scope:      permissions.ScopeGlobal,
		Source:     permissions.SourceManual,
	})
	if err != nil {
		t.Fatal(err)
	}

	code, body := rig.call(t, "GET", "/policy/rules", adminToken, nil)
	if code != http.StatusOK || len(body["rules"].([]any)) != 1 {
		t.Fatalf("list rules = %d %v", code, body)
	}

	code, body = rig.call(t, "PATCH", "/policy/rules/"+rule.ID, adminToken,
		map[string]any{"decision": "deny"})
	if code != http.StatusOK {
		t.Fatalf("patch = %d %v", code, body)
	}
	if body["rule"].(map[string]any)["decision"] != "deny" {
		t.Fatalf("patched rule = %v", body["rule"])
	}

	code, _ = rig.call(t, "PATCH", "/policy/rules/"+rule.ID, adminToken,
		map[string]any{"decision": "maybe"})
	if code != http.StatusBadRequest {
		t.Fatalf("bad decision = %d, want 400", code)
	}

	code, _ = rig.call(t, "PATCH", "/policy/rules/ghost", adminToken, map[string]any{"decision": "deny"})
	if code != http.StatusNotFound {
		t.Fatalf("patch unknown = %d, want 404", code)
	}

	if code, _ = rig.call(t, "DELETE", "/policy/rules/"+rule.ID, adminToken, nil); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	if code, _ = rig.call(t, "DELETE", "/policy/rules/"+rule.ID, adminToken, nil); code != http.StatusNotFound {
		t.Fatalf("delete again = %d, want 404", code)
	}
}

func TestAuditRoute(t *testing.T) {
	rig := startTestServer(t)
	for i := 0; i < 3; i++ {
		rig.handler.audit.Append(permissions.AuditEntry{
			SessionID: "s1", Tool: "bash", Action: permissions.ActionAllow, Layer: "preset",
		})
	}
	rig.handler.audit.Append(permissions.AuditEntry{
		SessionID: "other", Tool: "bash", Action: permissions.ActionDeny, Layer: "guardrail",
	})

	code, body := rig.call(t, "GET", "/policy/audit?sessionId=s1&limit=2", adminToken, nil)
	if code != http.StatusOK {
		t.Fatalf("audit = %d", code)
	}
	if n := len(body["entries"].([]any)); n != 2 {
		t.Fatalf("entries = %d, want limit 2", n)
	}

	code, _ = rig.call(t, "GET", "/policy/audit?limit=-1", adminToken, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d, want 400", code)
	}
}

func TestPairEndpoint(t *testing.T) {
	rig := startTestServer(t)

	// Missing pairing token.
	code, _ := rig.call(t, "POST", "/pair", "", map[string]any{})
	if code != http.StatusBadRequest {
		t.Fatalf("missing token = %d, want 400", code)
	}

	// Invalid token.
	code, _ = rig.call(t, "POST", "/pair", "", map[string]any{"token": "bogus"})
	if code != http.StatusUnauthorized {
		t.Fatalf("invalid token = %d, want 401", code)
	}

	// Redeem, then replay.
	pt := rig.pairing.NewPairingToken()
	code, body := rig.call(t, "POST", "/pair", "", map[string]any{"token": pt, "name": "phone"})
	if code != http.StatusOK {
		t.Fatalf("pair = %d %v", code, body)
	}
	devToken := body["token"].(string)
	if code, _ = rig.call(t, "GET", "/me", devToken, nil); code != http.StatusOK {
		t.Fatalf("device token rejected = %d", code)
	}
	code, _ = rig.call(t, "POST", "/pair", "", map[string]any{"token": pt})
	if code != http.StatusUnauthorized {
		t.Fatalf("replay = %d, want 401", code)
	}
}

func TestPairRateLimit(t *testing.T) {
	rig := startTestServer(t)
	var got429 bool
	for i := 0; i < 12; i++ {
		code, _ := rig.call(t, "POST", "/pair", "", map[string]any{"token": "bogus"})
		if code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	if !got429 {
		t.Fatal("no 429 after repeated invalid pairing attempts")
	}
}
