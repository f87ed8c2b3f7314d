package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/securequery-labs/securequery/internal/access"
	"github.com/securequery-labs/securequery/internal/audit"
	"github.com/securequery-labs/securequery/internal/auth"
	"github.com/securequery-labs/securequery/internal/crypto"
	"github.com/securequery-labs/securequery/internal/engine"
	"github.com/securequery-labs/securequery/internal/observability"
	"github.com/securequery-labs/securequery/internal/sqlref"
	"github.com/securequery-labs/securequery/internal/storage"
)

type staticExecutor struct {
	result *storage.ResultSet
}

func (e *staticExecutor) Execute(ctx context.Context, query string) (*storage.ResultSet, error) {
	return e.result, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()

	catalog := storage.NewMemoryCatalog()
	err := catalog.RegisterTable(ctx, "employees", []sqlref.ColumnInfo{
		{Name: "id", Type: "INTEGER"},
		{Name: "name", Type: "TEXT", Public: true},
		{Name: "ssn", Type: "TEXT", Encrypted: true},
	})
	if err != nil {
		t.Fatalf("failed to seed catalog: %v", err)
	}

	authService := auth.NewService(auth.NewMemoryUserStore(), []byte("test-secret"), time.Hour)
	users := map[string]auth.Role{
		"root":  auth.RoleAdmin,
		"alice": auth.RoleAnalyst,
	}
	perms := access.NewMemoryPermissionStore()
	for username, role := range users {
		user, err := authService.Register(ctx, username, username+"-password", role)
		if err != nil {
			t.Fatalf("failed to register %s: %v", username, err)
		}
		if role == auth.RoleAnalyst {
			err := perms.Put(ctx, access.Permission{
				UserID:    user.ID,
				Table:     "employees",
				Column:    "name",
				Effect:    access.EffectAllow,
				GrantedAt: time.Now(),
			})
			if err != nil {
				t.Fatalf("failed to seed permission: %v", err)
			}
		}
	}

	master, err := crypto.NewMasterKey("server test passphrase")
	if err != nil {
		t.Fatalf("failed to create master key: %v", err)
	}
	t.Cleanup(master.Close)

	orchestrator := engine.NewOrchestrator(
		sqlref.NewExtractor(catalog),
		access.NewEvaluator(perms, catalog),
		crypto.NewManager(master, crypto.NewMemoryKeyStore()),
		&staticExecutor{result: &storage.ResultSet{
			Columns: []string{"name"},
			Rows:    [][]string{{"Ada"}},
		}},
		audit.NewRecorder(audit.NewMemoryStore()),
		observability.NewNoopLogger(),
	)

	auditStore := audit.NewMemoryStore()
	return New(authService, orchestrator, auditStore, observability.NewJSONLogger(&bytes.Buffer{}), "test")
}

func login(t *testing.T, s *Server, username string) string {
	t.Helper()
	body := fmt.Sprintf(`{"username":%q,"password":%q}`, username, username+"-password")
	req := httptest.NewRequest(http.MethodPost, "/v1/login", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("login response is not JSON: %v", err)
	}
	return resp.Token
}

func doQuery(s *Server, token, sql string) *httptest.ResponseRecorder {
	body := fmt.Sprintf(`{"sql":%q}`, sql)
	req := httptest.NewRequest(http.MethodPost, "/v1/query", bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

// TestServer_Health verifies the health endpoint needs no auth.
func TestServer_Health(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// TestServer_LoginRejectsBadPassword verifies wrong credentials get 401.
func TestServer_LoginRejectsBadPassword(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/login",
		bytes.NewBufferString(`{"username":"alice","password":"wrong"}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

// TestServer_QueryRequiresToken verifies /v1/query is authenticated.
func TestServer_QueryRequiresToken(t *testing.T) {
	s := newTestServer(t)
	rec := doQuery(s, "", "SELECT name FROM employees")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
}

// TestServer_QueryAllowed verifies an authorized query returns rows.
func TestServer_QueryAllowed(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s, "alice")

	rec := doQuery(s, token, "SELECT name FROM employees")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result engine.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("response is not a result: %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0][0] != "Ada" {
		t.Errorf("unexpected rows: %v", result.Rows)
	}
}

// TestServer_QueryDeniedIs403 verifies denials map to 403, not 500.
func TestServer_QueryDeniedIs403(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s, "alice")

	rec := doQuery(s, token, "SELECT ssn FROM employees")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for denied column, got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestServer_QueryParseErrorIs400 verifies rejected statements map to 400.
func TestServer_QueryParseErrorIs400(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s, "alice")

	rec := doQuery(s, token, "DROP TABLE employees")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for rejected statement, got %d", rec.Code)
	}
}

// TestServer_AuditAdminOnly verifies audit projections need admin.
func TestServer_AuditAdminOnly(t *testing.T) {
	s := newTestServer(t)
	analystToken := login(t, s, "alice")
	adminToken := login(t, s, "root")

	req := httptest.NewRequest(http.MethodGet, "/v1/audit/recent", nil)
	req.Header.Set("Authorization", "Bearer "+analystToken)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for analyst, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/audit/recent", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for admin, got %d: %s", rec.Code, rec.Body.String())
	}
}
