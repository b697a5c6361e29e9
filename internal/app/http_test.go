package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"civictrack/api/internal/accounts"
	"civictrack/api/internal/store"
)

type memoryUserStore struct {
	byEmail map[string]store.User
}

func (m *memoryUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	user, ok := m.byEmail[email]
	if !ok {
		return store.User{}, errors.New("not found")
	}
	return user, nil
}

func (m *memoryUserStore) CreateUser(ctx context.Context, user store.User) error {
	m.byEmail[user.Email] = user
	return nil
}

type httpFixture struct {
	server  *httptest.Server
	service *Service
	store   *fakeStore
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	fs := newFakeStore()
	seedUsers(fs)
	svc, _ := newTestService(fs)
	accountsSvc := accounts.NewService(&memoryUserStore{byEmail: map[string]store.User{}})
	httpServer := NewHTTPServer(svc, accountsSvc, nil, nil, "*")

	server := httptest.NewServer(httpServer.Handler())
	t.Cleanup(server.Close)
	return &httpFixture{server: server, service: svc, store: fs}
}

func (f *httpFixture) token(t *testing.T, userID string) string {
	t.Helper()
	user, err := f.store.GetUserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("load user %s: %v", userID, err)
	}
	token, _, err := f.service.IssueSession(user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return token
}

func (f *httpFixture) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHTTPIssueLifecycle(t *testing.T) {
	f := newHTTPFixture(t)
	citizen := f.token(t, "usr_citizen")
	admin := f.token(t, "usr_admin")
	staff := f.token(t, "usr_staff")

	resp, created := f.do(t, http.MethodPost, "/api/issues", citizen, map[string]any{
		"title":    "Collapsed drain cover",
		"category": "drainage",
		"location": "Oak Ave",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create issue: status %d body %v", resp.StatusCode, created)
	}
	issueID, _ := created["id"].(string)
	if issueID == "" {
		t.Fatalf("missing issue id in %v", created)
	}

	resp, body := f.do(t, http.MethodPost, "/api/admin/issues/"+issueID+"/assign", admin, map[string]any{
		"staffId": "usr_staff",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign: status %d body %v", resp.StatusCode, body)
	}
	if body["status"] != "assigned" {
		t.Fatalf("expected assigned status, got %v", body["status"])
	}

	resp, body = f.do(t, http.MethodPatch, "/api/staff/issues/"+issueID+"/status", staff, map[string]any{
		"status": "in-progress",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status change: status %d body %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/api/staff/issues/"+issueID+"/progress", staff, map[string]any{
		"message": "Crew on site",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("progress note: status %d body %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/api/issues/"+issueID+"/timeline", citizen, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("timeline: status %d body %v", resp.StatusCode, body)
	}
	entries, _ := body["timeline"].([]any)
	if len(entries) != 4 {
		t.Fatalf("expected 4 timeline entries (report, assign, status, note), got %d", len(entries))
	}
}

func TestHTTPRequiresAuth(t *testing.T) {
	f := newHTTPFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/issues", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body %v", resp.StatusCode, body)
	}
	if body["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED code, got %v", body["code"])
	}
}

func TestHTTPRoleGates(t *testing.T) {
	f := newHTTPFixture(t)
	citizen := f.token(t, "usr_citizen")
	f.store.addIssue(pendingIssue("iss_1"))

	resp, body := f.do(t, http.MethodPost, "/api/admin/issues/iss_1/reject", citizen, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body %v", resp.StatusCode, body)
	}
}

func TestHTTPEditRejectsUnknownFields(t *testing.T) {
	f := newHTTPFixture(t)
	citizen := f.token(t, "usr_citizen")
	f.store.addIssue(pendingIssue("iss_1"))

	resp, body := f.do(t, http.MethodPatch, "/api/issues/iss_1", citizen, map[string]any{
		"title":  "Updated title",
		"status": "resolved",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d body %v", resp.StatusCode, body)
	}
}

func TestHTTPCreateIssueValidation(t *testing.T) {
	f := newHTTPFixture(t)
	citizen := f.token(t, "usr_citizen")

	resp, body := f.do(t, http.MethodPost, "/api/issues", citizen, map[string]any{
		"title": "x",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body %v", resp.StatusCode, body)
	}
	if body["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", body["code"])
	}

	// Priority is a closed normal/high enumeration.
	resp, body = f.do(t, http.MethodPost, "/api/issues", citizen, map[string]any{
		"title":    "Flickering streetlight",
		"category": "lighting",
		"location": "Oak Ave",
		"priority": "low",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for low priority, got %d body %v", resp.StatusCode, body)
	}
}

func TestHTTPSignUpAndSignIn(t *testing.T) {
	f := newHTTPFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"displayName": "New Citizen",
		"email":       "new@example.com",
		"password":    "long-enough-pass",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup: status %d body %v", resp.StatusCode, body)
	}
	if token, _ := body["accessToken"].(string); token == "" {
		t.Fatalf("expected access token in %v", body)
	}

	resp, body = f.do(t, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "new@example.com",
		"password": "long-enough-pass",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signin: status %d body %v", resp.StatusCode, body)
	}
	if body["role"] != "citizen" {
		t.Fatalf("expected citizen role, got %v", body["role"])
	}

	resp, body = f.do(t, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "new@example.com",
		"password": "wrong-password",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d body %v", resp.StatusCode, body)
	}
}

func TestHTTPHealthAndReady(t *testing.T) {
	f := newHTTPFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("health: status %d body %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/api/ready", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready: status %d body %v", resp.StatusCode, body)
	}
}

func TestHTTPExpiredTokenRejected(t *testing.T) {
	f := newHTTPFixture(t)

	expired := NewService(f.store, &recordingAudit{}, noopIndexer{}, ServiceConfig{
		JWTSecret: []byte("test-secret"),
		AccessTTL: -time.Minute,
	})
	user, _ := f.store.GetUserByID(context.Background(), "usr_citizen")
	token, _, err := expired.IssueSession(user)
	if err != nil {
		t.Fatalf("issue expired token: %v", err)
	}

	resp, body := f.do(t, http.MethodGet, "/api/issues", token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d body %v", resp.StatusCode, body)
	}
}
