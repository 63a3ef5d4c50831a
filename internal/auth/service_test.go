package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "AgentNexus-Chain/internal/errors"
)

func newJWTService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "test-secret", Issuer: "agentnexus", AccessTTL: time.Minute}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestIssueAndAuthenticate(t *testing.T) {
	svc := newJWTService(t)
	token, _, err := svc.Issue(Subject{Wallet: "0xABC", Permissions: []string{PermDeploymentsWrite}})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Wallet != "0xabc" || !subject.HasPermission("DEPLOYMENTS:WRITE") {
		t.Fatalf("unexpected subject %+v", subject)
	}
	if err := subject.Authorize(PermExecutionsWrite); !xerrors.HasCode(err, xerrors.CodePermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	svc := newJWTService(t)
	token, _, _ := svc.Issue(Subject{Wallet: "0x1"})

	other, _ := NewService(Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "other", Issuer: "agentnexus"}})
	forged, _, _ := other.Issue(Subject{Wallet: "0x1"})

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	cases := map[string]string{
		"missing": "",
		"scheme":  "Basic abc",
		"expired": "Bearer " + token,
		"forged":  "Bearer " + forged,
	}
	for name, header := range cases {
		if _, err := svc.AuthenticateRequest(context.Background(), header); !xerrors.HasCode(err, xerrors.CodeUnauthenticated) {
			t.Fatalf("%s: expected unauthenticated, got %v", name, err)
		}
	}
}

func TestMiddleware(t *testing.T) {
	svc := newJWTService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodPost: {PermExecutionsWrite},
	}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/executions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	reader, _, _ := svc.Issue(Subject{Wallet: "0x2"})
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/executions", nil)
	req.Header.Set("Authorization", "Bearer "+reader)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	writer, _, _ := svc.Issue(Subject{Wallet: "0x3", Permissions: []string{PermExecutionsWrite}})
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/executions", nil)
	req.Header.Set("Authorization", "Bearer "+writer)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted || seen == nil || seen.Wallet != "0x3" {
		t.Fatalf("expected pass-through, got %d %+v", rec.Code, seen)
	}

	disabled, _ := NewService(Config{})
	rec = httptest.NewRecorder()
	disabled.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("disabled mode should pass through, got %d", rec.Code)
	}
}
