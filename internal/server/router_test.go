package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/waymark/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/waymark/backend/internal/landmarks"
	"github.com/MarcoPoloResearchLab/waymark/backend/internal/users"
)

type serverFixture struct {
	handler  http.Handler
	users    *users.Service
	sessions *auth.SessionIssuer
	realtime *RealtimeDispatcher
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&users.Account{}, &users.Invite{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}

	sessions, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "waymark-api",
		CookieName:    "waymark_session",
		SessionTTL:    time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create session issuer: %v", err)
	}

	dir := t.TempDir()
	tables, err := landmarks.OpenTables(landmarks.TablesConfig{
		DataDir:   filepath.Join(dir, "data"),
		PhotosDir: filepath.Join(dir, "photos"),
		TrashDir:  filepath.Join(dir, "trash"),
		Games:     []string{"5", "6"},
		Resolver:  landmarks.NewResolver(routeGeocoder{}),
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to open tables: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Tables:   tables,
		Users:    userService,
		Sessions: sessions,
		Realtime: realtime,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &serverFixture{handler: handler, users: userService, sessions: sessions, realtime: realtime}
}

type routeGeocoder struct{}

func (routeGeocoder) Resolve(_ context.Context, address string) ([]float64, error) {
	if strings.HasPrefix(address, "Ferry Building") {
		return []float64{37.795, -122.393}, nil
	}
	return nil, nil
}

func (f *serverFixture) sessionCookie(t *testing.T, username string) *http.Cookie {
	t.Helper()
	token, _, err := f.sessions.IssueSession(username)
	if err != nil {
		t.Fatalf("failed to issue session: %v", err)
	}
	return &http.Cookie{Name: f.sessions.CookieName(), Value: token}
}

func (f *serverFixture) doJSON(t *testing.T, method, path string, payload any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
		body = bytes.NewBuffer(encoded)
	} else {
		body = bytes.NewBuffer(nil)
	}
	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func TestRegisterIssuesSessionCookie(t *testing.T) {
	fixture := newServerFixture(t)
	code, err := fixture.users.CreateInvite()
	if err != nil {
		t.Fatalf("failed to mint invite: %v", err)
	}

	recorder := fixture.doJSON(t, http.MethodPost, "/auth/register", map[string]string{
		"invite_code":     code,
		"username":        "alice",
		"password":        "long enough password",
		"repeat_password": "long enough password",
	}, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	body := decodeBody(t, recorder)
	if body["username"] != "alice" {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["profile_color"] == "" {
		t.Fatalf("expected profile color in response")
	}

	cookies := recorder.Result().Cookies()
	var sessionCookie *http.Cookie
	for _, cookie := range cookies {
		if cookie.Name == fixture.sessions.CookieName() {
			sessionCookie = cookie
		}
	}
	if sessionCookie == nil || sessionCookie.Value == "" {
		t.Fatalf("session cookie not set: %v", cookies)
	}
	if !sessionCookie.HttpOnly {
		t.Fatalf("session cookie must be http-only")
	}
}

func TestRegisterValidatesPayload(t *testing.T) {
	fixture := newServerFixture(t)
	code, err := fixture.users.CreateInvite()
	if err != nil {
		t.Fatalf("failed to mint invite: %v", err)
	}

	tests := []struct {
		name     string
		payload  map[string]string
		expected int
	}{
		{"password mismatch", map[string]string{
			"invite_code": code, "username": "alice",
			"password": "one", "repeat_password": "two",
		}, http.StatusBadRequest},
		{"missing invite", map[string]string{
			"username": "alice", "password": "pw", "repeat_password": "pw",
		}, http.StatusBadRequest},
		{"bad invite", map[string]string{
			"invite_code": "nope", "username": "alice",
			"password": "pw", "repeat_password": "pw",
		}, http.StatusForbidden},
		{"bad username", map[string]string{
			"invite_code": code, "username": "has space",
			"password": "pw", "repeat_password": "pw",
		}, http.StatusBadRequest},
	}
	for _, test := range tests {
		recorder := fixture.doJSON(t, http.MethodPost, "/auth/register", test.payload, nil)
		if recorder.Code != test.expected {
			t.Fatalf("%s: expected %d, got %d: %s", test.name, test.expected, recorder.Code, recorder.Body.String())
		}
	}
}

func TestLoginChecksCredentials(t *testing.T) {
	fixture := newServerFixture(t)
	code, err := fixture.users.CreateInvite()
	if err != nil {
		t.Fatalf("failed to mint invite: %v", err)
	}
	if _, err := fixture.users.Register(code, "alice", "right password"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	ok := fixture.doJSON(t, http.MethodPost, "/auth/login", map[string]string{
		"username": "alice", "password": "right password",
	}, nil)
	if ok.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", ok.Code, ok.Body.String())
	}

	bad := fixture.doJSON(t, http.MethodPost, "/auth/login", map[string]string{
		"username": "alice", "password": "wrong password",
	}, nil)
	if bad.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", bad.Code)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	fixture := newServerFixture(t)

	recorder := fixture.doJSON(t, http.MethodGet, "/auth/me", nil, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", recorder.Code)
	}

	recorder = fixture.doJSON(t, http.MethodGet, "/games/5/landmarks", nil, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", recorder.Code)
	}
}

func TestProfileReportsActor(t *testing.T) {
	fixture := newServerFixture(t)
	code, err := fixture.users.CreateInvite()
	if err != nil {
		t.Fatalf("failed to mint invite: %v", err)
	}
	if _, err := fixture.users.Register(code, "alice", "password"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	recorder := fixture.doJSON(t, http.MethodGet, "/auth/me", nil, fixture.sessionCookie(t, "alice"))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["username"] != "alice" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestChangePasswordEndpoint(t *testing.T) {
	fixture := newServerFixture(t)
	code, err := fixture.users.CreateInvite()
	if err != nil {
		t.Fatalf("failed to mint invite: %v", err)
	}
	if _, err := fixture.users.Register(code, "alice", "old password"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	cookie := fixture.sessionCookie(t, "alice")

	mismatch := fixture.doJSON(t, http.MethodPost, "/auth/password", map[string]string{
		"old_password": "old password", "new_password": "new one", "repeat_new_password": "new two",
	}, cookie)
	if mismatch.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for mismatch, got %d", mismatch.Code)
	}

	ok := fixture.doJSON(t, http.MethodPost, "/auth/password", map[string]string{
		"old_password": "old password", "new_password": "new password", "repeat_new_password": "new password",
	}, cookie)
	if ok.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", ok.Code, ok.Body.String())
	}
	if _, err := fixture.users.Authenticate("alice", "new password"); err != nil {
		t.Fatalf("new password does not authenticate: %v", err)
	}
}

func TestLogoutExpiresCookie(t *testing.T) {
	fixture := newServerFixture(t)

	recorder := fixture.doJSON(t, http.MethodPost, "/auth/logout", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == fixture.sessions.CookieName() && cookie.MaxAge >= 0 {
			t.Fatalf("expected session cookie to be expired, got max-age %d", cookie.MaxAge)
		}
	}
}
