package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/achievedex/internal/identity"
	"github.com/hitoshi/achievedex/internal/middleware"
)

func newTestRouter(t *testing.T, health HealthChecker) http.Handler {
	t.Helper()

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     1000,
		GeneralBurst:    1000,
		UpstreamRate:    1000,
		UpstreamBurst:   1000,
		CleanupInterval: time.Minute,
	})
	t.Cleanup(limiter.Stop)

	tokens := &mockTokens{tokens: map[string]*identity.VerifiedToken{
		"good-token": {SubjectID: "subject-1"},
	}}
	steamClient := &mockSteam{}

	return NewRouter(&RouterDeps{
		TokenVerifier:     tokens,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       limiter,
		HealthChecker:     health,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics\n"))
		}),
		AuthService:   &mockAuthService{},
		Profiles:      newProfiles(),
		Tokens:        tokens,
		Cookies:       testCookies(),
		Accounts:      &mockAccountStore{},
		Steam:         steamClient,
		SubjectLinker: &mockLinker{subjectID: "subject-1"},
		APIBaseURL:    "http://localhost:8080",
		Achievements:  &mockAchievementService{},
		Views:         &mockViews{},
		GameNames:     mockNames{},
		OwnedGames:    steamClient,
	})
}

func TestRouter_Health(t *testing.T) {
	tests := []struct {
		name       string
		health     HealthChecker
		wantStatus int
		wantBody   string
	}{
		{"ok", mockHealth{}, http.StatusOK, "ok"},
		{"database down", mockHealth{err: errDatabaseDown}, http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, tt.health)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body["status"] != tt.wantBody {
				t.Errorf("status body = %q, want %q", body["status"], tt.wantBody)
			}
		})
	}
}

func TestRouter_Metrics(t *testing.T) {
	router := newTestRouter(t, mockHealth{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRouter_AuthRequired(t *testing.T) {
	router := newTestRouter(t, mockHealth{})

	paths := []string{"/auth/me", "/api/user/profile", "/api/steam/achievements?gameId=440", "/api/steam/games"}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestRouter_BearerAndCookieTokens(t *testing.T) {
	router := newTestRouter(t, mockHealth{})

	t.Run("authorization header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		req.Header.Set("Authorization", "Bearer good-token")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("idToken cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		req.AddCookie(&http.Cookie{Name: middleware.IDTokenCookieName, Value: "good-token"})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		req.Header.Set("Authorization", "Bearer forged")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

func TestRouter_DisconnectRequiresCSRFToken(t *testing.T) {
	router := newTestRouter(t, mockHealth{})

	t.Run("without token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/accounts/steam/disconnect", nil)
		req.Header.Set("Authorization", "Bearer good-token")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("with matching token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/accounts/steam/disconnect", nil)
		req.Header.Set("Authorization", "Bearer good-token")
		req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "csrf-abc"})
		req.Header.Set("X-CSRF-Token", "csrf-abc")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})
}

func TestRouter_PreflightBypassesAuth(t *testing.T) {
	router := newTestRouter(t, mockHealth{})

	req := httptest.NewRequest(http.MethodOptions, "/api/steam/achievements", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestRouter_PublicViews(t *testing.T) {
	router := newTestRouter(t, mockHealth{})

	for _, path := range []string{"/api/achievements/community", "/api/achievements/player/subject-1", "/api/steam/game-names?gameId=440"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}
