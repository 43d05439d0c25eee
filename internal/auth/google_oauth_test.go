package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/achievedex/internal/model"
)

// fakeGoogle は /token と /userinfo を返すテスト用サーバー。
type fakeGoogle struct {
	tokenStatus int
	tokenBody   string
	infoStatus  int
	infoBody    string

	gotForm       url.Values
	gotAuthHeader string
}

func (f *fakeGoogle) start(t *testing.T) (*httptest.Server, GoogleOAuthConfig) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.gotForm = r.PostForm
		w.WriteHeader(f.tokenStatus)
		w.Write([]byte(f.tokenBody))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		f.gotAuthHeader = r.Header.Get("Authorization")
		w.WriteHeader(f.infoStatus)
		w.Write([]byte(f.infoBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, GoogleOAuthConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost:8080/auth/google/callback",
		TokenURL:     srv.URL + "/token",
		UserInfoURL:  srv.URL + "/userinfo",
		HTTPClient:   srv.Client(),
	}
}

func TestGoogleOAuthProvider_GetLoginURL(t *testing.T) {
	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:    "client-id",
		RedirectURL: "http://localhost:8080/auth/google/callback",
	})

	u, err := url.Parse(provider.GetLoginURL("state-xyz"))
	if err != nil {
		t.Fatalf("invalid URL: %v", err)
	}
	if got := u.Scheme + "://" + u.Host + u.Path; got != defaultGoogleAuthURL {
		t.Errorf("endpoint = %q, want %q", got, defaultGoogleAuthURL)
	}

	q := u.Query()
	want := map[string]string{
		"client_id":     "client-id",
		"redirect_uri":  "http://localhost:8080/auth/google/callback",
		"response_type": "code",
		"scope":         "openid email profile",
		"state":         "state-xyz",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, q.Get(k), v)
		}
	}
}

func TestGoogleOAuthProvider_ExchangeCode_Success(t *testing.T) {
	fake := &fakeGoogle{
		tokenStatus: http.StatusOK,
		tokenBody:   `{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`,
		infoStatus:  http.StatusOK,
		infoBody:    `{"sub":"google-123","email":"player@example.com","name":"Player One","picture":"https://example.com/p.png"}`,
	}
	_, cfg := fake.start(t)

	info, err := NewGoogleOAuthProvider(cfg).ExchangeCode(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}

	if fake.gotForm.Get("code") != "auth-code" || fake.gotForm.Get("grant_type") != "authorization_code" {
		t.Errorf("token form = %v", fake.gotForm)
	}
	if fake.gotForm.Get("client_secret") != "client-secret" {
		t.Error("client_secret should be sent to the token endpoint")
	}
	if fake.gotAuthHeader != "Bearer at-1" {
		t.Errorf("Authorization = %q", fake.gotAuthHeader)
	}

	want := OAuthUserInfo{
		ProviderUserID: "google-123",
		Email:          "player@example.com",
		Name:           "Player One",
		Picture:        "https://example.com/p.png",
		Provider:       model.ProviderGoogle,
	}
	if *info != want {
		t.Errorf("info = %+v, want %+v", *info, want)
	}
}

func TestGoogleOAuthProvider_ExchangeCode_Failures(t *testing.T) {
	okToken := `{"access_token":"at-1"}`
	okInfo := `{"sub":"google-123"}`

	tests := []struct {
		name       string
		fake       fakeGoogle
		wantStatus int
		wantMsg    string
	}{
		{"トークン交換が400", fakeGoogle{tokenStatus: 400, tokenBody: `{"error":"invalid_grant"}`, infoStatus: 200, infoBody: okInfo}, 400, "invalid_grant"},
		{"アクセストークンが空", fakeGoogle{tokenStatus: 200, tokenBody: `{}`, infoStatus: 200, infoBody: okInfo}, 0, "empty access token"},
		{"トークンが不正なJSON", fakeGoogle{tokenStatus: 200, tokenBody: `{`, infoStatus: 200, infoBody: okInfo}, 0, "failed to parse"},
		{"ユーザー情報が401", fakeGoogle{tokenStatus: 200, tokenBody: okToken, infoStatus: 401, infoBody: `unauthorized`}, 401, "userinfo endpoint"},
		{"subが空", fakeGoogle{tokenStatus: 200, tokenBody: okToken, infoStatus: 200, infoBody: `{"email":"a@b"}`}, 0, "empty sub"},
		{"エラー本文は切り詰める", fakeGoogle{tokenStatus: 500, tokenBody: strings.Repeat("x", 1000), infoStatus: 200, infoBody: okInfo}, 500, strings.Repeat("x", maxOAuthErrorBody)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := tt.fake
			_, cfg := fake.start(t)

			_, err := NewGoogleOAuthProvider(cfg).ExchangeCode(context.Background(), "code")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want to contain %q", err, tt.wantMsg)
			}
			var httpErr *OAuthHTTPError
			if tt.wantStatus != 0 {
				if !errors.As(err, &httpErr) || httpErr.StatusCode != tt.wantStatus {
					t.Errorf("OAuthHTTPError status = %+v, want %d", httpErr, tt.wantStatus)
				}
				if len(httpErr.Body) > maxOAuthErrorBody {
					t.Errorf("body length = %d, want <= %d", len(httpErr.Body), maxOAuthErrorBody)
				}
			} else if errors.As(err, &httpErr) {
				t.Errorf("unexpected OAuthHTTPError: %v", httpErr)
			}
		})
	}
}

func TestGoogleOAuthProvider_DefaultsToProductionEndpoints(t *testing.T) {
	p := NewGoogleOAuthProvider(GoogleOAuthConfig{})
	if p.config.TokenURL != defaultGoogleTokenURL || p.config.UserInfoURL != defaultGoogleUserInfoURL {
		t.Errorf("endpoints = %q %q", p.config.TokenURL, p.config.UserInfoURL)
	}
	if p.client != http.DefaultClient {
		t.Error("nil HTTPClient should fall back to http.DefaultClient")
	}
}
