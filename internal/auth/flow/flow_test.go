package flow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nvander/mailbridge/internal/account"
	"github.com/nvander/mailbridge/internal/auth/pkce"
	"github.com/nvander/mailbridge/internal/provider"
)

// fakeAgent satisfies UserAgent without a browser: respond receives the
// parsed authorization URL and fabricates the provider's redirect.
type fakeAgent struct {
	respond    func(authURL *url.URL, redirectURI string) (*url.URL, error)
	gotAuthURL *url.URL
}

func (a *fakeAgent) Begin(ctx context.Context) (Session, error) {
	return &fakeSession{agent: a}, nil
}

type fakeSession struct {
	agent *fakeAgent
}

func (s *fakeSession) RedirectURI() string {
	return "http://127.0.0.1:7878/oauth/callback"
}

func (s *fakeSession) Wait(ctx context.Context, authURL string) (*url.URL, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return nil, err
	}
	s.agent.gotAuthURL = u
	return s.agent.respond(u, s.RedirectURI())
}

func (s *fakeSession) Close() error { return nil }

func callbackWithCode(authURL *url.URL, redirectURI, code string) *url.URL {
	cb, _ := url.Parse(redirectURI)
	q := cb.Query()
	q.Set("code", code)
	q.Set("state", authURL.Query().Get("state"))
	cb.RawQuery = q.Encode()
	return cb
}

func testProvider(tokenURL, profileURL string) provider.Provider {
	return provider.Provider{
		ID:         "yahoo",
		AuthURL:    "https://auth.example.com/authorize",
		TokenURL:   tokenURL,
		ProfileURL: profileURL,
		ClientID:   "client-123",
		Scopes:     []string{"openid", "email", "mail-r"},
	}
}

func newTestController(agent UserAgent) *Controller {
	return NewController(agent, &http.Client{Timeout: 5 * time.Second}, zap.NewNop())
}

func TestBeginLink_Success(t *testing.T) {
	var tokenForm url.Values
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse token form: %v", err)
		}
		tokenForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"AT1","refresh_token":"RT1","expires_in":3600,"token_type":"Bearer"}`)
	}))
	defer tokenSrv.Close()

	profileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer AT1" {
			t.Errorf("profile auth header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"email":"a@b.com","name":"A B"}`)
	}))
	defer profileSrv.Close()

	agent := &fakeAgent{
		respond: func(authURL *url.URL, redirectURI string) (*url.URL, error) {
			return callbackWithCode(authURL, redirectURI, "ABC123"), nil
		},
	}
	c := newTestController(agent)

	acc, err := c.BeginLink(context.Background(), testProvider(tokenSrv.URL, profileSrv.URL))
	if err != nil {
		t.Fatalf("begin link: %v", err)
	}

	if acc.Email != "a@b.com" {
		t.Errorf("email = %q, want a@b.com", acc.Email)
	}
	if acc.DisplayName != "A B" {
		t.Errorf("display name = %q, want A B", acc.DisplayName)
	}
	if acc.AccessToken != "AT1" || acc.RefreshToken != "RT1" {
		t.Errorf("tokens = %q/%q, want AT1/RT1", acc.AccessToken, acc.RefreshToken)
	}
	if acc.IsExpired() {
		t.Error("fresh account reports expired")
	}
	if acc.ID == "" {
		t.Error("account ID not assigned")
	}

	if got := tokenForm.Get("grant_type"); got != "authorization_code" {
		t.Errorf("grant_type = %q", got)
	}
	if got := tokenForm.Get("code"); got != "ABC123" {
		t.Errorf("code = %q", got)
	}
	if got := tokenForm.Get("client_id"); got != "client-123" {
		t.Errorf("client_id = %q", got)
	}
	if tokenForm.Get("client_secret") != "" {
		t.Error("public client flow sent a client secret")
	}
	verifier := tokenForm.Get("code_verifier")
	if verifier == "" {
		t.Fatal("code exchange sent no code_verifier")
	}
	wantChallenge := agent.gotAuthURL.Query().Get("code_challenge")
	if pkce.ChallengeFor(verifier) != wantChallenge {
		t.Error("code_verifier does not match the challenge sent in the authorization URL")
	}
}

func TestBeginLink_AuthorizationURL(t *testing.T) {
	agent := &fakeAgent{
		respond: func(authURL *url.URL, redirectURI string) (*url.URL, error) {
			// Abort after capturing the URL; this test only inspects it.
			return nil, ErrUserCancelled
		},
	}
	c := newTestController(agent)
	p := testProvider("https://token.example.com/token", "https://profile.example.com/me")

	_, err := c.BeginLink(context.Background(), p)
	if !errors.Is(err, ErrUserCancelled) {
		t.Fatalf("expected cancellation sentinel, got %v", err)
	}

	u := agent.gotAuthURL
	if u == nil {
		t.Fatal("authorization URL never built")
	}
	q := u.Query()

	if got := q.Get("client_id"); got != "client-123" {
		t.Errorf("client_id = %q", got)
	}
	if got := q.Get("redirect_uri"); got != "http://127.0.0.1:7878/oauth/callback" {
		t.Errorf("redirect_uri = %q", got)
	}
	if got := q.Get("response_type"); got != "code" {
		t.Errorf("response_type = %q", got)
	}
	if got := q.Get("scope"); got != "openid email mail-r" {
		t.Errorf("scope = %q", got)
	}
	if q.Get("state") == "" || q.Get("nonce") == "" {
		t.Error("state or nonce missing")
	}
	if q.Get("code_challenge") == "" {
		t.Error("code_challenge missing")
	}
	if got := q.Get("code_challenge_method"); got != "S256" {
		t.Errorf("code_challenge_method = %q", got)
	}
	// A literal '+' in the encoded query would be read back as a space.
	if strings.Contains(u.RawQuery, "+") {
		t.Errorf("encoded query contains literal '+': %s", u.RawQuery)
	}
}

func TestBeginLink_FreshStatePerAttempt(t *testing.T) {
	var states, challenges []string
	agent := &fakeAgent{
		respond: func(authURL *url.URL, redirectURI string) (*url.URL, error) {
			q := authURL.Query()
			states = append(states, q.Get("state"))
			challenges = append(challenges, q.Get("code_challenge"))
			return nil, ErrUserCancelled
		},
	}
	c := newTestController(agent)
	p := testProvider("https://token.example.com/token", "https://profile.example.com/me")

	for i := 0; i < 2; i++ {
		if _, err := c.BeginLink(context.Background(), p); !errors.Is(err, ErrUserCancelled) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	if states[0] == states[1] {
		t.Error("state reused across attempts")
	}
	if challenges[0] == challenges[1] {
		t.Error("code challenge reused across attempts")
	}
}

func TestBeginLink_UserCancelled(t *testing.T) {
	agent := &fakeAgent{
		respond: func(authURL *url.URL, redirectURI string) (*url.URL, error) {
			return nil, ErrUserCancelled
		},
	}
	c := newTestController(agent)

	_, err := c.BeginLink(context.Background(), testProvider("https://t.example.com", "https://p.example.com"))
	if !errors.Is(err, ErrUserCancelled) {
		t.Fatalf("expected ErrUserCancelled, got %v", err)
	}
}

func TestBeginLink_CallbackErrors(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		matching bool // reuse the real state value
		wantErr  error
	}{
		{name: "access denied is a cancel", query: "error=access_denied", wantErr: ErrUserCancelled},
		{name: "missing code", query: "", matching: true, wantErr: ErrMissingAuthorizationCode},
		{name: "state mismatch", query: "code=ABC&state=forged", wantErr: ErrInvalidCallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := &fakeAgent{
				respond: func(authURL *url.URL, redirectURI string) (*url.URL, error) {
					q := tt.query
					if tt.matching {
						if q != "" {
							q += "&"
						}
						q += "state=" + authURL.Query().Get("state")
					}
					return url.Parse(redirectURI + "?" + q)
				},
			}
			c := newTestController(agent)

			_, err := c.BeginLink(context.Background(), testProvider("https://t.example.com", "https://p.example.com"))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestBeginLink_ProviderError(t *testing.T) {
	agent := &fakeAgent{
		respond: func(authURL *url.URL, redirectURI string) (*url.URL, error) {
			return url.Parse(redirectURI + "?error=server_error&error_description=temporarily+unavailable")
		},
	}
	c := newTestController(agent)

	_, err := c.BeginLink(context.Background(), testProvider("https://t.example.com", "https://p.example.com"))
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Code != "server_error" || pe.Description != "temporarily unavailable" {
		t.Fatalf("provider error = %q/%q", pe.Code, pe.Description)
	}
}

func TestBeginLink_TokenExchangeFailure(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
	}))
	defer tokenSrv.Close()

	agent := &fakeAgent{
		respond: func(authURL *url.URL, redirectURI string) (*url.URL, error) {
			return callbackWithCode(authURL, redirectURI, "ABC123"), nil
		},
	}
	c := newTestController(agent)

	_, err := c.BeginLink(context.Background(), testProvider(tokenSrv.URL, "https://p.example.com"))
	if !errors.Is(err, ErrTokenExchangeFailed) {
		t.Fatalf("expected ErrTokenExchangeFailed, got %v", err)
	}
}

func TestBeginLink_ProfileFetchFailure(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"AT1","refresh_token":"RT1","expires_in":3600,"token_type":"Bearer"}`)
	}))
	defer tokenSrv.Close()

	profileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer profileSrv.Close()

	agent := &fakeAgent{
		respond: func(authURL *url.URL, redirectURI string) (*url.URL, error) {
			return callbackWithCode(authURL, redirectURI, "ABC123"), nil
		},
	}
	c := newTestController(agent)

	_, err := c.BeginLink(context.Background(), testProvider(tokenSrv.URL, profileSrv.URL))
	if !errors.Is(err, ErrProfileFetchFailed) {
		t.Fatalf("expected ErrProfileFetchFailed, got %v", err)
	}
}

func TestRefresh_Success(t *testing.T) {
	var form url.Values
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse refresh form: %v", err)
		}
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"AT2","refresh_token":"RT2","expires_in":3600,"token_type":"Bearer"}`)
	}))
	defer tokenSrv.Close()

	c := newTestController(&fakeAgent{})
	old := account.Account{
		ID:           "acc-1",
		Provider:     "yahoo",
		Email:        "a@b.com",
		AccessToken:  "AT1",
		RefreshToken: "RT1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}

	refreshed, err := c.Refresh(context.Background(), testProvider(tokenSrv.URL, ""), old)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if got := form.Get("grant_type"); got != "refresh_token" {
		t.Errorf("grant_type = %q", got)
	}
	if got := form.Get("refresh_token"); got != "RT1" {
		t.Errorf("refresh_token = %q", got)
	}
	if refreshed.AccessToken != "AT2" {
		t.Errorf("access token = %q, want AT2", refreshed.AccessToken)
	}
	if refreshed.RefreshToken != "RT2" {
		t.Errorf("rotated refresh token = %q, want RT2", refreshed.RefreshToken)
	}
	if refreshed.ID != old.ID || refreshed.Email != old.Email {
		t.Error("identity fields changed during refresh")
	}
	if old.AccessToken != "AT1" || old.RefreshToken != "RT1" {
		t.Error("input account mutated")
	}
}

func TestRefresh_KeepsRefreshTokenWithoutRotation(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"AT2","expires_in":3600,"token_type":"Bearer"}`)
	}))
	defer tokenSrv.Close()

	c := newTestController(&fakeAgent{})
	old := account.Account{RefreshToken: "RT1", ExpiresAt: time.Now().Add(-time.Minute)}

	refreshed, err := c.Refresh(context.Background(), testProvider(tokenSrv.URL, ""), old)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.RefreshToken != "RT1" {
		t.Errorf("refresh token = %q, want RT1 preserved", refreshed.RefreshToken)
	}
}

func TestRefresh_Failure(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer tokenSrv.Close()

	c := newTestController(&fakeAgent{})
	old := account.Account{RefreshToken: "RT1", ExpiresAt: time.Now().Add(-time.Minute)}

	_, err := c.Refresh(context.Background(), testProvider(tokenSrv.URL, ""), old)
	if !errors.Is(err, ErrTokenRefreshFailed) {
		t.Fatalf("expected ErrTokenRefreshFailed, got %v", err)
	}
	if !IsPermanentRefreshError(err) {
		t.Error("invalid_grant not classified as permanent")
	}
}

func TestIsPermanentRefreshError(t *testing.T) {
	tests := []struct {
		name      string
		errText   string
		permanent bool
	}{
		{name: "invalid grant", errText: `oauth2: cannot fetch token: 400 Bad Request {"error":"invalid_grant"}`, permanent: true},
		{name: "revoked", errText: "token has been expired or revoked", permanent: true},
		{name: "timeout", errText: "context deadline exceeded", permanent: false},
		{name: "temporary", errText: "temporarily_unavailable", permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanentRefreshError(errors.New(tt.errText)); got != tt.permanent {
				t.Fatalf("expected %v, got %v", tt.permanent, got)
			}
		})
	}
}
