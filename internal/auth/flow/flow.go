// Package flow drives the OAuth 2.0 authorization-code-with-PKCE flow for
// one mail provider: authorization URL, interactive browser session, code
// exchange, profile fetch. The controller holds no per-attempt state, so
// concurrent linking attempts never share verifier or state material.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/nvander/mailbridge/internal/account"
	"github.com/nvander/mailbridge/internal/auth/pkce"
	"github.com/nvander/mailbridge/internal/provider"
)

// State names the phase a linking attempt is in. Attempts move strictly
// forward; any phase can fail, and only the user-interaction phase can be
// cancelled.
type State string

const (
	StateIdle            State = "idle"
	StateBuildingRequest State = "building_request"
	StateAwaitingUser    State = "awaiting_user"
	StateExchangingCode  State = "exchanging_code"
	StateFetchingProfile State = "fetching_profile"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

// pendingAuthorization is the transient secret material of one attempt.
// It lives in locals for the duration of BeginLink and is zeroed once the
// code exchange no longer needs the verifier.
type pendingAuthorization struct {
	pkce  pkce.Pair
	state string
	nonce string
}

func (p *pendingAuthorization) discard() {
	p.pkce.Verifier = ""
	p.pkce.Challenge = ""
	p.state = ""
	p.nonce = ""
}

// UserAgent presents an authorization URL to the user and delivers the
// provider's redirect back. Sessions are ephemeral: one per attempt, no
// cookie or state reuse across attempts.
type UserAgent interface {
	Begin(ctx context.Context) (Session, error)
}

// Session is one reserved interactive authorization session.
type Session interface {
	// RedirectURI returns the callback target the authorization request
	// must name.
	RedirectURI() string
	// Wait presents authURL and blocks until the provider redirects, the
	// user cancels (ErrUserCancelled), or ctx ends.
	Wait(ctx context.Context, authURL string) (*url.URL, error)
	Close() error
}

// Controller runs linking and refresh flows. Safe for concurrent use.
type Controller struct {
	agent      UserAgent
	httpClient *http.Client
	log        *zap.Logger
}

// NewController wires a controller. httpClient is used for the profile
// fetch and, via the oauth2 context override, the token endpoint.
func NewController(agent UserAgent, httpClient *http.Client, log *zap.Logger) *Controller {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Controller{agent: agent, httpClient: httpClient, log: log}
}

// BeginLink runs the full authorization flow against one provider and
// returns the linked account. The caller owns dedup and persistence; no
// state survives here between calls.
func (c *Controller) BeginLink(ctx context.Context, p provider.Provider) (account.Account, error) {
	state := StateIdle
	setState := func(s State) {
		state = s
		c.log.Debug("link attempt state",
			zap.String("provider", p.ID),
			zap.String("state", string(s)))
	}
	fail := func(err error) (account.Account, error) {
		// Cancelled is a terminal state of the user-interaction phase
		// only; everything else is a failure.
		if state == StateAwaitingUser && errors.Is(err, ErrUserCancelled) {
			setState(StateCancelled)
		} else {
			setState(StateFailed)
		}
		return account.Account{}, err
	}

	setState(StateBuildingRequest)
	pending, err := newPendingAuthorization()
	if err != nil {
		return fail(err)
	}
	defer pending.discard()

	session, err := c.agent.Begin(ctx)
	if err != nil {
		return fail(fmt.Errorf("starting authorization session: %w", err))
	}
	defer session.Close()

	cfg := oauthConfig(p, session.RedirectURI())

	// url.Values encoding escapes literal '+' as %2B; some token endpoints
	// read an unescaped '+' in scope lists as a space.
	authURL := cfg.AuthCodeURL(pending.state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("nonce", pending.nonce),
		oauth2.SetAuthURLParam("code_challenge", pending.pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	setState(StateAwaitingUser)
	callback, err := session.Wait(ctx, authURL)
	if err != nil {
		return fail(err)
	}

	code, err := parseCallback(callback, pending.state)
	if err != nil {
		return fail(err)
	}

	setState(StateExchangingCode)
	token, err := c.exchange(ctx, cfg, code, pending.pkce.Verifier)
	// The verifier is single-use; drop it before anything else can run.
	pending.discard()
	if err != nil {
		return fail(err)
	}

	setState(StateFetchingProfile)
	profile, err := c.fetchProfile(ctx, p, token.AccessToken)
	if err != nil {
		return fail(err)
	}

	setState(StateCompleted)
	now := time.Now()
	return account.Account{
		ID:           uuid.New().String(),
		Provider:     p.ID,
		Email:        profile.Email,
		DisplayName:  profile.Name,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		LinkedAt:     now,
	}, nil
}

// Refresh exchanges the account's refresh token for fresh credentials and
// returns an updated copy. The input account is never modified, so a
// failed refresh leaves stored state exactly as it was.
func (c *Controller) Refresh(ctx context.Context, p provider.Provider, acc account.Account) (account.Account, error) {
	cfg := oauthConfig(p, "")
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: acc.RefreshToken})
	token, err := src.Token()
	if err != nil {
		return account.Account{}, fmt.Errorf("%w for %s: %v", ErrTokenRefreshFailed, acc.Email, err)
	}

	refreshed := acc
	refreshed.AccessToken = token.AccessToken
	refreshed.ExpiresAt = token.Expiry
	// Persist a rotated refresh token when the provider issues one.
	if token.RefreshToken != "" && token.RefreshToken != acc.RefreshToken {
		c.log.Info("refresh token rotated", zap.String("email", acc.Email))
		refreshed.RefreshToken = token.RefreshToken
	}
	return refreshed, nil
}

func newPendingAuthorization() (*pendingAuthorization, error) {
	pair, err := pkce.Generate()
	if err != nil {
		return nil, err
	}
	state, err := pkce.State()
	if err != nil {
		return nil, err
	}
	nonce, err := pkce.State()
	if err != nil {
		return nil, err
	}
	return &pendingAuthorization{pkce: pair, state: state, nonce: nonce}, nil
}

func oauthConfig(p provider.Provider, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    p.ClientID,
		RedirectURL: redirectURI,
		Scopes:      p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.AuthURL,
			TokenURL: p.TokenURL,
			// Public client: client_id travels in the form body, there is
			// no secret for basic auth.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// parseCallback validates the redirect and extracts the authorization
// code. access_denied is the provider relaying a user decline, which
// callers must be able to tell apart from real failures.
func parseCallback(callback *url.URL, wantState string) (string, error) {
	q := callback.Query()

	if errCode := q.Get("error"); errCode != "" {
		if errCode == "access_denied" {
			return "", ErrUserCancelled
		}
		return "", &ProviderError{Code: errCode, Description: q.Get("error_description")}
	}

	if q.Get("state") != wantState {
		return "", fmt.Errorf("%w: state mismatch", ErrInvalidCallback)
	}

	code := q.Get("code")
	if code == "" {
		return "", ErrMissingAuthorizationCode
	}
	return code, nil
}

func (c *Controller) exchange(ctx context.Context, cfg *oauth2.Config, code, verifier string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := cfg.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", verifier),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}
	return token, nil
}

type profile struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (c *Controller) fetchProfile(ctx context.Context, p provider.Provider, accessToken string) (profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ProfileURL, nil)
	if err != nil {
		return profile{}, fmt.Errorf("%w: %v", ErrProfileFetchFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return profile{}, fmt.Errorf("%w: %v", ErrProfileFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return profile{}, fmt.Errorf("%w: profile endpoint returned %d", ErrProfileFetchFailed, resp.StatusCode)
	}

	var pr profile
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return profile{}, fmt.Errorf("%w: %v", ErrProfileFetchFailed, err)
	}
	return pr, nil
}
