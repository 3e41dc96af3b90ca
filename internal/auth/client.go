package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/wadahiro/iesgate/internal/config"
	"github.com/wadahiro/iesgate/internal/protocol"
)

// reservedAuthParams cannot be overridden by extra_auth_params.
var reservedAuthParams = map[string]bool{
	"client_id":             true,
	"redirect_uri":          true,
	"response_type":         true,
	"scope":                 true,
	"state":                 true,
	"code_challenge":        true,
	"code_challenge_method": true,
}

// CallbackOutcome classifies how a callback ended.
type CallbackOutcome string

const (
	CallbackNotApplicable  CallbackOutcome = "not_applicable"
	CallbackRejected       CallbackOutcome = "rejected"
	CallbackDenied         CallbackOutcome = "denied"
	CallbackExchangeFailed CallbackOutcome = "exchange_failed"
	CallbackSucceeded      CallbackOutcome = "succeeded"
)

// CallbackResult is what HandleCallback resolved to. User is nil on every
// outcome except CallbackSucceeded (and may be nil there too when the ID token
// could not be decoded). Err is for logging only.
type CallbackResult struct {
	Outcome   CallbackOutcome
	User      *ProfileHint
	ReturnURL string
	Err       error
}

// Client runs the authorization code flow with PKCE for one public client.
type Client struct {
	cfg        config.AuthConfig
	router     Router
	endpoints  Endpoints
	httpClient *http.Client
	metrics    *Metrics
	extraAuth  map[string]string
	now        func() time.Time
}

// NewClient creates a Client. A nil metrics gets unregistered metrics.
func NewClient(cfg config.AuthConfig, router Router, endpoints Endpoints, httpClient *http.Client, metrics *Metrics) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	extra := make(map[string]string, len(cfg.ExtraAuthParams))
	for k, v := range cfg.ExtraAuthParams {
		if reservedAuthParams[k] {
			slog.Warn("Ignoring reserved extra_auth_params key", "key", k)
			continue
		}
		extra[k] = v
	}
	return &Client{
		cfg:        cfg,
		router:     router,
		endpoints:  endpoints,
		httpClient: httpClient,
		metrics:    metrics,
		extraAuth:  extra,
		now:        time.Now,
	}
}

// NewSession returns the Session stored in a tab's storage.
func (c *Client) NewSession(store Storage) *Session {
	return NewSession(store, c.cfg.UserIDClaims)
}

// RedirectURI is the registered callback URL for the page's origin.
func (c *Client) RedirectURI(page Page) string {
	return page.Origin + c.cfg.CallbackPath
}

// IsCallbackPage reports whether page is the OAuth callback path.
func (c *Client) IsCallbackPage(page Page) bool {
	return page.Path() == c.cfg.CallbackPath
}

func (c *Client) oauth2Config(page Page) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    c.cfg.ClientID,
		RedirectURL: c.RedirectURI(page),
		Scopes:      c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   page.Resolve(c.router.Rewrite(page.Host, c.endpoints.AuthURL)),
			TokenURL:  page.Resolve(c.router.Rewrite(page.Host, c.endpoints.TokenURL)),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL builds the authorization request URL for page.
func (c *Client) AuthCodeURL(page Page, state string, proof *protocol.PKCEProof) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", proof.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", proof.Method),
	}
	if c.cfg.ACRValues != "" {
		opts = append(opts, oauth2.SetAuthURLParam("acr_values", c.cfg.ACRValues))
	}
	for k, v := range c.extraAuth {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return c.oauth2Config(page).AuthCodeURL(state, opts...)
}

// Login starts a sign-in from page: it records a pending login in store and
// then navigates to the identity provider. The pending record is written
// before navigating; if that fails nothing navigates.
func (c *Client) Login(store Storage, page Page, nav Navigator) error {
	proof, err := protocol.GeneratePKCE()
	if err != nil {
		return fmt.Errorf("start login: %w", err)
	}
	state, err := protocol.GenerateState(c.cfg.StateBytes)
	if err != nil {
		return fmt.Errorf("start login: %w", err)
	}

	authURL := c.AuthCodeURL(page, state, proof)

	pending := PendingLogin{
		Verifier:  proof.Verifier,
		State:     state,
		ReturnURL: page.Href(),
		CreatedAt: c.now(),
	}
	if err := savePending(store, pending); err != nil {
		return fmt.Errorf("start login: %w", err)
	}

	c.metrics.LoginsStarted.Inc()
	slog.Info("Redirecting to identity provider", "host", page.Host, "proxied", c.router.IsLocal(page.Host))
	nav.Navigate(authURL)
	return nil
}

// HandleCallback completes a sign-in on the callback page. It never returns
// an error to the caller: every failure resolves to a result without a user.
func (c *Client) HandleCallback(ctx context.Context, store Storage, page Page) CallbackResult {
	q := page.Query()
	code, state, errCode := q.Get("code"), q.Get("state"), q.Get("error")
	if state == "" || (code == "" && errCode == "") {
		return c.finish(CallbackResult{Outcome: CallbackNotApplicable})
	}

	pending, err := takePending(store, c.now(), c.cfg.PendingTTL)
	if err != nil {
		res := CallbackResult{Outcome: CallbackRejected, Err: err}
		if pending != nil {
			res.ReturnURL = pending.ReturnURL
		}
		return c.finish(res)
	}

	res := CallbackResult{ReturnURL: pending.ReturnURL}
	if subtle.ConstantTimeCompare([]byte(state), []byte(pending.State)) != 1 {
		res.Outcome, res.Err = CallbackRejected, ErrStateMismatch
		return c.finish(res)
	}

	if errCode != "" {
		res.Outcome = CallbackDenied
		res.Err = fmt.Errorf("%w: %s: %s", ErrProviderDenied, errCode, q.Get("error_description"))
		return c.finish(res)
	}

	bundle, err := c.exchange(ctx, page, code, pending.Verifier)
	if err != nil {
		res.Outcome, res.Err = CallbackExchangeFailed, err
		return c.finish(res)
	}

	session := c.NewSession(store)
	if err := session.SetTokens(*bundle); err != nil {
		res.Outcome, res.Err = CallbackExchangeFailed, err
		return c.finish(res)
	}
	res.Outcome = CallbackSucceeded
	res.User = session.User()
	return c.finish(res)
}

func (c *Client) exchange(ctx context.Context, page Page, code, verifier string) (*TokenBundle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ExchangeTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	start := time.Now()
	token, err := c.oauth2Config(page).Exchange(ctx, code, oauth2.VerifierOption(verifier))
	c.metrics.ExchangeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTokenExchange, describeExchangeError(err))
	}

	bundle := &TokenBundle{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		bundle.IDToken = idToken
	}
	return bundle, nil
}

func (c *Client) finish(res CallbackResult) CallbackResult {
	c.metrics.CallbackOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	switch res.Outcome {
	case CallbackNotApplicable:
	case CallbackSucceeded:
		var userID string
		if res.User != nil {
			userID = res.User.ID
		}
		slog.Info("Sign-in completed", "user_id", userID)
	default:
		slog.Error("Sign-in failed", "outcome", res.Outcome, "error", res.Err)
	}
	return res
}

// Logout clears the tab's session and reloads the page, or, when configured,
// sends the user agent to the identity provider's end-session endpoint.
func (c *Client) Logout(store Storage, page Page, nav Navigator) {
	session := c.NewSession(store)
	idToken := session.IDToken()
	session.Clear()

	if c.cfg.EndSession && c.endpoints.EndSessionURL != "" {
		nav.Navigate(c.EndSessionURL(page, idToken))
		return
	}
	nav.Reload()
}

// EndSessionURL builds the RP-initiated logout URL for page.
func (c *Client) EndSessionURL(page Page, idTokenHint string) string {
	params := url.Values{
		"post_logout_redirect_uri": {page.Href()},
		"client_id":                {c.cfg.ClientID},
	}
	if idTokenHint != "" {
		params.Set("id_token_hint", idTokenHint)
	}
	endpoint := page.Resolve(c.router.Rewrite(page.Host, c.endpoints.EndSessionURL))
	return endpoint + "?" + params.Encode()
}

// describeExchangeError extracts RFC 6749 error fields from an oauth2.RetrieveError.
func describeExchangeError(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if re.ErrorCode != "" {
			return fmt.Sprintf("status %d: %s %s", status, re.ErrorCode, re.ErrorDescription)
		}
		return fmt.Sprintf("status %d: %s", status, string(re.Body))
	}
	return protocol.CleanTransportError(err)
}
