package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/wadahiro/iesgate/internal/config"
)

// Endpoints are absolute identity provider URLs, before per-host routing.
type Endpoints struct {
	AuthURL       string
	TokenURL      string
	EndSessionURL string
}

// Discovery retry policy; the provider is often still starting when we are.
var (
	discoveryAttempts = 30
	discoveryInterval = 2 * time.Second
)

// StaticEndpoints builds endpoints from the configured realm paths.
func StaticEndpoints(cfg config.AuthConfig) Endpoints {
	e := Endpoints{
		AuthURL:  cfg.IdPOrigin + cfg.AuthorizePath,
		TokenURL: cfg.IdPOrigin + cfg.TokenPath,
	}
	if cfg.EndSessionPath != "" {
		e.EndSessionURL = cfg.IdPOrigin + cfg.EndSessionPath
	}
	return e
}

// ResolveEndpoints uses OIDC Discovery when an issuer is configured and the
// static realm paths otherwise. Explicit paths override discovered values.
func ResolveEndpoints(ctx context.Context, cfg config.AuthConfig, httpClient *http.Client) (Endpoints, error) {
	if cfg.Issuer == "" {
		return StaticEndpoints(cfg), nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	var (
		provider *gooidc.Provider
		err      error
	)
	for i := range discoveryAttempts {
		provider, err = gooidc.NewProvider(ctx, cfg.Issuer)
		if err == nil {
			break
		}
		slog.Warn("OIDC provider discovery failed", "attempt", i+1, "of", discoveryAttempts, "issuer", cfg.Issuer, "error", err)
		select {
		case <-ctx.Done():
			return Endpoints{}, fmt.Errorf("discover OIDC provider: %w", ctx.Err())
		case <-time.After(discoveryInterval):
		}
	}
	if err != nil {
		return Endpoints{}, fmt.Errorf("discover OIDC provider %s: %w", cfg.Issuer, err)
	}

	var claims struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&claims); err != nil {
		slog.Warn("Could not read provider metadata", "issuer", cfg.Issuer, "error", err)
	}

	ep := provider.Endpoint()
	e := Endpoints{
		AuthURL:       ep.AuthURL,
		TokenURL:      ep.TokenURL,
		EndSessionURL: claims.EndSessionEndpoint,
	}
	static := StaticEndpoints(cfg)
	if cfg.AuthorizePath != "" {
		e.AuthURL = static.AuthURL
	}
	if cfg.TokenPath != "" {
		e.TokenURL = static.TokenURL
	}
	if cfg.EndSessionPath != "" {
		e.EndSessionURL = static.EndSessionURL
	}
	slog.Info("OIDC provider discovered", "issuer", cfg.Issuer, "authorization_endpoint", e.AuthURL, "token_endpoint", e.TokenURL)
	return e, nil
}
