package auth

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wadahiro/iesgate/internal/config"
)

const (
	testAuthorizePath = "/auth/oauth2/authorize"
	testTokenPath     = "/auth/oauth2/access_token"
	testEndSession    = "/auth/oauth2/connect/endSession"
)

// makeIDToken returns a signed compact JWT. Nothing in the package verifies
// the signature; it only needs to be well formed.
func makeIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return s
}

func annLeeToken(t *testing.T) string {
	return makeIDToken(t, jwt.MapClaims{
		"sub":         "123",
		"email":       "a@b.com",
		"given_name":  "Ann",
		"family_name": "Lee",
	})
}

// fakeIdP is a token endpoint that records what it was sent.
type fakeIdP struct {
	*httptest.Server
	hits atomic.Int32

	mu         sync.Mutex
	status     int
	body       string
	delay      time.Duration
	lastPath   string
	lastHost   string
	lastForm   url.Values
	lastHeader http.Header
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	f := &fakeIdP{status: http.StatusOK, body: `{"access_token":"at-123","token_type":"Bearer","expires_in":3600}`}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		_ = r.ParseForm()

		f.mu.Lock()
		f.lastPath = r.URL.Path
		f.lastHost = r.Host
		f.lastForm = r.PostForm
		f.lastHeader = r.Header.Clone()
		status, body, delay := f.status, f.body, f.delay
		f.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeIdP) respond(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.body = status, body
}

func (f *fakeIdP) respondWithTokens(t *testing.T, idToken string) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"access_token": "at-123",
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.respond(http.StatusOK, string(raw))
}

func (f *fakeIdP) slowDown(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *fakeIdP) request() (path, host string, form url.Values, header http.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPath, f.lastHost, f.lastForm, f.lastHeader
}

func testAuthConfig(idpOrigin string) config.AuthConfig {
	return config.AuthConfig{
		IdPOrigin:       idpOrigin,
		AuthorizePath:   testAuthorizePath,
		TokenPath:       testTokenPath,
		EndSessionPath:  testEndSession,
		ClientID:        "storefront",
		Scopes:          []string{"openid", "profile", "email"},
		ACRValues:       "Login",
		CallbackPath:    "/auth/callback",
		UserIDClaims:    []string{"sub"},
		StateBytes:      32,
		ExchangeTimeout: 2 * time.Second,
		PendingTTL:      10 * time.Minute,
	}
}

func testRouter(idpOrigin string, local ...string) Router {
	if len(local) == 0 {
		local = []string{"localhost"}
	}
	return Router{IdPOrigin: idpOrigin, ProxyPrefix: "/ies-proxy", LocalHosts: local}
}

func newTestClient(t *testing.T, idp *fakeIdP) *Client {
	t.Helper()
	cfg := testAuthConfig(idp.URL)
	return NewClient(cfg, testRouter(idp.URL), StaticEndpoints(cfg), idp.Client(), nil)
}

func mustPage(t *testing.T, raw string) Page {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return NewPage(u)
}

// recordingNavigator records navigations instead of performing them.
type recordingNavigator struct {
	navigated []string
	reloads   int
}

func (n *recordingNavigator) Navigate(u string) { n.navigated = append(n.navigated, u) }
func (n *recordingNavigator) Reload()           { n.reloads++ }

// startLogin runs Login and returns the authorization URL it navigated to.
func startLogin(t *testing.T, c *Client, store Storage, pageURL string) *url.URL {
	t.Helper()
	nav := &recordingNavigator{}
	if err := c.Login(store, mustPage(t, pageURL), nav); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if len(nav.navigated) != 1 {
		t.Fatalf("navigations = %d, want 1", len(nav.navigated))
	}
	u, err := url.Parse(nav.navigated[0])
	if err != nil {
		t.Fatalf("parse authorize URL: %v", err)
	}
	return u
}

func readPending(t *testing.T, store Storage) *PendingLogin {
	t.Helper()
	raw, ok := store.Get(keyPending)
	if !ok {
		return nil
	}
	var p PendingLogin
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("decode pending login: %v", err)
	}
	return &p
}
