package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wadahiro/iesgate/internal/config"
)

func newTestMux(t *testing.T, idp *fakeIdP, mutate func(*config.AuthConfig)) (*http.ServeMux, *Client) {
	t.Helper()
	cfg := testAuthConfig(idp.URL)
	cfg.LoginRateLimit = -1
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewClient(cfg, testRouter(idp.URL), StaticEndpoints(cfg), idp.Client(), nil)
	mux := http.NewServeMux()
	NewHandler(c, NewTabStore()).RegisterRoutes(mux)
	return mux, c
}

func serve(mux http.Handler, method, target string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func tabCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == TabCookie {
			return c
		}
	}
	t.Fatal("response did not set the tab cookie")
	return nil
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHandler_SignInFlow(t *testing.T) {
	idp := newFakeIdP(t)
	idp.respondWithTokens(t, annLeeToken(t))
	mux, _ := newTestMux(t, idp, nil)

	rec := serve(mux, "GET", "/auth/login?return_to="+url.QueryEscape("/products?id=1"), nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("login status = %d", rec.Code)
	}
	cookie := tabCookie(t, rec)
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteLaxMode || cookie.MaxAge != 0 {
		t.Errorf("tab cookie attributes = %+v", cookie)
	}
	authURL, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if got := authURL.Query().Get("redirect_uri"); got != "http://example.com/auth/callback" {
		t.Errorf("redirect_uri = %q", got)
	}

	rec = serve(mux, "GET", "/auth/callback?code=abc&state="+authURL.Query().Get("state"), cookie)
	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/products?id=1" {
		t.Errorf("callback Location = %q, want /products?id=1", got)
	}

	rec = serve(mux, "GET", "/auth/user", cookie)
	var user userResponse
	decodeJSON(t, rec, &user)
	want := userResponse{
		Authenticated: true,
		User:          &ProfileHint{ID: "123", Email: "a@b.com", FirstName: "Ann", LastName: "Lee"},
		DisplayName:   "Ann Lee",
		Initials:      "AL",
	}
	if diff := cmp.Diff(want, user); diff != "" {
		t.Errorf("user mismatch (-want +got):\n%s", diff)
	}

	rec = serve(mux, "GET", "/auth/token", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
	var token map[string]string
	decodeJSON(t, rec, &token)
	if token["access_token"] != "at-123" {
		t.Errorf("access_token = %q", token["access_token"])
	}

	rec = serve(mux, "POST", "/auth/logout?return_to=/products", cookie)
	if rec.Code != http.StatusFound {
		t.Fatalf("logout status = %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "http://example.com/products" {
		t.Errorf("logout Location = %q", got)
	}

	rec = serve(mux, "GET", "/auth/user", cookie)
	user = userResponse{}
	decodeJSON(t, rec, &user)
	if user.Authenticated || user.User != nil {
		t.Errorf("user after logout = %+v", user)
	}
	if rec = serve(mux, "GET", "/auth/token", cookie); rec.Code != http.StatusUnauthorized {
		t.Errorf("token after logout status = %d, want 401", rec.Code)
	}
}

func TestHandler_TabsAreIsolated(t *testing.T) {
	idp := newFakeIdP(t)
	idp.respondWithTokens(t, annLeeToken(t))
	mux, _ := newTestMux(t, idp, nil)

	rec := serve(mux, "GET", "/auth/login", nil)
	tabA := tabCookie(t, rec)
	authURL, _ := url.Parse(rec.Header().Get("Location"))
	serve(mux, "GET", "/auth/callback?code=abc&state="+authURL.Query().Get("state"), tabA)

	tabB := tabCookie(t, serve(mux, "GET", "/auth/login", nil))
	if tabA.Value == tabB.Value {
		t.Fatal("two tabs share a cookie value")
	}
	if rec := serve(mux, "GET", "/auth/token", tabB); rec.Code != http.StatusUnauthorized {
		t.Errorf("second tab token status = %d, want 401", rec.Code)
	}
	if rec := serve(mux, "GET", "/auth/token", tabA); rec.Code != http.StatusOK {
		t.Errorf("first tab token status = %d, want 200", rec.Code)
	}
}

func TestHandler_LoginReusesTab(t *testing.T) {
	idp := newFakeIdP(t)
	mux, _ := newTestMux(t, idp, nil)

	cookie := tabCookie(t, serve(mux, "GET", "/auth/login", nil))
	rec := serve(mux, "GET", "/auth/login", cookie)
	for _, c := range rec.Result().Cookies() {
		if c.Name == TabCookie {
			t.Errorf("existing tab got a new cookie %q", c.Value)
		}
	}
}

func TestHandler_CallbackWithoutTab(t *testing.T) {
	idp := newFakeIdP(t)
	mux, _ := newTestMux(t, idp, nil)

	rec := serve(mux, "GET", "/auth/callback?code=abc&state=xyz", nil)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/" {
		t.Errorf("status = %d, Location = %q", rec.Code, rec.Header().Get("Location"))
	}
	if idp.hits.Load() != 0 {
		t.Errorf("token endpoint called %d times", idp.hits.Load())
	}
}

func TestHandler_ReturnToStaysOnOrigin(t *testing.T) {
	idp := newFakeIdP(t)
	idp.respondWithTokens(t, annLeeToken(t))
	mux, _ := newTestMux(t, idp, nil)

	for _, returnTo := range []string{"//evil.example/x", "https://evil.example/", "/\\evil.example", "javascript:alert(1)"} {
		t.Run(returnTo, func(t *testing.T) {
			rec := serve(mux, "GET", "/auth/login?return_to="+url.QueryEscape(returnTo), nil)
			cookie := tabCookie(t, rec)
			authURL, _ := url.Parse(rec.Header().Get("Location"))

			rec = serve(mux, "GET", "/auth/callback?code=abc&state="+authURL.Query().Get("state"), cookie)
			if got := rec.Header().Get("Location"); got != "/" {
				t.Errorf("callback Location = %q, want /", got)
			}
		})
	}
}

func TestHandler_LoginRateLimit(t *testing.T) {
	idp := newFakeIdP(t)
	mux, c := newTestMux(t, idp, func(cfg *config.AuthConfig) {
		cfg.LoginRateLimit = 0.01
		cfg.LoginBurst = 1
	})

	if rec := serve(mux, "GET", "/auth/login", nil); rec.Code != http.StatusFound {
		t.Fatalf("first login status = %d", rec.Code)
	}
	rec := serve(mux, "GET", "/auth/login", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second login status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if got := testutil.ToFloat64(c.metrics.LoginsThrottled); got != 1 {
		t.Errorf("throttled = %v, want 1", got)
	}
}

func TestHandler_LoginRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	idp := newFakeIdP(t)
	mux, _ := newTestMux(t, idp, func(cfg *config.AuthConfig) {
		cfg.LoginRateLimit = 0.01
		cfg.LoginBurst = 1
	})

	for i, xff := range []string{"198.51.100.1", "198.51.100.2"} {
		req := httptest.NewRequest("GET", "/auth/login", nil)
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		want := http.StatusFound
		if i > 0 {
			want = http.StatusTooManyRequests
		}
		if rec.Code != want {
			t.Errorf("login %d with X-Forwarded-For %s: status = %d, want %d", i+1, xff, rec.Code, want)
		}
	}
}

func TestHandler_LogoutRejectsCrossSiteRequests(t *testing.T) {
	idp := newFakeIdP(t)
	idp.respondWithTokens(t, annLeeToken(t))
	mux, _ := newTestMux(t, idp, nil)

	rec := serve(mux, "GET", "/auth/login", nil)
	cookie := tabCookie(t, rec)
	authURL, _ := url.Parse(rec.Header().Get("Location"))
	serve(mux, "GET", "/auth/callback?code=abc&state="+authURL.Query().Get("state"), cookie)

	tests := []struct {
		name    string
		method  string
		headers map[string]string
		want    int
	}{
		{"GET", "GET", nil, http.StatusMethodNotAllowed},
		{"cross-site fetch", "POST", map[string]string{"Sec-Fetch-Site": "cross-site"}, http.StatusForbidden},
		{"foreign origin", "POST", map[string]string{"Origin": "https://evil.example"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/auth/logout", nil)
			req.AddCookie(cookie)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if rec := serve(mux, "GET", "/auth/token", cookie); rec.Code != http.StatusOK {
				t.Errorf("tab signed out: token status = %d", rec.Code)
			}
		})
	}

	req := httptest.NewRequest("POST", "/auth/logout", nil)
	req.AddCookie(cookie)
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("same-origin logout status = %d, want 302", rec.Code)
	}
	if rec := serve(mux, "GET", "/auth/token", cookie); rec.Code != http.StatusUnauthorized {
		t.Errorf("token after logout status = %d, want 401", rec.Code)
	}
}

func TestHandler_Status(t *testing.T) {
	idp := newFakeIdP(t)
	mux, _ := newTestMux(t, idp, nil)

	tests := []struct {
		path string
		want bool
	}{
		{"/auth/callback", true},
		{"/auth/callback?code=1", true},
		{"/products", false},
		{"", false},
	}
	for _, tt := range tests {
		rec := serve(mux, "GET", "/auth/status?path="+url.QueryEscape(tt.path), nil)
		var got map[string]bool
		decodeJSON(t, rec, &got)
		if got["callback_page"] != tt.want {
			t.Errorf("status(%q) = %v, want %v", tt.path, got["callback_page"], tt.want)
		}
	}
}

func TestHandler_UserWithoutTab(t *testing.T) {
	idp := newFakeIdP(t)
	mux, _ := newTestMux(t, idp, nil)

	rec := serve(mux, "GET", "/auth/user", nil)
	var user userResponse
	decodeJSON(t, rec, &user)
	if diff := cmp.Diff(userResponse{}, user); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if rec := serve(mux, "GET", "/auth/token", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("token status = %d, want 401", rec.Code)
	}
}

func TestSameOriginPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/products?id=1", "/products?id=1"},
		{"/", "/"},
		{"", "/"},
		{"products", "/"},
		{"//evil.example", "/"},
		{"/\\evil.example", "/"},
		{"https://evil.example/", "/"},
	}
	for _, tt := range tests {
		if got := sameOriginPath(tt.in); got != tt.want {
			t.Errorf("sameOriginPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSameOriginReturn(t *testing.T) {
	idp := newFakeIdP(t)
	h := NewHandler(newTestClient(t, idp), NewTabStore())

	tests := []struct {
		raw, want string
	}{
		{"https://shop.example.com/cart?x=1", "/cart?x=1"},
		{"https://other.example.com/cart", "/"},
		{"http://shop.example.com/cart", "/"},
		{"https://shop.example.com/auth/callback?code=1", "/"},
		{"::", "/"},
	}
	for _, tt := range tests {
		if got := h.sameOriginReturn("https://shop.example.com", tt.raw); got != tt.want {
			t.Errorf("sameOriginReturn(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestRequestOrigin(t *testing.T) {
	r := httptest.NewRequest("GET", "http://shop.example.com:3000/x", nil)
	if got := requestOrigin(r); got != "http://shop.example.com:3000" {
		t.Errorf("requestOrigin = %q", got)
	}
	r.Header.Set("X-Forwarded-Proto", "https")
	if got := requestOrigin(r); got != "https://shop.example.com:3000" {
		t.Errorf("requestOrigin behind TLS proxy = %q", got)
	}
}
