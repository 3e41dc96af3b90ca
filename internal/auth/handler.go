package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Handler exposes the sign-in flow to storefront pages over HTTP.
type Handler struct {
	client  *Client
	tabs    *TabStore
	limiter *loginLimiter
}

// NewHandler creates the HTTP surface for client. Login starts are limited
// per client IP according to the client's login_rate_limit settings.
func NewHandler(client *Client, tabs *TabStore) *Handler {
	return &Handler{
		client:  client,
		tabs:    tabs,
		limiter: newLoginLimiter(client.cfg.LoginRateLimit, client.cfg.LoginBurst),
	}
}

// RegisterRoutes registers the sign-in routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth/login", h.handleLogin)
	mux.HandleFunc("GET "+h.client.cfg.CallbackPath, h.handleCallback)
	// POST only: a cross-site link or image must not be able to sign a tab out.
	mux.Handle("POST /auth/logout", http.NewCrossOriginProtection().Handler(http.HandlerFunc(h.handleLogout)))
	mux.HandleFunc("GET /auth/user", h.handleUser)
	mux.HandleFunc("GET /auth/token", h.handleToken)
	mux.HandleFunc("GET /auth/status", h.handleStatus)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, h.client.cfg.TrustForwardedFor)
	if ok, retryAfter := h.limiter.allow(ip); !ok {
		h.client.metrics.LoginsThrottled.Inc()
		slog.Warn("Login rate limit exceeded", "client_ip", ip, "retry_after", retryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":             "rate_limit_exceeded",
			"error_description": "Too many sign-in attempts. Please try again later.",
		})
		return
	}

	store, err := h.tabStorage(w, r)
	if err != nil {
		slog.Error("Failed to create tab scope", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	origin := requestOrigin(r)
	page, err := pageAt(origin, sameOriginPath(r.URL.Query().Get("return_to")))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if err := h.client.Login(store, page, &redirectNavigator{w: w, r: r, reloadURL: page.Href()}); err != nil {
		slog.Error("Failed to start login", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	origin := requestOrigin(r)
	page, err := pageAt(origin, r.URL.RequestURI())
	if err != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	res := h.client.HandleCallback(r.Context(), h.existingStorage(r), page)
	target := "/"
	if res.ReturnURL != "" {
		target = h.sameOriginReturn(origin, res.ReturnURL)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	origin := requestOrigin(r)
	page, err := pageAt(origin, sameOriginPath(r.URL.Query().Get("return_to")))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	h.client.Logout(h.existingStorage(r), page, &redirectNavigator{w: w, r: r, reloadURL: page.Href()})
}

type userResponse struct {
	Authenticated bool         `json:"authenticated"`
	User          *ProfileHint `json:"user"`
	DisplayName   string       `json:"display_name,omitempty"`
	Initials      string       `json:"initials,omitempty"`
}

func (h *Handler) handleUser(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	store := h.tabs.Get(r)
	if store == nil {
		writeJSON(w, http.StatusOK, userResponse{})
		return
	}
	session := h.client.NewSession(store)
	if !session.Authenticated() {
		writeJSON(w, http.StatusOK, userResponse{})
		return
	}
	user := session.User()
	writeJSON(w, http.StatusOK, userResponse{
		Authenticated: true,
		User:          user,
		DisplayName:   user.DisplayName(),
		Initials:      user.Initials(),
	})
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	store := h.tabs.Get(r)
	if store == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not_authenticated"})
		return
	}
	token, ok := h.client.NewSession(store).AccessToken()
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not_authenticated"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	u, err := url.Parse(r.URL.Query().Get("path"))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"callback_page": h.client.IsCallbackPage(Page{URL: u}),
	})
}

// tabStorage returns the request's tab storage, creating a tab and setting
// its cookie when the request carries none.
func (h *Handler) tabStorage(w http.ResponseWriter, r *http.Request) (*MemoryStorage, error) {
	if store := h.tabs.Get(r); store != nil {
		return store, nil
	}
	id, store, err := h.tabs.Create()
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     TabCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   isHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
	return store, nil
}

// existingStorage returns the request's tab storage without creating a tab.
// Without a tab there is nothing to read or clear, so an empty throwaway
// store stands in.
func (h *Handler) existingStorage(r *http.Request) Storage {
	if store := h.tabs.Get(r); store != nil {
		return store
	}
	return NewMemoryStorage()
}

// sameOriginReturn keeps a stored return URL only when it points back at
// origin and is not the callback page itself.
func (h *Handler) sameOriginReturn(origin, raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme+"://"+u.Host != origin {
		return "/"
	}
	if h.client.IsCallbackPage(Page{URL: u}) {
		return "/"
	}
	return sameOriginPath(u.RequestURI())
}

// redirectNavigator turns navigations into 302 responses.
type redirectNavigator struct {
	w         http.ResponseWriter
	r         *http.Request
	reloadURL string
}

func (n *redirectNavigator) Navigate(target string) {
	http.Redirect(n.w, n.r, target, http.StatusFound)
}

func (n *redirectNavigator) Reload() {
	http.Redirect(n.w, n.r, n.reloadURL, http.StatusFound)
}

// sameOriginPath returns raw when it is a local absolute path, "/" otherwise.
func sameOriginPath(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return raw
}

func pageAt(origin, requestURI string) (Page, error) {
	u, err := url.Parse(origin + requestURI)
	if err != nil {
		return Page{}, err
	}
	return NewPage(u), nil
}

func requestOrigin(r *http.Request) string {
	scheme := "http"
	if isHTTPS(r) {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write JSON response", "error", err)
	}
}
