package auth

import (
	"net/url"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// TokenBundle holds the tokens returned by the token endpoint.
type TokenBundle struct {
	AccessToken  string    `json:"access_token"`
	IDToken      string    `json:"id_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

// ProfileHint is display data decoded from an unverified ID token.
// It is a hint for UI rendering only and must never be used to authorize anything.
type ProfileHint struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// DisplayName returns the name to show for the user, falling back to "User".
func (p *ProfileHint) DisplayName() string {
	if p == nil {
		return "User"
	}
	if name := strings.TrimSpace(p.FirstName + " " + p.LastName); name != "" {
		return name
	}
	if p.Email != "" {
		return p.Email
	}
	return "User"
}

// Initials returns up to two upper-case initials for an avatar.
func (p *ProfileHint) Initials() string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	for _, s := range []string{p.FirstName, p.LastName} {
		if r, _ := utf8.DecodeRuneInString(s); r != utf8.RuneError {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	if b.Len() == 0 && p.Email != "" {
		r, _ := utf8.DecodeRuneInString(p.Email)
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// PendingLogin is the record carried across the redirect to the identity provider.
type PendingLogin struct {
	Verifier  string    `json:"verifier"`
	State     string    `json:"state"`
	ReturnURL string    `json:"return_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Page describes the page the user agent is on.
type Page struct {
	Origin string // scheme://host[:port]
	Host   string // host[:port]
	URL    *url.URL
}

// NewPage builds a Page from an absolute URL.
func NewPage(u *url.URL) Page {
	return Page{
		Origin: u.Scheme + "://" + u.Host,
		Host:   u.Host,
		URL:    u,
	}
}

// Href returns the full page URL.
func (p Page) Href() string {
	if p.URL == nil {
		return p.Origin + "/"
	}
	return p.URL.String()
}

// Path returns the page path, "/" when empty.
func (p Page) Path() string {
	if p.URL == nil || p.URL.Path == "" {
		return "/"
	}
	return p.URL.Path
}

// Query returns the parsed page query.
func (p Page) Query() url.Values {
	if p.URL == nil {
		return url.Values{}
	}
	return p.URL.Query()
}

// Resolve makes ref absolute against the page origin.
func (p Page) Resolve(ref string) string {
	if strings.HasPrefix(ref, "/") && !strings.HasPrefix(ref, "//") {
		return p.Origin + ref
	}
	return ref
}

// Navigator performs full-page navigations for the user agent.
type Navigator interface {
	Navigate(url string)
	Reload()
}
