package auth

import (
	"net"
	"net/url"
	"slices"
	"strings"
)

// Router decides whether identity provider URLs are reached directly or
// through the same-origin dev proxy. Login and callback must both use it,
// otherwise the redirect_uri/endpoint pair diverges and the provider rejects it.
type Router struct {
	IdPOrigin   string   // e.g. https://idp.example
	ProxyPrefix string   // e.g. /ies-proxy
	LocalHosts  []string // hostnames served through the proxy
}

// IsLocal reports whether host (port ignored) is a local development host.
func (r Router) IsLocal(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	return slices.Contains(r.LocalHosts, host)
}

// URL returns the address of an identity provider path as seen from host.
// Local hosts get a relative, proxied path.
func (r Router) URL(host, path string) string {
	if r.IsLocal(host) {
		return r.ProxyPrefix + path
	}
	return r.IdPOrigin + path
}

// Rewrite maps an absolute identity provider URL for host. URLs on other
// origins, and every URL for non-local hosts, are returned unchanged.
func (r Router) Rewrite(host, rawURL string) string {
	if !r.IsLocal(host) {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || !r.onIdPOrigin(u) {
		return rawURL
	}
	out := r.ProxyPrefix + u.EscapedPath()
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

func (r Router) onIdPOrigin(u *url.URL) bool {
	idp, err := url.Parse(r.IdPOrigin)
	if err != nil {
		return false
	}
	return originKey(u) == originKey(idp)
}

// originKey normalizes scheme://host:port: case-folded, default port dropped.
func originKey(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host
}
