// Package devproxy serves the same-origin detour to the identity provider
// that local development hosts need, and optionally forwards every other
// path to the storefront's dev server.
package devproxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wadahiro/iesgate/internal/config"
)

const (
	targetIdP      = "idp"
	targetUpstream = "upstream"
)

// Proxy forwards <prefix>/... to the identity provider and, when configured,
// everything else to the upstream dev server.
type Proxy struct {
	prefix    string
	idp       *httputil.ReverseProxy
	upstream  *httputil.ReverseProxy
	responses *prometheus.CounterVec
}

// New builds a Proxy from cfg. transport carries outbound requests (nil means
// http.DefaultTransport). Cookies named in dropCookies are never forwarded.
func New(cfg config.DevProxyConfig, idpOrigin string, transport http.RoundTripper, reg prometheus.Registerer, dropCookies ...string) (*Proxy, error) {
	idpURL, err := url.Parse(idpOrigin)
	if err != nil {
		return nil, fmt.Errorf("parse identity provider origin: %w", err)
	}
	if idpURL.Host == "" {
		return nil, fmt.Errorf("identity provider origin %q has no host", idpOrigin)
	}

	p := &Proxy{
		prefix: cfg.PathPrefix,
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iesgate_devproxy_responses_total",
			Help: "Responses relayed by the dev proxy by target and status class",
		}, []string{"target", "code"}),
	}
	if reg != nil {
		reg.MustRegister(p.responses)
	}

	p.idp = p.reverseProxy(targetIdP, idpURL, transport, dropCookies, func(u *url.URL) {
		u.Path = stripPrefix(u.Path, p.prefix)
		if u.RawPath != "" {
			u.RawPath = stripPrefix(u.RawPath, p.prefix)
		}
	})

	if cfg.UpstreamURL != "" {
		upstreamURL, err := url.Parse(cfg.UpstreamURL)
		if err != nil {
			return nil, fmt.Errorf("parse upstream url %q: %w", cfg.UpstreamURL, err)
		}
		p.upstream = p.reverseProxy(targetUpstream, upstreamURL, transport, dropCookies, nil)
	}
	return p, nil
}

// Mount registers the proxy routes on mux. The upstream catch-all only
// receives paths no other handler claims.
func (p *Proxy) Mount(mux *http.ServeMux) {
	mux.Handle(p.prefix+"/", p.idp)
	if p.upstream != nil {
		mux.Handle("/", p.upstream)
	}
	slog.Info("Dev proxy mounted", "prefix", p.prefix, "upstream", p.upstream != nil)
}

// IdPHandler returns the handler serving <prefix>/....
func (p *Proxy) IdPHandler() http.Handler {
	return p.idp
}

func (p *Proxy) reverseProxy(target string, to *url.URL, transport http.RoundTripper, dropCookies []string, rewritePath func(*url.URL)) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if rewritePath != nil {
				rewritePath(pr.Out.URL)
			}
			pr.SetURL(to)
			removeCookies(pr.Out, dropCookies)
		},
		Transport: transport,
		ModifyResponse: func(resp *http.Response) error {
			p.responses.WithLabelValues(target, strconv.Itoa(resp.StatusCode/100)+"xx").Inc()
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.responses.WithLabelValues(target, "error").Inc()
			slog.Error("Dev proxy request failed", "target", target, "host", to.Host, "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("Bad Gateway"))
		},
	}
}

func stripPrefix(path, prefix string) string {
	path = strings.TrimPrefix(path, prefix)
	if path == "" {
		return "/"
	}
	return path
}

// removeCookies deletes the named cookies from r, keeping the rest.
func removeCookies(r *http.Request, names []string) {
	if len(names) == 0 {
		return
	}
	cookies := r.Cookies()
	r.Header.Del("Cookie")
	for _, c := range cookies {
		if !slices.Contains(names, c.Name) {
			r.AddCookie(c)
		}
	}
}
