package auth

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxLoggedBody bounds how much of an error response ends up in the log.
const maxLoggedBody = 2048

// loggingTransport wraps an http.RoundTripper and logs identity provider calls.
// Error response bodies are buffered so they can be logged and still read by the caller.
type loggingTransport struct {
	base http.RoundTripper
}

func newLoggingTransport(base http.RoundTripper) *loggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &loggingTransport{base: base}
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	target := req.URL.Scheme + "://" + req.URL.Host + req.URL.Path

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		slog.Warn("Identity provider request failed", "method", req.Method, "url", target, "duration", time.Since(start), "error", err)
		return nil, err
	}

	if resp.StatusCode < 300 {
		slog.Debug("Identity provider request", "method", req.Method, "url", target, "status", resp.StatusCode, "duration", time.Since(start))
		return resp, nil
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	logged := body
	if len(logged) > maxLoggedBody {
		logged = logged[:maxLoggedBody]
	}
	slog.Warn("Identity provider returned an error status", "method", req.Method, "url", target, "status", resp.StatusCode, "duration", time.Since(start), "body", string(logged))
	return resp, nil
}

// WrapClient returns a copy of c whose transport logs identity provider calls.
func WrapClient(c *http.Client) *http.Client {
	if c == nil {
		c = &http.Client{}
	}
	wrapped := *c
	wrapped.Transport = newLoggingTransport(c.Transport)
	return &wrapped
}
