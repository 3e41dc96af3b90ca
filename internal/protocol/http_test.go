package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
)

func TestCleanTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "url.Error",
			err:  &url.Error{Op: "Post", URL: "https://idp.example.com/token", Err: context.DeadlineExceeded},
			want: "context deadline exceeded",
		},
		{
			name: "wrapped url.Error",
			err:  fmt.Errorf("exchange: %w", &url.Error{Op: "Get", URL: "http://idp.example.com", Err: errors.New("connection refused")}),
			want: "connection refused",
		},
		{
			name: "flattened Get prefix",
			err:  errors.New(`Get "http://idp.example.com/token": dial tcp: lookup idp.example.com: no such host`),
			want: "dial tcp: lookup idp.example.com: no such host",
		},
		{
			name: "flattened Post prefix",
			err:  errors.New(`Post "https://idp.example.com/token": context deadline exceeded`),
			want: "context deadline exceeded",
		},
		{
			name: "no prefix",
			err:  errors.New("connection refused"),
			want: "connection refused",
		},
		{
			name: "partial match no colon-space",
			err:  errors.New(`Get "http://example.com"`),
			want: `Get "http://example.com"`,
		},
		{
			name: "nil",
			err:  nil,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanTransportError(tt.err); got != tt.want {
				t.Errorf("CleanTransportError() = %q, want %q", got, tt.want)
			}
		})
	}
}
