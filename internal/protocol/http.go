package protocol

import (
	"errors"
	"net/url"
	"strings"
)

// CleanTransportError renders err without the `Post "https://...": ` prefix
// the Go HTTP client adds, so logs don't repeat the endpoint URL. Messages
// that were already flattened into a string are trimmed the same way.
func CleanTransportError(err error) string {
	if err == nil {
		return ""
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err.Error()
	}
	msg := err.Error()
	for _, method := range []string{"Get", "Post", "Head", "Put", "Delete", "Patch"} {
		prefix := method + " \""
		if rest, ok := strings.CutPrefix(msg, prefix); ok {
			if _, after, found := strings.Cut(rest, "\": "); found {
				return after
			}
		}
	}
	return msg
}
