package observability

import (
	"net/http"
	"time"

	sentryhttpclient "github.com/getsentry/sentry-go/httpclient"
)

func WrapRoundTripper(base http.RoundTripper, propagateTo ...string) http.RoundTripper {
	if len(propagateTo) > 0 {
		return sentryhttpclient.NewSentryRoundTripper(
			base,
			sentryhttpclient.WithTracePropagationTargets(propagateTo),
		)
	}
	return sentryhttpclient.NewSentryRoundTripper(base)
}

// NewHTTPClient returns an instrumented client for outbound calls. The
// timeout is the hard client-side bound, independent of any per-request
// context deadline. Trace headers propagate only to the given targets,
// typically the caller's configured provider base URL.
func NewHTTPClient(timeout time.Duration, propagateTo ...string) *http.Client {
	client := &http.Client{
		Transport: WrapRoundTripper(http.DefaultTransport, propagateTo...),
	}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return client
}
