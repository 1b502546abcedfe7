package contentstore

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// NewHTTPClient returns the client used for manifest and blob requests.
// A non-empty token is sent as a bearer token on every request.
func NewHTTPClient(token string, timeout time.Duration) *http.Client {
	var transport http.RoundTripper = otelhttp.NewTransport(http.DefaultTransport)

	if token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   transport,
		}
	}

	return &http.Client{Transport: transport, Timeout: timeout}
}
