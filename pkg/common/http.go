package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the embedded release version.
func Version() string {
	return strings.TrimSpace(version)
}

// UserAgent is the default User-Agent sent by clients built here.
func UserAgent() string {
	return "apsema/" + Version()
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// callers may reuse req, so headers are set on a clone
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClientWithUserAgent returns an http client that sends userAgent on every
// request. An empty userAgent falls back to UserAgent().
func HTTPClientWithUserAgent(timeout time.Duration, userAgent string) *http.Client {
	if userAgent == "" {
		userAgent = UserAgent()
	}
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: userAgent,
		},
		Timeout: timeout,
	}
}
