package ema

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/apsema/pkg/common"
	"github.com/raterudder/apsema/pkg/log"
	"github.com/raterudder/apsema/pkg/metrics"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://www.apsystemsema.com"

	// the portal rejects obviously scripted user agents
	browserUserAgent = "Mozilla/5.0 (Windows NT 6.1; WOW64; rv:52.0) Chrome/50.0.2661.102 Firefox/62.0"

	loginPath = "ema/intoDemoUser.action"

	maxBodyBytes = 10 << 20
)

var (
	// ErrNetwork is returned when a request could not be completed or the
	// portal answered with an unexpected status.
	ErrNetwork = errors.New("network error")
	// ErrUpstreamFormat is returned when the portal answered with a body we
	// could not understand.
	ErrUpstreamFormat = errors.New("unexpected upstream format")
	// ErrNoDataToday is returned for HTTP 204 responses. The portal sends those
	// overnight and before an ECU has reported for the day; it is not a failure.
	ErrNoDataToday = errors.New("no data today")
)

// Client talks to the APsystems EMA portal.
type Client struct {
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

// NewClient returns a Client for baseURL. If client is nil a client with a
// 30 second timeout and a browser user agent is used.
func NewClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = common.HTTPClientWithUserAgent(30*time.Second, browserUserAgent)
	}
	return &Client{
		client:  client,
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
}

// Configured registers the portal flags and returns the Client they
// configure.
func Configured(m *metrics.Metrics) *Client {
	c := NewClient(defaultBaseURL, nil)
	c.metrics = m

	baseURL := lflag.String("ema-base-url", defaultBaseURL, "Base URL of the APsystems EMA portal")
	timeout := lflag.Duration("ema-timeout", 30*time.Second, "Timeout for each EMA portal request")
	userAgent := lflag.String("ema-user-agent", browserUserAgent, "User-Agent sent to the EMA portal")
	interval := lflag.Duration("ema-request-interval", 250*time.Millisecond, "Minimum spacing between EMA portal requests (0 disables spacing)")

	lflag.Do(func() {
		c.baseURL = *baseURL
		c.client = common.HTTPClientWithUserAgent(*timeout, *userAgent)
		if *interval > 0 {
			c.limiter = rate.NewLimiter(rate.Every(*interval), 1)
		}
		if err := c.Validate(); err != nil {
			panic(fmt.Sprintf("ema validation failed: %v", err))
		}
	})
	return c
}

// Validate ensures the configuration is usable.
func (c *Client) Validate() error {
	if c.baseURL == "" {
		return errors.New("ema-base-url is required")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("failed to parse ema url (%s): %w", c.baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("ema url must be http or https: %s", c.baseURL)
	}
	if c.client.Timeout <= 0 {
		return errors.New("ema-timeout must be positive")
	}
	return nil
}

// Session is the cookie state obtained by Login. It is only valid for the
// fetch cycle that created it.
type Session struct {
	client *http.Client
}

// Login opens a new portal session for the demo-user identifier authID. The
// portal answers with a redirect chain that sets the session cookies; all of
// them end up in the returned Session's jar.
func (c *Client) Login(ctx context.Context, authID string) (*Session, error) {
	if authID == "" {
		return nil, errors.New("missing auth id")
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	sess := &Session{
		client: &http.Client{
			Transport:     c.client.Transport,
			CheckRedirect: c.client.CheckRedirect,
			Timeout:       c.client.Timeout,
			Jar:           jar,
		},
	}

	req, err := c.newGetRequest(ctx, loginPath, url.Values{"id": {authID}})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(sess, "login", req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "ema login failed", slog.Any("error", err))
		return nil, fmt.Errorf("login failed: %w", err)
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: login returned status %d", ErrNetwork, resp.StatusCode)
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"ema login success",
		slog.Int("status", resp.StatusCode),
		slog.Int("cookies", len(jar.Cookies(req.URL))),
	)
	return sess, nil
}

func (c *Client) endpointURL(endpoint string) (*url.URL, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) newGetRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := c.endpointURL(endpoint)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()
	return http.NewRequestWithContext(ctx, "GET", u.String(), nil)
}

func (c *Client) newPostFormRequest(ctx context.Context, endpoint string, data url.Values) (*http.Request, error) {
	u, err := c.endpointURL(endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// do waits for the rate limiter and sends req using the session's client.
// Transport failures and timeouts are wrapped in ErrNetwork.
func (c *Client) do(sess *Session, name string, req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	start := time.Now()
	resp, err := sess.client.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(name, 0, time.Since(start))
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	c.metrics.ObserveRequest(name, resp.StatusCode, time.Since(start))
	log.Ctx(ctx).DebugContext(ctx, "ema request", slog.String("endpoint", name), slog.Int("status", resp.StatusCode))
	return resp, nil
}
