// Package upstream is the authenticated, rate-limited client for the fitness API.
package upstream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"example.com/trainingsync/internal/clock"
	"example.com/trainingsync/internal/logging"
	"example.com/trainingsync/internal/observability"
	"example.com/trainingsync/internal/tokens"
)

const (
	DefaultBaseURL  = "https://www.strava.com/api/v3"
	DefaultAuthURL  = "https://www.strava.com/oauth/authorize"
	DefaultTokenURL = "https://www.strava.com/oauth/token"
	DefaultTimeout  = 30 * time.Second
	DefaultScopes   = "read,activity:read_all,profile:read_all"
)

// OAuthConfig identifies the application to the token endpoint.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
}

// BreakerConfig tunes the shared circuit breaker.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// Client builds athlete sessions that share the base transport, breaker and retry policy.
type Client struct {
	baseURL    string
	oauth      OAuthConfig
	base       http.RoundTripper
	timeout    time.Duration
	clock      clock.Clock
	retry      RetryConfig
	breakerCfg BreakerConfig
	pace       *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*http.Response]
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets the API base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithOAuth sets the application credentials and endpoints.
func WithOAuth(cfg OAuthConfig) ClientOption {
	return func(c *Client) {
		if cfg.AuthURL == "" {
			cfg.AuthURL = DefaultAuthURL
		}
		if cfg.TokenURL == "" {
			cfg.TokenURL = DefaultTokenURL
		}
		c.oauth = cfg
	}
}

// WithTransport replaces the network transport.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) { c.base = rt }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

// WithClock injects the clock used for cooldown arithmetic and token expiry.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) { c.clock = clk }
}

// WithRetry sets the network retry policy.
func WithRetry(cfg RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// WithBreaker tunes the circuit breaker.
func WithBreaker(cfg BreakerConfig) ClientOption {
	return func(c *Client) { c.breakerCfg = cfg }
}

// WithRequestsPerSecond smooths bursts on top of the window budget. Zero disables it.
func WithRequestsPerSecond(rps float64) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.pace = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.pace = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient constructs a Client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		oauth:   OAuthConfig{AuthURL: DefaultAuthURL, TokenURL: DefaultTokenURL},
		base:    http.DefaultTransport,
		timeout: DefaultTimeout,
		clock:   clock.Real{},
		retry:   RetryConfig{Attempts: 3, InitialInterval: time.Second, MaxInterval: 10 * time.Second},
		breakerCfg: BreakerConfig{
			MaxRequests:  3,
			Interval:     time.Minute,
			Timeout:      2 * time.Minute,
			MinRequests:  10,
			FailureRatio: 0.6,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = c.newBreaker()
	return c
}

func (c *Client) newBreaker() *gobreaker.CircuitBreaker[*http.Response] {
	cfg := c.breakerCfg
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
				isRateLimit(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.SetBreakerState(name, breakerGauge(to))
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// limited wraps the base transport with the pacing and window limiter of one athlete.
func (c *Client) limited(limiter Limiter) http.RoundTripper {
	lt := &limitTransport{next: c.base, limiter: limiter, pace: c.pace, clock: c.clock}
	return &retryTransport{next: lt, breaker: c.breaker, cfg: c.retry}
}

// NewSession binds the client to one athlete: its token source and its limiter. The session is
// the only place the athlete's credentials live for the duration of a run.
func (c *Client) NewSession(athleteID int64, store *tokens.Store, limiter Limiter) *Session {
	inner := c.limited(limiter)
	refresher := &oauthRefresher{
		cfg:    c.oauth2Config(),
		client: &http.Client{Transport: inner, Timeout: c.timeout},
		clock:  c.clock,
	}
	source := tokens.NewSource(athleteID, store, refresher, c.clock)
	return &Session{
		athleteID: athleteID,
		baseURL:   c.baseURL,
		source:    source,
		http: &http.Client{
			Transport: &authTransport{next: inner, source: source},
			Timeout:   c.timeout,
		},
	}
}

// Exchanger returns an authorization code exchanger gated by limiter.
func (c *Client) Exchanger(limiter Limiter) tokens.Exchanger {
	return &oauthExchanger{
		cfg:    c.oauth2Config(),
		client: &http.Client{Transport: c.limited(limiter), Timeout: c.timeout},
		clock:  c.clock,
		scope:  joinScopes(c.oauth.Scopes),
	}
}

// AuthCodeURL is where the presentation layer sends the athlete to grant access.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth2Config().AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "auto"))
}

func (c *Client) oauth2Config() *oauth2.Config {
	scopes := c.oauth.Scopes
	if len(scopes) == 0 {
		scopes = []string{DefaultScopes}
	}
	return &oauth2.Config{
		ClientID:     c.oauth.ClientID,
		ClientSecret: c.oauth.ClientSecret,
		RedirectURL:  c.oauth.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.oauth.AuthURL,
			TokenURL:  c.oauth.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}
