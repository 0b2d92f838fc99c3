package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"example.com/trainingsync/internal/clock"
	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/ratelimit"
	"example.com/trainingsync/internal/tokens"
)

// The per-session round tripper chain, outermost first:
//
//	authTransport -> retryTransport (backoff + breaker) -> limitTransport -> base
//
// Every physical request, including retries and refresh calls, passes the limiter.

// Limiter gates each upstream request.
type Limiter interface {
	Acquire(ctx context.Context) error
	CoolDown(until time.Time)
}

type limitTransport struct {
	next    http.RoundTripper
	limiter Limiter
	pace    *rate.Limiter
	clock   clock.Clock
}

func (t *limitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.pace != nil {
		if err := t.pace.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	if err := t.limiter.Acquire(req.Context()); err != nil {
		if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
			return nil, fmt.Errorf("%w: %w", domain.ErrRateLimited, err)
		}
		return nil, err
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		until := retryAfter(resp.Header, t.clock.Now())
		t.limiter.CoolDown(until)
		drain(resp)
		return nil, newAPIError(resp.StatusCode, req.URL.Path, "rate limited until "+until.Format(time.RFC3339))
	}
	return resp, nil
}

// retryAfter reads Retry-After (seconds or HTTP date). Without it the upstream budget resets on
// the next quarter hour.
func retryAfter(h http.Header, now time.Time) time.Time {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return now.Add(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return now.Truncate(15 * time.Minute).Add(15 * time.Minute)
}

// RetryConfig bounds network-level retries.
type RetryConfig struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type retryTransport struct {
	next    http.RoundTripper
	breaker *gobreaker.CircuitBreaker[*http.Response]
	cfg     RetryConfig
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var resp *http.Response
	op := func() error {
		attempt, err := rewind(req)
		if err != nil {
			return backoff.Permanent(err)
		}
		r, err := t.breaker.Execute(func() (*http.Response, error) {
			r, err := t.next.RoundTrip(attempt)
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= 500 {
				drain(r)
				return nil, newAPIError(r.StatusCode, req.URL.Path, r.Status)
			}
			return r, nil
		})
		switch {
		case err == nil:
			resp = r
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%w: circuit %s", domain.ErrUpstreamUnavailable, err))
		case ctx.Err() != nil, errors.Is(err, domain.ErrRateLimited):
			return backoff.Permanent(err)
		}
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = t.cfg.InitialInterval
	exp.MaxInterval = t.cfg.MaxInterval
	exp.MaxElapsedTime = 0
	attempts := t.cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		if ctx.Err() != nil || errors.Is(err, domain.ErrRateLimited) || errors.Is(err, domain.ErrUpstreamUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
	}
	return resp, nil
}

// authTransport attaches the athlete's bearer token. A 401 triggers at most one refresh per
// call; a 401 after a refresh in the same call is AuthExpired.
type authTransport struct {
	next   http.RoundTripper
	source *tokens.Source
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	tok, refreshed, err := t.source.Token(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := t.next.RoundTrip(withBearer(req, tok.AccessToken))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	drain(resp)
	if refreshed {
		return nil, newAPIError(http.StatusUnauthorized, req.URL.Path, "rejected freshly refreshed token")
	}

	tok, err = t.source.Refresh(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	retry, err := rewind(req)
	if err != nil {
		return nil, err
	}
	resp, err = t.next.RoundTrip(withBearer(retry, tok.AccessToken))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		return nil, newAPIError(http.StatusUnauthorized, req.URL.Path, "rejected after refresh")
	}
	return resp, nil
}

func withBearer(req *http.Request, token string) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

// rewind returns a request whose body can be sent again.
func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody == nil {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	r := req.Clone(req.Context())
	r.Body = body
	return r, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
