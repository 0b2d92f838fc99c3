package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"example.com/trainingsync/internal/logging"
)

type claimsKey struct{}

// WithClaims stores claims on the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// FromContext retrieves claims stored by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}

// Middleware rejects requests without a valid bearer token. Paths in Public pass through.
type Middleware struct {
	Config Config
	Public map[string]bool
}

// NewMiddleware leaves health checks and metrics unauthenticated.
func NewMiddleware(cfg Config) Middleware {
	return Middleware{Config: cfg, Public: map[string]bool{"/healthz": true, "/metrics": true}}
}

// Wrap attaches authentication to next.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Public[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.authenticate(r.Header.Get("Authorization"))
		if err != nil {
			logging.Ctx(r.Context()).Debug().Err(err).Str("path", r.URL.Path).Msg("request rejected")
			reject(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (m Middleware) authenticate(header string) (*Claims, error) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	switch {
	case header == "":
		return nil, ErrMissingToken
	case !found || !strings.EqualFold(scheme, "bearer"):
		return nil, ErrInvalidToken
	}
	return Parse(token, m.Config)
}

func reject(w http.ResponseWriter, err error) {
	detail := ErrInvalidToken.Error()
	if errors.Is(err, ErrMissingToken) {
		detail = ErrMissingToken.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="trainingsync"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"type": "unauthorized", "detail": detail})
}
