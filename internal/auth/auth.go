package auth

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// UnknownIP stands in for callers whose address cannot be resolved, so the
// usage ledger always has a key to charge.
const UnknownIP = "unknown"

// Identity is the caller as seen by usage accounting.
type Identity struct {
	IP    string `json:"ip"`
	Token string `json:"token,omitempty"`
	// UserID is set when Token is a valid session token.
	UserID string `json:"userId,omitempty"`
}

// Resolver derives an Identity from a request. It reads nothing but the
// request, so repeated calls within one request always agree.
type Resolver struct {
	// Headers are the trusted proxy headers, checked in order.
	Headers []string
	// Cookie is the session cookie consulted when no bearer token is sent.
	Cookie string
}

func NewResolver(headers []string, cookie string) Resolver {
	return Resolver{Headers: headers, Cookie: cookie}
}

func (res Resolver) Resolve(r *http.Request) Identity {
	return Identity{IP: res.ip(r), Token: res.token(r)}
}

func (res Resolver) ip(r *http.Request) string {
	for _, h := range res.Headers {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		// Forwarded-for chains list the originating client first.
		first, _, _ := strings.Cut(v, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if r.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if host = strings.TrimSpace(host); host != "" {
			return host
		}
	}
	return UnknownIP
}

func (res Resolver) token(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		if t := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")); t != "" {
			return t
		}
	}
	if res.Cookie != "" {
		if c, err := r.Cookie(res.Cookie); err == nil && c.Value != "" {
			return c.Value
		}
	}
	return ""
}

type Middleware func(next http.Handler) http.Handler

type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	sessions *Sessions
}

// WithSessions resolves the signed-in user from the caller's token. Tokens
// that are not valid sessions are kept as opaque tokens.
func WithSessions(s *Sessions) MiddlewareOption {
	return func(c *middlewareConfig) { c.sessions = s }
}

type contextKey string

const (
	identityKey  contextKey = "identity"
	requestIDKey contextKey = "request_id"
)

// NewMiddleware stamps every request with a request id and the resolved
// caller identity. Identity resolution never rejects a request.
func NewMiddleware(resolver Resolver, opts ...MiddlewareOption) Middleware {
	var cfg middlewareConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := middleware.GetReqID(ctx)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			id := resolver.Resolve(r)
			if cfg.sessions != nil && id.Token != "" {
				if userID, err := cfg.sessions.UserID(id.Token); err == nil {
					id.UserID = userID
				}
			}
			ctx = context.WithValue(ctx, identityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helpers to extract from context
func GetIdentity(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey).(Identity); ok {
		return id
	}
	return Identity{IP: UnknownIP}
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
