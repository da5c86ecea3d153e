package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"myriadweb/observability/logging"
)

// User is the identity carried by a session token.
type User struct {
	Address   string `json:"address,omitempty"`
	Name      string `json:"name"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

// Session is a verified session. Token holds the raw credential so it can be
// forwarded to the backend; it is never serialised.
type Session struct {
	ID      string    `json:"-"`
	User    User      `json:"user"`
	Expires time.Time `json:"expires"`
	Token   string    `json:"-"`
}

// Claims is the JWT payload of a session token.
type Claims struct {
	Address   string `json:"address,omitempty"`
	Name      string `json:"name,omitempty"`
	Anonymous bool   `json:"anonymous,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret      string
	CookieNames []string
	Issuer      string
	Audience    string
	ClockSkew   time.Duration
}

// Revocations reports whether a session id has been signed out.
type Revocations interface {
	IsRevoked(ctx context.Context, id string) (bool, error)
}

// Resolver turns the request's session cookie into a verified Session.
type Resolver struct {
	cfg     Config
	secret  []byte
	revoked Revocations
	logger  *slog.Logger
	now     func() time.Time
}

var ErrSecretMissing = errors.New("session secret not configured")

// NewResolver builds a resolver. revoked may be nil when sign-out tracking is disabled.
func NewResolver(cfg Config, revoked Revocations, logger *slog.Logger) (*Resolver, error) {
	secret := []byte(strings.TrimSpace(cfg.Secret))
	if len(secret) == 0 {
		return nil, ErrSecretMissing
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	if len(cfg.CookieNames) == 0 {
		cfg.CookieNames = []string{"__Secure-next-auth.session-token", "next-auth.session-token"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:     cfg,
		secret:  secret,
		revoked: revoked,
		logger:  logger.With(slog.String("component", "session")),
		now:     time.Now,
	}, nil
}

// CookieNames returns the cookie names inspected by the resolver, in order.
func (r *Resolver) CookieNames() []string {
	return append([]string(nil), r.cfg.CookieNames...)
}

// Resolve returns the session attached to req. A missing, malformed, expired or
// revoked token yields (nil, nil); only revocation lookup failures are errors.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*Session, error) {
	raw := r.token(req)
	if raw == "" {
		return nil, nil
	}
	claims, err := r.parse(raw)
	if err != nil {
		r.logger.Debug("session token rejected",
			logging.MaskField("token", raw),
			slog.String("reason", err.Error()))
		return nil, nil
	}
	if r.revoked != nil && claims.ID != "" {
		revoked, err := r.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return nil, nil
		}
	}
	sess := &Session{
		ID: claims.ID,
		User: User{
			Address:   strings.TrimSpace(claims.Address),
			Name:      claims.Name,
			Anonymous: claims.Anonymous,
		},
		Token: raw,
	}
	if claims.ExpiresAt != nil {
		sess.Expires = claims.ExpiresAt.Time.UTC()
	}
	return sess, nil
}

func (r *Resolver) parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(r.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.now),
	}
	if r.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.cfg.Issuer))
	}
	if r.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(r.cfg.Audience))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

// token finds the session credential: the first configured cookie present,
// reassembling chunked cookies (name.0, name.1, ...), then a bearer header.
func (r *Resolver) token(req *http.Request) string {
	if req == nil {
		return ""
	}
	for _, name := range r.cfg.CookieNames {
		if c, err := req.Cookie(name); err == nil && strings.TrimSpace(c.Value) != "" {
			return strings.TrimSpace(c.Value)
		}
		if chunked := chunkedCookie(req, name); chunked != "" {
			return chunked
		}
	}
	return extractBearer(req.Header.Get("Authorization"))
}

func chunkedCookie(req *http.Request, name string) string {
	type chunk struct {
		index int
		value string
	}
	var chunks []chunk
	prefix := name + "."
	for _, c := range req.Cookies() {
		if !strings.HasPrefix(c.Name, prefix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(c.Name, prefix))
		if err != nil || idx < 0 {
			continue
		}
		chunks = append(chunks, chunk{index: idx, value: c.Value})
	}
	if len(chunks) == 0 {
		return ""
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })
	var b strings.Builder
	for i, c := range chunks {
		if c.index != i {
			return ""
		}
		b.WriteString(c.value)
	}
	return strings.TrimSpace(b.String())
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// ClearCookies expires every session cookie, including chunks present on req.
func ClearCookies(w http.ResponseWriter, req *http.Request, names []string) {
	expire := func(name string) {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   strings.HasPrefix(name, "__Secure-"),
			SameSite: http.SameSiteLaxMode,
		})
	}
	for _, name := range names {
		expire(name)
		if req == nil {
			continue
		}
		for _, c := range req.Cookies() {
			if strings.HasPrefix(c.Name, name+".") {
				expire(c.Name)
			}
		}
	}
}

type contextKey struct{}

// WithSession stores sess on ctx.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, sess)
}

// FromContext returns the session stored by WithSession, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(contextKey{}).(*Session)
	return sess, ok && sess != nil
}
