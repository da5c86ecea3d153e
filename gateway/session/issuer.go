package session

import (
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer mints session tokens compatible with Resolver. Production sessions
// come from the auth service; the gateway uses this for dev tooling and tests.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

func NewIssuer(cfg Config) (*Issuer, error) {
	secret := []byte(strings.TrimSpace(cfg.Secret))
	if len(secret) == 0 {
		return nil, ErrSecretMissing
	}
	return &Issuer{secret: secret, issuer: cfg.Issuer, audience: cfg.Audience, now: time.Now}, nil
}

// Issue signs a token for user valid for ttl.
func (i *Issuer) Issue(user User, ttl time.Duration) (string, *Session, error) {
	if ttl <= 0 {
		return "", nil, fmt.Errorf("session ttl must be positive")
	}
	now := i.now().UTC()
	claims := Claims{
		Address:   strings.TrimSpace(user.Address),
		Name:      user.Name,
		Anonymous: user.Anonymous,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strings.TrimSpace(user.Address),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign session: %w", err)
	}
	return signed, &Session{
		ID:      claims.ID,
		User:    User{Address: claims.Address, Name: claims.Name, Anonymous: claims.Anonymous},
		Expires: claims.ExpiresAt.Time.UTC(),
		Token:   signed,
	}, nil
}
