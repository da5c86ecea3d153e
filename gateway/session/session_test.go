package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"myriadweb/observability/logging"
)

const testSecret = "test-session-secret"

func newPair(t *testing.T, revoked Revocations) (*Resolver, *Issuer) {
	t.Helper()
	cfg := Config{Secret: testSecret, Issuer: "myriad-auth", ClockSkew: time.Second}
	resolver, err := NewResolver(cfg, revoked, logging.Discard())
	require.NoError(t, err)
	issuer, err := NewIssuer(cfg)
	require.NoError(t, err)
	return resolver, issuer
}

func requestWithCookie(name, value string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/wallet", nil)
	req.AddCookie(&http.Cookie{Name: name, Value: value})
	return req
}

func TestResolveAuthenticatedSession(t *testing.T) {
	resolver, issuer := newPair(t, nil)
	token, issued, err := issuer.Issue(User{Address: "0xabc", Name: "alice"}, time.Hour)
	require.NoError(t, err)

	sess, err := resolver.Resolve(context.Background(), requestWithCookie("next-auth.session-token", token))
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Equal(t, "0xabc", sess.User.Address)
	require.Equal(t, "alice", sess.User.Name)
	require.False(t, sess.User.Anonymous)
	require.Equal(t, issued.ID, sess.ID)
	require.Equal(t, token, sess.Token)
	require.WithinDuration(t, issued.Expires, sess.Expires, time.Second)
}

func TestResolveSecureCookieAndAnonymous(t *testing.T) {
	resolver, issuer := newPair(t, nil)
	token, _, err := issuer.Issue(User{Name: "guest-42", Anonymous: true}, time.Hour)
	require.NoError(t, err)

	sess, err := resolver.Resolve(context.Background(), requestWithCookie("__Secure-next-auth.session-token", token))
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.True(t, sess.User.Anonymous)
	require.Empty(t, sess.User.Address)
}

func TestResolveChunkedCookie(t *testing.T) {
	resolver, issuer := newPair(t, nil)
	token, _, err := issuer.Issue(User{Address: "0xabc", Name: "alice"}, time.Hour)
	require.NoError(t, err)

	half := len(token) / 2
	req := httptest.NewRequest(http.MethodGet, "/wallet", nil)
	req.AddCookie(&http.Cookie{Name: "next-auth.session-token.1", Value: token[half:]})
	req.AddCookie(&http.Cookie{Name: "next-auth.session-token.0", Value: token[:half]})

	sess, err := resolver.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Equal(t, "0xabc", sess.User.Address)
}

func TestResolveBearerFallback(t *testing.T) {
	resolver, issuer := newPair(t, nil)
	token, _, err := issuer.Issue(User{Address: "0xabc"}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/wallet/balances", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	sess, err := resolver.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, sess)
}

func TestResolveRejectsInvalidTokens(t *testing.T) {
	resolver, issuer := newPair(t, nil)

	expiredIssuer, err := NewIssuer(Config{Secret: testSecret, Issuer: "myriad-auth"})
	require.NoError(t, err)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, err := expiredIssuer.Issue(User{Address: "0xabc"}, time.Hour)
	require.NoError(t, err)

	foreign, err := NewIssuer(Config{Secret: "other-secret", Issuer: "myriad-auth"})
	require.NoError(t, err)
	wrongKey, _, err := foreign.Issue(User{Address: "0xabc"}, time.Hour)
	require.NoError(t, err)

	wrongIss, err := NewIssuer(Config{Secret: testSecret, Issuer: "someone-else"})
	require.NoError(t, err)
	wrongIssuer, _, err := wrongIss.Issue(User{Address: "0xabc"}, time.Hour)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Address:          "0xabc",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "myriad-auth"},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, _, err = issuer.Issue(User{}, 0)
	require.Error(t, err)

	for name, token := range map[string]string{
		"expired":        expired,
		"wrong key":      wrongKey,
		"wrong issuer":   wrongIssuer,
		"missing expiry": noExp,
		"garbage":        "not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			sess, err := resolver.Resolve(context.Background(), requestWithCookie("next-auth.session-token", token))
			require.NoError(t, err)
			require.Nil(t, sess)
		})
	}
}

func TestResolveWithoutCookie(t *testing.T) {
	resolver, _ := newPair(t, nil)
	sess, err := resolver.Resolve(context.Background(), httptest.NewRequest(http.MethodGet, "/wallet", nil))
	require.NoError(t, err)
	require.Nil(t, sess)
}

type failingRevocations struct{}

func (failingRevocations) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("store offline")
}

func TestResolveSurfacesRevocationErrors(t *testing.T) {
	resolver, issuer := newPair(t, failingRevocations{})
	token, _, err := issuer.Issue(User{Address: "0xabc"}, time.Hour)
	require.NoError(t, err)
	sess, err := resolver.Resolve(context.Background(), requestWithCookie("next-auth.session-token", token))
	require.Error(t, err)
	require.Nil(t, sess)
}

func TestResolveRejectsRevokedSession(t *testing.T) {
	store, err := OpenRevocationStore(filepath.Join(t.TempDir(), "revocations"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	resolver, issuer := newPair(t, store)
	token, issued, err := issuer.Issue(User{Address: "0xabc"}, time.Hour)
	require.NoError(t, err)
	req := requestWithCookie("next-auth.session-token", token)

	sess, err := resolver.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, sess)

	require.NoError(t, store.Revoke(context.Background(), issued.ID, issued.Expires))
	sess, err = resolver.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, sess)
}

func TestNewResolverRequiresSecret(t *testing.T) {
	_, err := NewResolver(Config{}, nil, nil)
	require.ErrorIs(t, err, ErrSecretMissing)
}

func TestClearCookiesExpiresChunks(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signout", nil)
	req.AddCookie(&http.Cookie{Name: "next-auth.session-token.0", Value: "a"})
	rec := httptest.NewRecorder()

	ClearCookies(rec, req, []string{"next-auth.session-token"})

	cleared := map[string]bool{}
	for _, c := range rec.Result().Cookies() {
		require.Equal(t, -1, c.MaxAge)
		cleared[c.Name] = true
	}
	require.True(t, cleared["next-auth.session-token"])
	require.True(t, cleared["next-auth.session-token.0"])
}

func TestSessionContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)
	ctx := WithSession(context.Background(), &Session{ID: "s1"})
	sess, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "s1", sess.ID)
}
