package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"myriadweb/gateway/backend"
	"myriadweb/gateway/session"
	"myriadweb/observability/logging"
)

// callLog records the order in which collaborators are invoked.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) index(name string) int {
	for i, call := range l.snapshot() {
		if call == name {
			return i
		}
	}
	return -1
}

func (l *callLog) count(name string) int {
	n := 0
	for _, call := range l.snapshot() {
		if call == name {
			n++
		}
	}
	return n
}

type fakeProbe struct {
	log       *callLog
	available bool
	err       error
}

func (p *fakeProbe) Healthcheck(context.Context) (bool, error) {
	p.log.add("healthcheck")
	return p.available, p.err
}

type fakeSessions struct {
	log  *callLog
	sess *session.Session
	err  error
}

func (s *fakeSessions) Resolve(context.Context, *http.Request) (*session.Session, error) {
	s.log.add("session")
	return s.sess, s.err
}

// fakeAPI optionally holds the parallel group open via started and release.
type fakeAPI struct {
	log     *callLog
	creds   backend.Credentials
	fail    map[string]error
	started chan string
	release chan struct{}
}

func (a *fakeAPI) call(name string) error {
	a.log.add(name)
	return a.fail[name]
}

func (a *fakeAPI) parallel(name string) error {
	if a.release != nil {
		a.started <- name
		<-a.release
	}
	return a.call(name)
}

func (a *fakeAPI) FetchUser(_ context.Context, id string) (*backend.User, error) {
	if err := a.call("fetchUser"); err != nil {
		return nil, err
	}
	return &backend.User{ID: id, Username: "alice"}, nil
}

func (a *fakeAPI) FetchConnectedSocials(context.Context, string) ([]backend.SocialMedia, error) {
	if err := a.parallel("fetchConnectedSocials"); err != nil {
		return nil, err
	}
	return []backend.SocialMedia{{ID: "s1"}}, nil
}

func (a *fakeAPI) FetchAvailableTokens(context.Context) ([]backend.Currency, error) {
	if err := a.parallel("fetchAvailableTokens"); err != nil {
		return nil, err
	}
	return []backend.Currency{{Symbol: "MYRIA"}}, nil
}

func (a *fakeAPI) CountNewNotification(context.Context) (int, error) {
	if err := a.parallel("countNewNotification"); err != nil {
		return 0, err
	}
	return 3, nil
}

func (a *fakeAPI) FetchUserExperience(context.Context, string) ([]backend.UserExperience, error) {
	if err := a.parallel("fetchUserExperience"); err != nil {
		return nil, err
	}
	return []backend.UserExperience{{ID: "e1"}}, nil
}

func (a *fakeAPI) FetchUserWallets(context.Context, string) ([]backend.Wallet, error) {
	if err := a.parallel("fetchUserWallets"); err != nil {
		return nil, err
	}
	return []backend.Wallet{{ID: "0xabc"}}, nil
}

func (a *fakeAPI) FetchNetwork(context.Context) (*backend.Network, error) {
	if err := a.call("fetchNetwork"); err != nil {
		return nil, err
	}
	return &backend.Network{ID: "myriad"}, nil
}

func (a *fakeAPI) FetchExchangeRates(context.Context) ([]backend.ExchangeRate, error) {
	if err := a.call("fetchExchangeRates"); err != nil {
		return nil, err
	}
	return []backend.ExchangeRate{{Symbol: "MYRIA", Price: 1}}, nil
}

func (a *fakeAPI) SetAnonymous(name string) backend.AnonymousUser {
	a.log.add("setAnonymous:" + name)
	return backend.AnonymousUser{Name: name}
}

type fakeServer struct {
	log *callLog
	err error
}

func (s *fakeServer) GetServer(context.Context) (*backend.Server, error) {
	s.log.add("getServer")
	if s.err != nil {
		return nil, s.err
	}
	return &backend.Server{Name: "Myriad", Images: backend.ServerImages{LogoBanner: "https://cdn/logo.png"}}, nil
}

type harness struct {
	log      *callLog
	probe    *fakeProbe
	sessions *fakeSessions
	api      *fakeAPI
	server   *fakeServer
	orch     *Orchestrator
}

func newHarness(sess *session.Session) *harness {
	log := &callLog{}
	h := &harness{
		log:      log,
		probe:    &fakeProbe{log: log, available: true},
		sessions: &fakeSessions{log: log, sess: sess},
		api:      &fakeAPI{log: log, fail: map[string]error{}},
		server:   &fakeServer{log: log},
	}
	h.orch = New(Options{
		Probe:    h.probe,
		Sessions: h.sessions,
		Server:   h.server,
		NewScope: func(creds backend.Credentials) API {
			h.api.creds = creds
			return h.api
		},
		Timeout: time.Second,
		Logger:  logging.Discard(),
	})
	return h
}

func (h *harness) run(t *testing.T) Result {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/wallet", nil)
	req.Header.Set("Cookie", "next-auth.session-token=tok")
	return h.orch.Bootstrap(context.Background(), req)
}

func authenticated() *session.Session {
	return &session.Session{ID: "sid", Token: "tok", User: session.User{Address: "0xabc", Name: "alice"}}
}

var parallelCalls = []string{
	"fetchConnectedSocials",
	"fetchAvailableTokens",
	"countNewNotification",
	"fetchUserExperience",
	"fetchUserWallets",
}

func TestUnavailableRedirectsToMaintenance(t *testing.T) {
	for name, sess := range map[string]*session.Session{
		"no session":    nil,
		"authenticated": authenticated(),
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(sess)
			h.probe.available = false

			result := h.run(t)
			require.True(t, result.IsRedirect())
			require.Equal(t, &Redirect{Destination: "/maintenance", Permanent: false, Reason: ReasonUnavailable}, result.Redirect)
			require.Nil(t, result.Props)
			require.Equal(t, []string{"healthcheck"}, h.log.snapshot())
		})
	}
}

func TestProbeErrorRedirectsToMaintenance(t *testing.T) {
	h := newHarness(authenticated())
	h.probe.available = true
	h.probe.err = errors.New("dial tcp: refused")

	result := h.run(t)
	require.Equal(t, "/maintenance", result.Redirect.Destination)
	require.ErrorIs(t, result.Redirect.Err(), ErrUnavailable)
}

func TestMissingSessionRedirectsToSignIn(t *testing.T) {
	h := newHarness(nil)

	result := h.run(t)
	require.Equal(t, &Redirect{Destination: "/", Permanent: false, Reason: ReasonUnauthenticated}, result.Redirect)
	require.Equal(t, []string{"healthcheck", "session"}, h.log.snapshot())
	require.ErrorIs(t, result.Redirect.Err(), ErrNoSession)
}

func TestSessionErrorRedirectsToSignIn(t *testing.T) {
	h := newHarness(authenticated())
	h.sessions.err = errors.New("revocation store offline")

	result := h.run(t)
	require.Equal(t, "/", result.Redirect.Destination)
	require.False(t, result.Redirect.Permanent)
}

func TestAnonymousSkipsUserHydration(t *testing.T) {
	h := newHarness(&session.Session{User: session.User{Name: "guest1", Anonymous: true}, Token: "tok"})

	result := h.run(t)
	require.False(t, result.IsRedirect())
	require.Equal(t, 1, h.log.count("setAnonymous:guest1"))
	require.Equal(t, -1, h.log.index("fetchUser"))
	for _, call := range parallelCalls {
		require.Equal(t, -1, h.log.index(call), call)
	}
	require.Equal(t, []string{
		"healthcheck", "session", "setAnonymous:guest1", "fetchNetwork", "fetchExchangeRates", "getServer",
	}, h.log.snapshot())

	require.True(t, h.api.creds.Anonymous)
	require.Equal(t, "next-auth.session-token=tok", h.api.creds.Cookie)
	require.Equal(t, Anonymous, result.State.Identity.Kind)
	require.Equal(t, "guest1", result.State.Anonymous.Data.Name)
	require.Equal(t, StatusSkipped, result.State.User.Status)
	require.Equal(t, StatusSkipped, result.State.Wallets.Status)
}

func TestSessionWithoutAddressIsAnonymous(t *testing.T) {
	h := newHarness(&session.Session{User: session.User{Name: "visitor"}})

	h.run(t)
	require.Equal(t, 1, h.log.count("setAnonymous:visitor"))
	require.Equal(t, -1, h.log.index("fetchUser"))
}

func TestAuthenticatedOrdering(t *testing.T) {
	h := newHarness(authenticated())

	result := h.run(t)
	require.False(t, result.IsRedirect())

	userAt := h.log.index("fetchUser")
	networkAt := h.log.index("fetchNetwork")
	ratesAt := h.log.index("fetchExchangeRates")
	serverAt := h.log.index("getServer")
	require.Greater(t, userAt, h.log.index("session"))
	for _, call := range parallelCalls {
		at := h.log.index(call)
		require.Greater(t, at, userAt, call)
		require.Less(t, at, networkAt, call)
	}
	require.Less(t, networkAt, ratesAt)
	require.Less(t, ratesAt, serverAt)
	require.Equal(t, -1, h.log.index("setAnonymous:alice"))

	require.False(t, h.api.creds.Anonymous)
	require.Equal(t, "tok", h.api.creds.Token)

	state := result.State
	require.Empty(t, state.Failures())
	require.Equal(t, "alice", state.User.Data.Username)
	require.Equal(t, 3, state.Notifications.Data)
	require.Len(t, state.Wallets.Data, 1)
	require.Equal(t, "myriad", state.Network.Data.ID)

	require.Equal(t, "https://cdn/logo.png", result.Props.Logo)
	require.Equal(t, "Myriad", result.Props.Server.Name)
	require.Equal(t, "sid", result.Props.Session.ID)
}

func TestParallelGroupIsInFlightTogether(t *testing.T) {
	h := newHarness(authenticated())
	h.api.started = make(chan string, len(parallelCalls))
	h.api.release = make(chan struct{})

	done := make(chan Result, 1)
	go func() { done <- h.run(t) }()

	// No branch settles until release is closed, so all five must be in flight at once.
	seen := map[string]bool{}
	for len(seen) < len(parallelCalls) {
		select {
		case name := <-h.api.started:
			seen[name] = true
		case <-time.After(time.Second):
			close(h.api.release)
			t.Fatalf("only %d parallel branches in flight", len(seen))
		}
	}
	require.Equal(t, -1, h.log.index("fetchNetwork"))
	close(h.api.release)
	select {
	case result := <-done:
		require.Empty(t, result.State.Failures())
	case <-time.After(time.Second):
		t.Fatal("bootstrap did not settle")
	}
}

func TestPartialHydrationFailureStillServes(t *testing.T) {
	h := newHarness(authenticated())
	h.api.fail["fetchUserWallets"] = errors.New("wallets: 500")
	h.api.fail["countNewNotification"] = errors.New("notifications: 502")

	result := h.run(t)
	require.False(t, result.IsRedirect())
	require.NotNil(t, result.Props)

	state := result.State
	require.Equal(t, []string{SliceNotifications, SliceWallets}, state.Failures())
	require.Equal(t, StatusFailed, state.Wallets.Status)
	require.Equal(t, "Wallets unavailable", state.Wallets.Placeholder)
	require.Contains(t, state.Wallets.Error, "500")
	require.Empty(t, state.Notifications.Placeholder)
	require.True(t, state.Socials.Loaded())
	require.True(t, state.Experience.Loaded())
	require.Equal(t, 1, h.log.count("fetchNetwork"))
	require.Equal(t, 1, h.log.count("fetchExchangeRates"))
}

func TestUserFailureStillRunsParallelGroup(t *testing.T) {
	h := newHarness(authenticated())
	h.api.fail["fetchUser"] = errors.New("users: 404")

	result := h.run(t)
	require.True(t, result.State.User.Failed())
	require.Equal(t, "Profile unavailable", result.State.User.Placeholder)
	for _, call := range parallelCalls {
		require.Equal(t, 1, h.log.count(call), call)
	}
}

func TestServerFailureLeavesLogoEmpty(t *testing.T) {
	h := newHarness(authenticated())
	h.server.err = errors.New("server: timeout")
	h.api.fail["fetchNetwork"] = errors.New("network: 503")

	result := h.run(t)
	require.False(t, result.IsRedirect())
	require.Empty(t, result.Props.Logo)
	require.Nil(t, result.Props.Server)
	require.True(t, result.State.Server.Failed())
	require.Equal(t, "Network information unavailable", result.State.Network.Placeholder)
	require.Equal(t, 1, h.log.count("fetchExchangeRates"))
}

func TestClassify(t *testing.T) {
	require.Equal(t, Unauthenticated, Classify(nil).Kind)
	require.Equal(t, Anonymous, Classify(&session.Session{User: session.User{Address: "0xabc", Anonymous: true}}).Kind)
	require.Equal(t, Anonymous, Classify(&session.Session{User: session.User{Address: "  "}}).Kind)
	id := Classify(&session.Session{User: session.User{Address: " 0xabc ", Name: "alice"}})
	require.Equal(t, Identity{Kind: Authenticated, DisplayName: "alice", UserID: "0xabc"}, id)
	require.True(t, strings.EqualFold(id.Kind.String(), "authenticated"))
}
