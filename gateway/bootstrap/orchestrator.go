package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"myriadweb/gateway/backend"
	"myriadweb/gateway/session"
	"myriadweb/observability"
	"myriadweb/observability/logging"
)

const (
	MaintenancePath = "/maintenance"
	SignInPath      = "/"
)

type Reason string

const (
	ReasonUnavailable     Reason = "unavailable"
	ReasonUnauthenticated Reason = "unauthenticated"
)

var (
	ErrUnavailable = errors.New("backend unavailable")
	ErrNoSession   = errors.New("no session")
)

type Redirect struct {
	Destination string `json:"destination"`
	Permanent   bool   `json:"permanent"`
	Reason      Reason `json:"-"`
}

// Err returns the sentinel error behind the redirect.
func (r *Redirect) Err() error {
	switch r.Reason {
	case ReasonUnavailable:
		return ErrUnavailable
	case ReasonUnauthenticated:
		return ErrNoSession
	}
	return nil
}

type PageProps struct {
	Session *session.Session `json:"session"`
	Logo    string           `json:"logo"`
	Server  *backend.Server  `json:"server,omitempty"`
}

// Result holds exactly one of Redirect or Props. State is set alongside Props.
type Result struct {
	Redirect *Redirect
	Props    *PageProps
	State    *State
}

func (r Result) IsRedirect() bool { return r.Redirect != nil }

type AvailabilityProbe interface {
	Healthcheck(ctx context.Context) (bool, error)
}

type SessionResolver interface {
	Resolve(ctx context.Context, req *http.Request) (*session.Session, error)
}

type ServerInfo interface {
	GetServer(ctx context.Context) (*backend.Server, error)
}

// API is the request-scoped backend surface used for hydration.
type API interface {
	FetchUser(ctx context.Context, id string) (*backend.User, error)
	FetchConnectedSocials(ctx context.Context, userID string) ([]backend.SocialMedia, error)
	FetchAvailableTokens(ctx context.Context) ([]backend.Currency, error)
	CountNewNotification(ctx context.Context) (int, error)
	FetchUserExperience(ctx context.Context, userID string) ([]backend.UserExperience, error)
	FetchUserWallets(ctx context.Context, userID string) ([]backend.Wallet, error)
	FetchNetwork(ctx context.Context) (*backend.Network, error)
	FetchExchangeRates(ctx context.Context) ([]backend.ExchangeRate, error)
	SetAnonymous(name string) backend.AnonymousUser
}

// ScopeFunc builds the request-scoped API from the caller's credentials.
type ScopeFunc func(backend.Credentials) API

// ClientScope adapts a backend client to ScopeFunc.
func ClientScope(client *backend.Client) ScopeFunc {
	return func(creds backend.Credentials) API { return client.Scope(creds) }
}

type Options struct {
	Probe    AvailabilityProbe
	Sessions SessionResolver
	Server   ServerInfo
	NewScope ScopeFunc
	// Timeout bounds a whole bootstrap run. Zero leaves the caller's deadline.
	Timeout time.Duration
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// Orchestrator runs the page bootstrap pipeline.
type Orchestrator struct {
	probe    AvailabilityProbe
	sessions SessionResolver
	server   ServerInfo
	newScope ScopeFunc
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("myriadweb/gateway/bootstrap")
	}
	return &Orchestrator{
		probe:    opts.Probe,
		sessions: opts.Sessions,
		server:   opts.Server,
		newScope: opts.NewScope,
		timeout:  opts.Timeout,
		logger:   logger.With(slog.String("component", "bootstrap")),
		tracer:   tracer,
	}
}

// Bootstrap decides whether req is served or redirected and, when served,
// hydrates the page state. Only an unavailable backend or a missing session
// produce a redirect; every other failure is recorded on its slice.
func (o *Orchestrator) Bootstrap(ctx context.Context, req *http.Request) Result {
	started := time.Now()
	page := req.URL.Path
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	ctx, span := o.tracer.Start(ctx, "bootstrap", trace.WithAttributes(attribute.String("page", page)))
	defer span.End()

	result := o.run(ctx, req)

	outcome := "served"
	if result.Redirect != nil {
		outcome = "redirect_" + string(result.Redirect.Reason)
		span.SetAttributes(attribute.String("redirect", result.Redirect.Destination))
	} else if failures := result.State.Failures(); len(failures) > 0 {
		outcome = "served_partial"
		o.logger.Warn("page served with partial state",
			slog.String("page", page),
			slog.Any("slices", failures))
	}
	observability.Bootstrap().ObserveResult(page, outcome, time.Since(started))
	return result
}

func (o *Orchestrator) run(ctx context.Context, req *http.Request) Result {
	var available bool
	err := o.step(ctx, "availability", func(ctx context.Context) error {
		var err error
		available, err = o.probe.Healthcheck(ctx)
		return err
	})
	if err != nil || !available {
		if err != nil {
			o.logger.Warn("availability probe failed", slog.String("error", err.Error()))
		}
		return redirect(MaintenancePath, ReasonUnavailable)
	}

	var sess *session.Session
	err = o.step(ctx, "session", func(ctx context.Context) error {
		var err error
		sess, err = o.sessions.Resolve(ctx, req)
		return err
	})
	if err != nil {
		o.logger.Warn("session resolution failed", slog.String("error", err.Error()))
		return redirect(SignInPath, ReasonUnauthenticated)
	}
	if sess == nil {
		return redirect(SignInPath, ReasonUnauthenticated)
	}

	identity := Classify(sess)
	state := newState(identity)
	api := o.newScope(backend.Credentials{
		Cookie:    req.Header.Get("Cookie"),
		Token:     sess.Token,
		Anonymous: identity.Kind == Anonymous,
	})
	o.logger.Debug("session resolved",
		slog.String("identity", identity.Kind.String()),
		slog.String("user", logging.ShortAddress(identity.UserID)))

	switch identity.Kind {
	case Anonymous:
		registered := api.SetAnonymous(identity.DisplayName)
		state.Anonymous = loaded(&registered)
	case Authenticated:
		o.hydrateUser(ctx, api, identity.UserID, state)
	}

	state.Network = fetch(ctx, o, SliceNetwork, api.FetchNetwork)
	state.ExchangeRates = fetch(ctx, o, SliceExchangeRates, api.FetchExchangeRates)
	state.Server = fetch(ctx, o, SliceServer, o.server.GetServer)

	props := &PageProps{Session: sess}
	if state.Server.Loaded() && state.Server.Data != nil {
		props.Server = state.Server.Data
		props.Logo = state.Server.Data.Images.LogoBanner
	}
	return Result{Props: props, State: state}
}

// hydrateUser loads the profile, then fans out the five independent fetches.
// The group runs whatever the profile outcome; each branch produces its own
// slice and only this goroutine writes them into state.
func (o *Orchestrator) hydrateUser(ctx context.Context, api API, userID string, state *State) {
	state.User = fetch(ctx, o, SliceUser, func(ctx context.Context) (*backend.User, error) {
		return api.FetchUser(ctx, userID)
	})

	var (
		wg          sync.WaitGroup
		socials     Slice[[]backend.SocialMedia]
		tokens      Slice[[]backend.Currency]
		unread      Slice[int]
		experiences Slice[[]backend.UserExperience]
		wallets     Slice[[]backend.Wallet]
	)
	wg.Add(5)
	go func() {
		defer wg.Done()
		socials = fetch(ctx, o, SliceSocials, func(ctx context.Context) ([]backend.SocialMedia, error) {
			return api.FetchConnectedSocials(ctx, userID)
		})
	}()
	go func() {
		defer wg.Done()
		tokens = fetch(ctx, o, SliceAvailableTokens, api.FetchAvailableTokens)
	}()
	go func() {
		defer wg.Done()
		unread = fetch(ctx, o, SliceNotifications, api.CountNewNotification)
	}()
	go func() {
		defer wg.Done()
		experiences = fetch(ctx, o, SliceExperience, func(ctx context.Context) ([]backend.UserExperience, error) {
			return api.FetchUserExperience(ctx, userID)
		})
	}()
	go func() {
		defer wg.Done()
		wallets = fetch(ctx, o, SliceWallets, func(ctx context.Context) ([]backend.Wallet, error) {
			return api.FetchUserWallets(ctx, userID)
		})
	}()
	wg.Wait()

	state.Socials = socials
	state.AvailableTokens = tokens
	state.Notifications = unread
	state.Experience = experiences
	state.Wallets = wallets
}

func (o *Orchestrator) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "bootstrap."+name)
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func fetch[T any](ctx context.Context, o *Orchestrator, name string, fn func(context.Context) (T, error)) Slice[T] {
	var data T
	err := o.step(ctx, name, func(ctx context.Context) error {
		var err error
		data, err = fn(ctx)
		return err
	})
	if err != nil {
		o.logger.Warn("hydration step failed",
			slog.String("slice", name),
			slog.String("error", err.Error()))
		observability.Bootstrap().RecordSliceFailure(name)
		return failed[T](name, err)
	}
	return loaded(data)
}

func redirect(destination string, reason Reason) Result {
	return Result{Redirect: &Redirect{Destination: destination, Permanent: false, Reason: reason}}
}
