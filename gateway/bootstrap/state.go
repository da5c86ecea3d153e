package bootstrap

import (
	"myriadweb/gateway/backend"
)

// Slice names, used for placeholders, metrics and span names.
const (
	SliceAnonymous       = "anonymous"
	SliceUser            = "user"
	SliceSocials         = "socials"
	SliceAvailableTokens = "availableTokens"
	SliceNotifications   = "notifications"
	SliceExperience      = "experience"
	SliceWallets         = "wallets"
	SliceNetwork         = "network"
	SliceExchangeRates   = "exchangeRates"
	SliceServer          = "server"
)

// placeholders are shown by the page in place of a slice that failed to load.
// An empty placeholder means the page hides the element instead.
var placeholders = map[string]string{
	SliceUser:            "Profile unavailable",
	SliceSocials:         "Connected accounts unavailable",
	SliceAvailableTokens: "Token list unavailable",
	SliceNotifications:   "",
	SliceExperience:      "Timelines unavailable",
	SliceWallets:         "Wallets unavailable",
	SliceNetwork:         "Network information unavailable",
	SliceExchangeRates:   "Prices unavailable",
	SliceServer:          "",
}

// Placeholder returns the message displayed for a failed slice.
func Placeholder(slice string) string {
	return placeholders[slice]
}

type Status string

const (
	StatusSkipped Status = "skipped"
	StatusLoaded  Status = "loaded"
	StatusFailed  Status = "failed"
)

// Slice is the outcome of one hydration step.
type Slice[T any] struct {
	Status      Status `json:"status"`
	Data        T      `json:"data,omitempty"`
	Error       string `json:"error,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
}

func skipped[T any]() Slice[T] {
	return Slice[T]{Status: StatusSkipped}
}

func loaded[T any](data T) Slice[T] {
	return Slice[T]{Status: StatusLoaded, Data: data}
}

func failed[T any](name string, err error) Slice[T] {
	return Slice[T]{Status: StatusFailed, Error: err.Error(), Placeholder: Placeholder(name)}
}

func (s Slice[T]) Loaded() bool { return s.Status == StatusLoaded }

func (s Slice[T]) Failed() bool { return s.Status == StatusFailed }

// State is the merged hydration result handed to the page.
type State struct {
	Identity        Identity                        `json:"identity"`
	Anonymous       Slice[*backend.AnonymousUser]   `json:"anonymous"`
	User            Slice[*backend.User]            `json:"user"`
	Socials         Slice[[]backend.SocialMedia]    `json:"socials"`
	AvailableTokens Slice[[]backend.Currency]       `json:"availableTokens"`
	Notifications   Slice[int]                      `json:"notifications"`
	Experience      Slice[[]backend.UserExperience] `json:"experience"`
	Wallets         Slice[[]backend.Wallet]         `json:"wallets"`
	Network         Slice[*backend.Network]         `json:"network"`
	ExchangeRates   Slice[[]backend.ExchangeRate]   `json:"exchangeRates"`
	Server          Slice[*backend.Server]          `json:"server"`
}

func newState(identity Identity) *State {
	return &State{
		Identity:        identity,
		Anonymous:       skipped[*backend.AnonymousUser](),
		User:            skipped[*backend.User](),
		Socials:         skipped[[]backend.SocialMedia](),
		AvailableTokens: skipped[[]backend.Currency](),
		Notifications:   skipped[int](),
		Experience:      skipped[[]backend.UserExperience](),
		Wallets:         skipped[[]backend.Wallet](),
		Network:         skipped[*backend.Network](),
		ExchangeRates:   skipped[[]backend.ExchangeRate](),
		Server:          skipped[*backend.Server](),
	}
}

// Failures lists the slices that failed to hydrate, in pipeline order.
func (s *State) Failures() []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, entry := range []struct {
		name   string
		failed bool
	}{
		{SliceUser, s.User.Failed()},
		{SliceSocials, s.Socials.Failed()},
		{SliceAvailableTokens, s.AvailableTokens.Failed()},
		{SliceNotifications, s.Notifications.Failed()},
		{SliceExperience, s.Experience.Failed()},
		{SliceWallets, s.Wallets.Failed()},
		{SliceNetwork, s.Network.Failed()},
		{SliceExchangeRates, s.ExchangeRates.Failed()},
		{SliceServer, s.Server.Failed()},
	} {
		if entry.failed {
			out = append(out, entry.name)
		}
	}
	return out
}
