package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Credentials identify the caller to the backend for one request.
type Credentials struct {
	// Cookie is the raw Cookie header of the incoming request.
	Cookie    string
	Token     string
	Anonymous bool
}

// Apply sets the forwarding headers for c on h.
func (c Credentials) Apply(h http.Header) {
	if cookie := strings.TrimSpace(c.Cookie); cookie != "" {
		h.Set("Cookie", cookie)
	}
	if c.Anonymous {
		h.Set("X-Anonymous", "true")
		return
	}
	if token := strings.TrimSpace(c.Token); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}

// Scope is the request-scoped view of the API. It is created once per page
// bootstrap and never shared across requests.
type Scope struct {
	client *Client
	creds  Credentials
}

func (c *Client) Scope(creds Credentials) *Scope {
	return &Scope{client: c, creds: creds}
}

func (s *Scope) Anonymous() bool { return s.creds.Anonymous }

func (s *Scope) FetchUser(ctx context.Context, id string) (*User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("user id required")
	}
	var user User
	if err := s.client.get(ctx, s.creds, "/users/"+url.PathEscape(id), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Scope) FetchConnectedSocials(ctx context.Context, userID string) ([]SocialMedia, error) {
	var list listEnvelope[SocialMedia]
	if err := s.client.get(ctx, s.creds, "/user-social-medias", userFilter(userID), &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (s *Scope) FetchAvailableTokens(ctx context.Context) ([]Currency, error) {
	var list listEnvelope[Currency]
	if err := s.client.get(ctx, s.creds, "/currencies", nil, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (s *Scope) CountNewNotification(ctx context.Context) (int, error) {
	var count notificationCount
	if err := s.client.get(ctx, s.creds, "/notifications/count", nil, &count); err != nil {
		return 0, err
	}
	return count.Count, nil
}

func (s *Scope) FetchUserExperience(ctx context.Context, userID string) ([]UserExperience, error) {
	var list listEnvelope[UserExperience]
	if err := s.client.get(ctx, s.creds, "/experiences", userFilter(userID), &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (s *Scope) FetchUserWallets(ctx context.Context, userID string) ([]Wallet, error) {
	var list listEnvelope[Wallet]
	if err := s.client.get(ctx, s.creds, "/wallets", userFilter(userID), &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (s *Scope) FetchNetwork(ctx context.Context) (*Network, error) {
	var network Network
	if err := s.client.get(ctx, s.creds, "/networks/current", nil, &network); err != nil {
		return nil, err
	}
	return &network, nil
}

func (s *Scope) FetchExchangeRates(ctx context.Context) ([]ExchangeRate, error) {
	var list listEnvelope[ExchangeRate]
	if err := s.client.get(ctx, s.creds, "/exchange-rates", nil, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// SetAnonymous registers a guest display name. It is local to the request
// and performs no network call.
func (s *Scope) SetAnonymous(name string) AnonymousUser {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Anonymous"
	}
	return AnonymousUser{Name: name}
}

func userFilter(userID string) url.Values {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}
	return url.Values{"userId": []string{userID}}
}
