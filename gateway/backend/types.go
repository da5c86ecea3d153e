package backend

import (
	"encoding/json"
	"time"
)

type User struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Username          string     `json:"username"`
	Bio               string     `json:"bio,omitempty"`
	ProfilePictureURL string     `json:"profilePictureURL,omitempty"`
	BannerImageURL    string     `json:"bannerImageURL,omitempty"`
	Verified          bool       `json:"verified,omitempty"`
	CreatedAt         *time.Time `json:"createdAt,omitempty"`
}

// AnonymousUser is the local registration of a guest session.
type AnonymousUser struct {
	Name string `json:"name"`
}

type SocialMedia struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
	PeopleID string `json:"peopleId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Verified bool   `json:"verified"`
	Primary  bool   `json:"primary"`
}

type Currency struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	Name        string `json:"name,omitempty"`
	Decimal     int    `json:"decimal"`
	Image       string `json:"image,omitempty"`
	Native      bool   `json:"native"`
	NetworkID   string `json:"networkId,omitempty"`
	ReferenceID string `json:"referenceId,omitempty"`
}

type Experience struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type UserExperience struct {
	ID           string      `json:"id"`
	ExperienceID string      `json:"experienceId"`
	Subscribed   bool        `json:"subscribed"`
	Experience   *Experience `json:"experience,omitempty"`
}

type Wallet struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	NetworkID string `json:"networkId"`
	Primary   bool   `json:"primary"`
	UserID    string `json:"userId,omitempty"`
}

type Network struct {
	ID          string     `json:"id"`
	ChainID     string     `json:"chainId,omitempty"`
	Image       string     `json:"image,omitempty"`
	RPCURL      string     `json:"rpcURL,omitempty"`
	ExplorerURL string     `json:"explorerURL,omitempty"`
	Currencies  []Currency `json:"currencies,omitempty"`
}

type ExchangeRate struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

type ServerImages struct {
	LogoBanner string `json:"logo_banner"`
}

type Server struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	ServiceURL  string       `json:"serviceUrl,omitempty"`
	Images      ServerImages `json:"images"`
}

type notificationCount struct {
	Count int `json:"count"`
}

// listEnvelope accepts both a bare JSON array and the paginated {"data": [...]} shape.
type listEnvelope[T any] struct {
	Items []T
}

func (l *listEnvelope[T]) UnmarshalJSON(data []byte) error {
	var items []T
	if err := json.Unmarshal(data, &items); err == nil {
		l.Items = items
		return nil
	}
	var wrapped struct {
		Data []T `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	l.Items = wrapped.Data
	return nil
}
