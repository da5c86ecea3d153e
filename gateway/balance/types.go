package balance

import (
	"context"
	"time"
)

// TokenDescriptor configures one row of the balance table. A token without a
// ContractRef is the chain's native token.
type TokenDescriptor struct {
	Symbol      string `json:"symbol"`
	ContractRef string `json:"contractRef,omitempty"`
	Decimals    int    `json:"decimals"`
	Description string `json:"description,omitempty"`
}

// Native reports whether the token is queried as the chain's native balance.
func (t TokenDescriptor) Native() bool { return t.ContractRef == "" }

type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntryReady   EntryStatus = "ready"
	EntryErrored EntryStatus = "errored"
)

type Entry struct {
	Symbol      string      `json:"symbol"`
	Description string      `json:"description,omitempty"`
	FreeBalance string      `json:"freeBalance,omitempty"`
	Status      EntryStatus `json:"status"`
	// LastKnown is the most recent cached balance, shown as a hint while Pending.
	LastKnown string `json:"lastKnown,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Visibility string

const (
	Hidden   Visibility = "hidden"
	Revealed Visibility = "revealed"
)

type GlobalStatus string

const (
	StatusIdle    GlobalStatus = "idle"
	StatusLoading GlobalStatus = "loading"
	StatusLoaded  GlobalStatus = "loaded"
	StatusFailed  GlobalStatus = "failed"
)

// Settled reports whether the round has finished.
func (s GlobalStatus) Settled() bool {
	return s == StatusLoaded || s == StatusFailed
}

// State is an immutable snapshot of a machine.
type State struct {
	Address    string       `json:"address,omitempty"`
	Visibility Visibility   `json:"visibility"`
	Entries    []Entry      `json:"entries"`
	Status     GlobalStatus `json:"status"`
	Round      uint64       `json:"round"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

func (s State) clone() State {
	s.Entries = append(make([]Entry, 0, len(s.Entries)), s.Entries...)
	return s
}

// Querier fetches the free balance of one token for an address, already
// formatted with the token's decimals.
type Querier interface {
	QueryBalance(ctx context.Context, address string, token TokenDescriptor) (string, error)
}

// QuerierFunc adapts a function to Querier.
type QuerierFunc func(ctx context.Context, address string, token TokenDescriptor) (string, error)

func (f QuerierFunc) QueryBalance(ctx context.Context, address string, token TokenDescriptor) (string, error) {
	return f(ctx, address, token)
}

// Cache stores the last successfully loaded balance per address and symbol.
type Cache interface {
	LastKnown(ctx context.Context, address string) (map[string]string, error)
	Save(ctx context.Context, address, symbol, balance string, at time.Time) error
}
