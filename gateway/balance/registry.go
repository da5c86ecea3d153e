package balance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"myriadweb/observability"
)

type RegistryOptions struct {
	Tokens  []TokenDescriptor
	IdleTTL time.Duration
	// NewMachine builds the machine for a newly seen address.
	NewMachine func() *Machine
	Now        func() time.Time
}

type registryEntry struct {
	machine  *Machine
	lastUsed time.Time
}

// Registry keeps one Machine per signed-in address. A machine is loaded with
// the configured tokens when first requested and closed once idle.
type Registry struct {
	mu       sync.Mutex
	tokens   []TokenDescriptor
	idleTTL  time.Duration
	factory  func() *Machine
	now      func() time.Time
	machines map[string]*registryEntry
	closed   bool
}

var ErrRegistryClosed = errors.New("balance registry closed")

func NewRegistry(opts RegistryOptions) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ttl := opts.IdleTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Registry{
		tokens:   append([]TokenDescriptor(nil), opts.Tokens...),
		idleTTL:  ttl,
		factory:  opts.NewMachine,
		now:      now,
		machines: make(map[string]*registryEntry),
	}
}

// Tokens returns the configured token list.
func (r *Registry) Tokens() []TokenDescriptor {
	return append([]TokenDescriptor(nil), r.tokens...)
}

// Get returns the machine for address, creating and loading it on first use.
func (r *Registry) Get(address string) (*Machine, error) {
	key := strings.TrimSpace(address)
	if key == "" {
		return nil, fmt.Errorf("address required")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if entry, ok := r.machines[key]; ok {
		entry.lastUsed = r.now()
		r.mu.Unlock()
		return entry.machine, nil
	}
	machine := r.factory()
	r.machines[key] = &registryEntry{machine: machine, lastUsed: r.now()}
	count := len(r.machines)
	r.mu.Unlock()

	observability.Balances().SetMachines(count)
	if err := machine.Load(key, r.tokens); err != nil {
		return nil, err
	}
	return machine, nil
}

// Evict closes machines idle for longer than the TTL and returns how many
// were removed. A machine with an open subscription counts as in use.
func (r *Registry) Evict() int {
	now := r.now()
	cutoff := now.Add(-r.idleTTL)
	var stale []*Machine
	r.mu.Lock()
	for key, entry := range r.machines {
		if entry.machine.Watched() {
			entry.lastUsed = now
			continue
		}
		if entry.lastUsed.Before(cutoff) {
			stale = append(stale, entry.machine)
			delete(r.machines, key)
		}
	}
	count := len(r.machines)
	r.mu.Unlock()

	for _, machine := range stale {
		machine.Close()
	}
	if len(stale) > 0 {
		observability.Balances().SetMachines(count)
	}
	return len(stale)
}

// Run evicts idle machines periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	interval := r.idleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Evict()
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

// Close stops every machine. Further Get calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	machines := r.machines
	r.machines = make(map[string]*registryEntry)
	r.mu.Unlock()
	for _, entry := range machines {
		entry.machine.Close()
	}
	observability.Balances().SetMachines(0)
}
