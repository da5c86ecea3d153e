package balance

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"myriadweb/observability"
	"myriadweb/observability/logging"
)

// ErrClosed is returned by commands sent to a closed machine.
var ErrClosed = errors.New("balance machine closed")

type Options struct {
	Querier Querier
	// Cache is optional.
	Cache        Cache
	QueryTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Machine loads token balances for one address. A single goroutine owns the
// state; commands and query results reach it through one channel and every
// transition publishes an immutable snapshot.
type Machine struct {
	querier      Querier
	cache        Cache
	queryTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	cmds      chan command
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	snapshot  atomic.Pointer[State]
	watchers  atomic.Int32
}

type command interface{}

type loadCmd struct {
	address string
	tokens  []TokenDescriptor
	trigger string
	ack     chan struct{}
}

type refreshCmd struct {
	ack chan struct{}
}

type visibilityCmd struct {
	visibility Visibility
	ack        chan struct{}
}

type resultCmd struct {
	round   uint64
	index   int
	balance string
	err     error
}

type lastKnownCmd struct {
	round  uint64
	values map[string]string
}

type subscribeCmd struct {
	ch chan State
}

type unsubscribeCmd struct {
	ch chan State
}

func NewMachine(opts Options) *Machine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	m := &Machine{
		querier:      opts.Querier,
		cache:        opts.Cache,
		queryTimeout: timeout,
		logger:       logger.With(slog.String("component", "balance")),
		now:          now,
		cmds:         make(chan command),
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
	}
	initial := State{Visibility: Hidden, Status: StatusIdle, Entries: []Entry{}, UpdatedAt: now()}
	m.snapshot.Store(&initial)
	go m.loop(initial)
	return m
}

// Load starts a new round for address over tokens. Any round in flight is
// superseded and its late results are discarded.
func (m *Machine) Load(address string, tokens []TokenDescriptor) error {
	ack := make(chan struct{})
	copied := append([]TokenDescriptor(nil), tokens...)
	return m.send(loadCmd{address: strings.TrimSpace(address), tokens: copied, trigger: "load", ack: ack}, ack)
}

// TriggerRefresh reloads the last address and tokens. It is a no-op before the
// first Load and never changes visibility.
func (m *Machine) TriggerRefresh() error {
	ack := make(chan struct{})
	return m.send(refreshCmd{ack: ack}, ack)
}

func (m *Machine) Reveal() error {
	ack := make(chan struct{})
	return m.send(visibilityCmd{visibility: Revealed, ack: ack}, ack)
}

func (m *Machine) Hide() error {
	ack := make(chan struct{})
	return m.send(visibilityCmd{visibility: Hidden, ack: ack}, ack)
}

// State returns the latest snapshot.
func (m *Machine) State() State {
	return m.snapshot.Load().clone()
}

// Subscribe streams snapshots, starting with the current one. A slow reader
// only ever sees the newest snapshot. Call cancel to stop.
func (m *Machine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	m.watchers.Add(1)
	if err := m.send(subscribeCmd{ch: ch}, nil); err != nil {
		m.watchers.Add(-1)
		close(ch)
		return ch, func() {}
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.watchers.Add(-1)
			_ = m.send(unsubscribeCmd{ch: ch}, nil)
		})
	}
}

// Watched reports whether any subscription is open.
func (m *Machine) Watched() bool {
	return m.watchers.Load() > 0
}

// Await blocks until a snapshot satisfies cond or ctx ends.
func (m *Machine) Await(ctx context.Context, cond func(State) bool) (State, error) {
	updates, cancel := m.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return m.State(), ctx.Err()
		case st, ok := <-updates:
			if !ok {
				return m.State(), ErrClosed
			}
			if cond(st) {
				return st, nil
			}
		}
	}
}

// Close stops the loop, cancels in-flight queries and closes subscriptions.
func (m *Machine) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	<-m.exited
}

func (m *Machine) send(cmd command, ack chan struct{}) error {
	select {
	case m.cmds <- cmd:
	case <-m.done:
		return ErrClosed
	}
	if ack == nil {
		return nil
	}
	select {
	case <-ack:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// post delivers a background result; it gives up once the machine is closed.
func (m *Machine) post(cmd command) {
	select {
	case m.cmds <- cmd:
	case <-m.done:
	}
}

func (m *Machine) loop(state State) {
	defer close(m.exited)

	var (
		address   string
		tokens    []TokenDescriptor
		loadedAny bool
		pending   int
	)
	cancel := context.CancelFunc(func() {})
	subs := map[chan State]struct{}{}
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	publish := func() {
		state.UpdatedAt = m.now()
		snap := state.clone()
		m.snapshot.Store(&snap)
		for ch := range subs {
			offer(ch, snap.clone())
		}
	}

	startRound := func(trigger string) {
		cancel()
		var roundCtx context.Context
		roundCtx, cancel = context.WithCancel(ctx)

		previous := make(map[string]string, len(state.Entries))
		for _, entry := range state.Entries {
			switch {
			case entry.Status == EntryReady:
				previous[entry.Symbol] = entry.FreeBalance
			case entry.LastKnown != "":
				previous[entry.Symbol] = entry.LastKnown
			}
		}

		state.Round++
		state.Address = address
		state.Entries = make([]Entry, len(tokens))
		for i, token := range tokens {
			state.Entries[i] = Entry{
				Symbol:      token.Symbol,
				Description: token.Description,
				Status:      EntryPending,
				LastKnown:   previous[token.Symbol],
			}
		}
		pending = len(tokens)
		observability.Balances().RecordRound(trigger)

		if pending == 0 {
			state.Status = StatusLoaded
			return
		}
		state.Status = StatusLoading
		round := state.Round
		for i, token := range tokens {
			go m.query(roundCtx, round, i, address, token)
		}
		if m.cache != nil && len(previous) == 0 {
			go m.readCache(roundCtx, round, address)
		}
	}

	for {
		select {
		case <-m.done:
			cancel()
			for ch := range subs {
				close(ch)
			}
			return
		case raw := <-m.cmds:
			switch cmd := raw.(type) {
			case loadCmd:
				address, tokens, loadedAny = cmd.address, cmd.tokens, true
				startRound(cmd.trigger)
				publish()
				close(cmd.ack)
			case refreshCmd:
				if loadedAny {
					startRound("refresh")
					publish()
				}
				close(cmd.ack)
			case visibilityCmd:
				if state.Visibility != cmd.visibility {
					state.Visibility = cmd.visibility
					publish()
				}
				close(cmd.ack)
			case resultCmd:
				if cmd.round != state.Round || cmd.index >= len(state.Entries) {
					observability.Balances().RecordDiscard()
					continue
				}
				entry := &state.Entries[cmd.index]
				if entry.Status != EntryPending {
					continue
				}
				observability.Balances().RecordQuery(entry.Symbol, cmd.err)
				if cmd.err != nil {
					entry.Status = EntryErrored
					entry.Error = cmd.err.Error()
					m.logger.Warn("balance query failed",
						slog.String("symbol", entry.Symbol),
						slog.String("user", logging.ShortAddress(address)),
						slog.String("error", cmd.err.Error()))
				} else {
					entry.Status = EntryReady
					entry.FreeBalance = cmd.balance
					entry.LastKnown = ""
					if m.cache != nil {
						go m.saveCache(address, entry.Symbol, cmd.balance, m.now())
					}
				}
				pending--
				if pending == 0 {
					state.Status = settle(state.Entries)
				}
				publish()
			case lastKnownCmd:
				if cmd.round != state.Round {
					continue
				}
				changed := false
				for i := range state.Entries {
					entry := &state.Entries[i]
					if value, ok := cmd.values[entry.Symbol]; ok && entry.Status == EntryPending && entry.LastKnown == "" {
						entry.LastKnown = value
						changed = true
					}
				}
				if changed {
					publish()
				}
			case subscribeCmd:
				subs[cmd.ch] = struct{}{}
				offer(cmd.ch, state.clone())
			case unsubscribeCmd:
				if _, ok := subs[cmd.ch]; ok {
					delete(subs, cmd.ch)
					close(cmd.ch)
				}
			}
		}
	}
}

func (m *Machine) query(ctx context.Context, round uint64, index int, address string, token TokenDescriptor) {
	qctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	balance, err := m.querier.QueryBalance(qctx, address, token)
	m.post(resultCmd{round: round, index: index, balance: balance, err: err})
}

func (m *Machine) readCache(ctx context.Context, round uint64, address string) {
	values, err := m.cache.LastKnown(ctx, address)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("read balance cache", slog.String("error", err.Error()))
		}
		return
	}
	if len(values) == 0 {
		return
	}
	m.post(lastKnownCmd{round: round, values: values})
}

// saveCache stamps the record with the time the result was applied, so a
// late write from an older round cannot replace a newer balance.
func (m *Machine) saveCache(address, symbol, balance string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cache.Save(ctx, address, symbol, balance, at); err != nil {
		m.logger.Warn("write balance cache",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()))
	}
}

// settle computes the terminal status of a round whose entries have all
// reported: Loaded when at least one is Ready, Failed when all errored.
func settle(entries []Entry) GlobalStatus {
	for _, entry := range entries {
		if entry.Status == EntryReady {
			return StatusLoaded
		}
	}
	if len(entries) == 0 {
		return StatusLoaded
	}
	return StatusFailed
}

// offer replaces whatever the subscriber has not read yet with snap.
func offer(ch chan State, snap State) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
