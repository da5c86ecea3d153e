package routes

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"myriadweb/gateway/balance"
	"myriadweb/gateway/session"
	"myriadweb/observability/logging"
)

const (
	wsWriteTimeout     = 10 * time.Second
	balanceWaitTimeout = 15 * time.Second
)

// BalanceMachines hands out the balance machine of a signed-in address.
type BalanceMachines interface {
	Get(address string) (*balance.Machine, error)
}

type balancesPayload struct {
	State balance.State `json:"state"`
	View  balance.View  `json:"view"`
}

func payloadOf(st balance.State) balancesPayload {
	return balancesPayload{State: st, View: st.View()}
}

type walletRoutes struct {
	machines      BalanceMachines
	originPattern []string
	logger        *slog.Logger
}

func (wr *walletRoutes) mount(r chi.Router) {
	r.Get("/", wr.getBalances)
	r.Post("/refresh", wr.command(http.StatusAccepted, (*balance.Machine).TriggerRefresh))
	r.Post("/reveal", wr.command(http.StatusOK, (*balance.Machine).Reveal))
	r.Post("/hide", wr.command(http.StatusOK, (*balance.Machine).Hide))
	r.Get("/stream", wr.stream)
}

// machine returns the caller's machine. The session middleware guarantees an
// address on the context.
func (wr *walletRoutes) machine(w http.ResponseWriter, r *http.Request) (*balance.Machine, bool) {
	sess, ok := session.FromContext(r.Context())
	if !ok || sess.User.Address == "" {
		writeJSONError(w, http.StatusUnauthorized, errors.New("sign in required"))
		return nil, false
	}
	m, err := wr.machines.Get(sess.User.Address)
	if err != nil {
		wr.logger.Error("balance machine unavailable",
			slog.String("user", logging.ShortAddress(sess.User.Address)),
			slog.String("error", err.Error()))
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("balances unavailable"))
		return nil, false
	}
	return m, true
}

// getBalances returns the current state and view. With ?wait=true it blocks
// until the current round settles.
func (wr *walletRoutes) getBalances(w http.ResponseWriter, r *http.Request) {
	m, ok := wr.machine(w, r)
	if !ok {
		return
	}
	st := m.State()
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait && !st.Status.Settled() {
		ctx, cancel := context.WithTimeout(r.Context(), balanceWaitTimeout)
		defer cancel()
		settled, err := m.Await(ctx, func(s balance.State) bool { return s.Status.Settled() })
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			writeJSONError(w, http.StatusServiceUnavailable, err)
			return
		}
		st = settled
	}
	writeJSON(w, http.StatusOK, payloadOf(st))
}

func (wr *walletRoutes) command(status int, apply func(*balance.Machine) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := wr.machine(w, r)
		if !ok {
			return
		}
		if err := apply(m); err != nil {
			if errors.Is(err, balance.ErrClosed) {
				// Evicted between lookup and command; the next Get builds a fresh machine.
				if m, ok = wr.machine(w, r); !ok {
					return
				}
				err = apply(m)
			}
			if err != nil {
				writeJSONError(w, http.StatusServiceUnavailable, err)
				return
			}
		}
		writeJSON(w, status, payloadOf(m.State()))
	}
}

func (wr *walletRoutes) stream(w http.ResponseWriter, r *http.Request) {
	m, ok := wr.machine(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: wr.originPattern})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := streamBalances(ctx, conn, m); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamBalances(ctx context.Context, conn *websocket.Conn, m *balance.Machine) error {
	updates, cancel := m.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeBalanceUpdate(ctx, conn, st); err != nil {
				return err
			}
		}
	}
}

func writeBalanceUpdate(ctx context.Context, conn *websocket.Conn, st balance.State) error {
	data, err := json.Marshal(payloadOf(st))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
