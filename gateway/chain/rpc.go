package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"myriadweb/gateway/balance"
)

const (
	DefaultNativeMethod = "balances_free"
	DefaultAssetMethod  = "assets_balance"
)

type RPCOptions struct {
	Endpoint     string
	NativeMethod string
	AssetMethod  string
	Timeout      time.Duration
	Transport    http.RoundTripper
}

// RPCQuerier reads balances through the chain's JSON-RPC endpoint. Native
// tokens are queried with NativeMethod [address]; assets with
// AssetMethod [contractRef, address]. Both answer {"free": amount}.
type RPCQuerier struct {
	endpoint     string
	nativeMethod string
	assetMethod  string
	http         *http.Client
	nextID       atomic.Int64
}

func NewRPCQuerier(opts RPCOptions) (*RPCQuerier, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("chain endpoint required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	q := &RPCQuerier{
		endpoint:     endpoint,
		nativeMethod: firstNonEmpty(opts.NativeMethod, DefaultNativeMethod),
		assetMethod:  firstNonEmpty(opts.AssetMethod, DefaultAssetMethod),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
	}
	return q, nil
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is an error object returned by the chain node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("chain rpc error %d: %s", e.Code, e.Message)
}

type accountBalance struct {
	Free json.RawMessage `json:"free"`
}

func (q *RPCQuerier) QueryBalance(ctx context.Context, address string, token balance.TokenDescriptor) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("address required")
	}
	method := q.nativeMethod
	params := []interface{}{address}
	if !token.Native() {
		method = q.assetMethod
		params = []interface{}{token.ContractRef, address}
	}
	var result accountBalance
	if err := q.call(ctx, method, params, &result); err != nil {
		return "", fmt.Errorf("%s balance: %w", token.Symbol, err)
	}
	amount, err := parseFree(result.Free)
	if err != nil {
		return "", fmt.Errorf("%s balance: %w", token.Symbol, err)
	}
	return FormatUnits(amount, token.Decimals), nil
}

func (q *RPCQuerier) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	id := q.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := q.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("chain rpc %s failed: status=%d body=%s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode chain rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if rpcResp.ID != id {
		return fmt.Errorf("chain rpc response id %d does not match request %d", rpcResp.ID, id)
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return errors.New("chain rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// parseFree accepts the amount as a JSON string (decimal or hex) or number.
func parseFree(raw json.RawMessage) (*uint256.Int, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, errors.New("free balance missing")
	}
	var text string
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return nil, fmt.Errorf("decode free balance: %w", err)
		}
	} else {
		var number json.Number
		if err := json.Unmarshal(trimmed, &number); err != nil {
			return nil, fmt.Errorf("decode free balance: %w", err)
		}
		text = number.String()
		if strings.ContainsAny(text, ".eE") {
			integer, err := integralNumber(text)
			if err != nil {
				return nil, err
			}
			text = integer
		}
	}
	return ParseAmount(text)
}

// integralNumber expands a JSON number in fraction or exponent form, such as
// 1e+21, into its integer digits. Fractional base units are rejected.
func integralNumber(text string) (string, error) {
	value, _, err := big.ParseFloat(text, 10, 512, big.ToNearestEven)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q: %w", text, err)
	}
	if !value.IsInt() {
		return "", fmt.Errorf("invalid amount %q: not a whole number of base units", text)
	}
	integer, _ := value.Int(nil)
	return integer.String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
