package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"myriadweb/gateway/balance"
)

var balanceOfSelector = gethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]

// EVMClient is the subset of the Ethereum RPC used to read balances.
type EVMClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVMQuerier reads native balances with eth_getBalance and token balances
// with an ERC-20 balanceOf call against ContractRef.
type EVMQuerier struct {
	client EVMClient
}

func NewEVMQuerier(client EVMClient) *EVMQuerier {
	return &EVMQuerier{client: client}
}

func (q *EVMQuerier) QueryBalance(ctx context.Context, address string, token balance.TokenDescriptor) (string, error) {
	if q == nil || q.client == nil {
		return "", fmt.Errorf("evm querier not initialised")
	}
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("invalid evm address %q", address)
	}
	account := common.HexToAddress(address)

	var raw *big.Int
	if token.Native() {
		value, err := q.client.BalanceAt(ctx, account, nil)
		if err != nil {
			return "", fmt.Errorf("%s balance: %w", token.Symbol, err)
		}
		raw = value
	} else {
		if !common.IsHexAddress(token.ContractRef) {
			return "", fmt.Errorf("%s balance: invalid contract address %q", token.Symbol, token.ContractRef)
		}
		contract := common.HexToAddress(token.ContractRef)
		data := append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(account.Bytes(), 32)...)
		out, err := q.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
		if err != nil {
			return "", fmt.Errorf("%s balance: %w", token.Symbol, err)
		}
		if len(out) < 32 {
			return "", fmt.Errorf("%s balance: short balanceOf result (%d bytes)", token.Symbol, len(out))
		}
		raw = new(big.Int).SetBytes(out[:32])
	}
	if raw == nil {
		return "", fmt.Errorf("%s balance: empty result", token.Symbol)
	}
	amount, overflow := uint256.FromBig(raw)
	if overflow {
		return "", fmt.Errorf("%s balance: value overflows 256 bits", token.Symbol)
	}
	return FormatUnits(amount, token.Decimals), nil
}
