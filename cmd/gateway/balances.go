package main

import (
	"fmt"
	"log/slog"
	"strings"

	"myriadweb/gateway/balance"
	"myriadweb/gateway/chain"
	"myriadweb/gateway/config"
)

func buildBalances(env string, cfg config.BalancesConfig, autoUpgrade bool, logger *slog.Logger) (*balance.Registry, func(), error) {
	querier, closeQuerier, err := buildQuerier(env, cfg.Chain, autoUpgrade, logger)
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){closeQuerier}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var cache balance.Cache
	if strings.TrimSpace(cfg.Cache.Driver) != "" {
		db, err := balance.OpenDatabase(cfg.Cache.Driver, cfg.Cache.DSN)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open balance cache: %w", err)
		}
		gormCache, err := balance.NewGormCache(db)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("prepare balance cache: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			closers = append(closers, func() { _ = sqlDB.Close() })
		}
		cache = gormCache
		logger.Info("balance cache enabled", "driver", cfg.Cache.Driver)
	}

	tokens := make([]balance.TokenDescriptor, 0, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		tokens = append(tokens, balance.TokenDescriptor{
			Symbol:      token.Symbol,
			ContractRef: token.ContractRef,
			Decimals:    token.Decimals,
			Description: token.Description,
		})
	}
	registry := balance.NewRegistry(balance.RegistryOptions{
		Tokens:  tokens,
		IdleTTL: cfg.IdleTTL,
		NewMachine: func() *balance.Machine {
			return balance.NewMachine(balance.Options{
				Querier:      querier,
				Cache:        cache,
				QueryTimeout: cfg.Chain.Timeout,
				Logger:       logger,
			})
		},
	})
	closers = append(closers, registry.Close)
	return registry, closeAll, nil
}

func buildQuerier(env string, cfg config.ChainConfig, autoUpgrade bool, logger *slog.Logger) (balance.Querier, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", config.ChainRPC:
		endpoint, err := secureURL(env, "chain", cfg.Endpoint, autoUpgrade, logger)
		if err != nil {
			return nil, nil, err
		}
		querier, err := chain.NewRPCQuerier(chain.RPCOptions{
			Endpoint:     endpoint.String(),
			NativeMethod: cfg.NativeMethod,
			AssetMethod:  cfg.AssetMethod,
			Timeout:      cfg.Timeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("configure chain rpc: %w", err)
		}
		return querier, func() {}, nil
	case config.ChainEVM:
		client, err := chain.DialEVMClient(cfg.Endpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("dial evm endpoint: %w", err)
		}
		return chain.NewEVMQuerier(client), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported chain kind %q", cfg.Kind)
	}
}
