// Package rpcpool manages per-chain pools of EVM JSON-RPC clients for the
// evm_caller and evm_logger ingester families. Each chain's pool is built
// once at startup from a comma-separated HTTP_RPCS_<chain> environment
// value, liveness-checked via ChainID, and served round-robin; there is no
// health re-check after startup, matching spec.md §4.4 — a failing call
// simply asks the pool to rotate to the next client.
package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chomp/internal/logging"

	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// ErrNoLiveEndpoints is returned when none of a chain's configured RPC
// URLs pass the startup liveness check.
var ErrNoLiveEndpoints = errors.New("rpcpool: no live endpoints for chain")

// ErrUnknownChain is returned when Client is called for a chain the pool
// was never configured with.
var ErrUnknownChain = errors.New("rpcpool: unknown chain")

// chainPool holds the live clients for one chain and the rotation cursor.
type chainPool struct {
	clients []*ethclient.Client
	cursor  atomic.Uint64
	limiter *rate.Limiter
}

func (p *chainPool) next() *ethclient.Client {
	i := p.cursor.Add(1) - 1
	return p.clients[i%uint64(len(p.clients))]
}

// Pool serves ethclient.Client instances for a fixed set of chains.
type Pool struct {
	mu            sync.RWMutex
	chains        map[int64]*chainPool
	retryCooldown time.Duration
	logger        *slog.Logger
}

// Config configures pool construction.
type Config struct {
	// RPCs maps chain id -> comma-already-split list of HTTP RPC URLs,
	// the value of HTTP_RPCS_<chain>.
	RPCs map[int64][]string
	// RetryCooldown paces rotations: each chain's limiter allows one
	// rotation per RetryCooldown. The wait does not grow with the number
	// of retries.
	RetryCooldown time.Duration
	Logger        *slog.Logger
}

// New dials every configured RPC URL for every chain, keeps only the
// ones that answer ChainID within ctx's deadline, and returns a Pool
// ready to serve. A chain with zero live endpoints yields
// ErrNoLiveEndpoints, not a partial pool.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = 2 * time.Second
	}
	logger := logging.Default(cfg.Logger).With("component", "rpcpool")

	p := &Pool{
		chains:        make(map[int64]*chainPool, len(cfg.RPCs)),
		retryCooldown: cfg.RetryCooldown,
		logger:        logger,
	}

	for chainID, urls := range cfg.RPCs {
		var live []*ethclient.Client
		for _, url := range urls {
			client, err := ethclient.DialContext(ctx, url)
			if err != nil {
				logger.Warn("rpc dial failed", "chain_id", chainID, "url", url, "error", err)
				continue
			}
			if _, err := client.ChainID(ctx); err != nil {
				logger.Warn("rpc liveness check failed", "chain_id", chainID, "url", url, "error", err)
				client.Close()
				continue
			}
			live = append(live, client)
		}
		if len(live) == 0 {
			return nil, fmt.Errorf("%w: chain %d", ErrNoLiveEndpoints, chainID)
		}
		p.chains[chainID] = &chainPool{
			clients: live,
			limiter: rate.NewLimiter(rate.Every(cfg.RetryCooldown), 1),
		}
	}

	return p, nil
}

// Client returns the next client for chainID in round-robin order.
func (p *Pool) Client(chainID int64) (*ethclient.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp, ok := p.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	return cp.next(), nil
}

// Pinned returns the client at a fixed index for chainID, for callers
// that want a stable connection rather than rotation (e.g. a subscription
// that must stay on one endpoint for its lifetime).
func (p *Pool) Pinned(chainID int64, index int) (*ethclient.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp, ok := p.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	return cp.clients[index%len(cp.clients)], nil
}

// Rotate waits out the chain's retry cooldown, then returns the next
// client to try. Call this after a failed call on the client most
// recently returned by Client.
func (p *Pool) Rotate(ctx context.Context, chainID int64) (*ethclient.Client, error) {
	p.mu.RLock()
	cp, ok := p.chains[chainID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	if err := cp.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rpcpool: rotate chain %d: %w", chainID, err)
	}
	return cp.next(), nil
}

// ChainIDs returns every chain the pool is configured for.
func (p *Pool) ChainIDs() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]int64, 0, len(p.chains))
	for id := range p.chains {
		ids = append(ids, id)
	}
	return ids
}

// Close closes every client in every chain's pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cp := range p.chains {
		for _, c := range cp.clients {
			c.Close()
		}
	}
}
