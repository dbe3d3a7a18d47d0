// Package evmlogger implements spec.md §4.6.5's EVM logger family:
// per-contract eth_getLogs polling over a tracked block range, decoding
// each log against its declared event signature.
package evmlogger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"chomp/internal/cache"
	"chomp/internal/logging"
	"chomp/internal/model"
	"chomp/internal/orchestrator"
	"chomp/internal/rpcpool"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/vmihailenco/msgpack/v5"
)

// fieldRef names a Field that wants one named parameter of an event.
type fieldRef struct {
	idx       int
	paramName string
}

// logEntry is one event type tracked within a contract group.
type logEntry struct {
	event  abi.Event
	fields []fieldRef
}

// contractGroup tracks one contract's watched events and the last block
// its logs were fetched through.
type contractGroup struct {
	chainID int64
	addr    common.Address
	byTopic map[common.Hash]*logEntry

	mu        sync.Mutex
	lastBlock uint64
	haveLast  bool
}

// Collector polls eth_getLogs for every contract referenced by the
// Ingester's fields, once per tick.
type Collector struct {
	pool       *rpcpool.Pool
	maxRetries int
	groups     []*contractGroup
	logger     *slog.Logger

	// perpetual enables follow-mode (--perpetual_indexing): every log in
	// a tick's block range is published to the cache topic as it is
	// decoded, not just the latest one per event type. The persisted
	// snapshot (ing.Fields, written by the tick pipeline after Collect
	// returns) still only ever holds the most recent value — Chomp has
	// no row-per-tick store path this can bypass — so follow-mode only
	// changes what reaches pub/sub subscribers, not what lands in TSDB.
	perpetual bool
	cache     *cache.Cache
}

// NewFactory returns an orchestrator.CollectorFactory for the
// evm_logger family. pool may be nil, in which case deps.RPCPool is used.
// perpetual enables spec.md §6's --perpetual_indexing follow-mode.
func NewFactory(pool *rpcpool.Pool, maxRetries int, perpetual bool) orchestrator.CollectorFactory {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return func(ing model.Ingester, deps orchestrator.Deps) (orchestrator.Collector, error) {
		p := pool
		if p == nil {
			p = deps.RPCPool
		}
		if p == nil {
			return nil, fmt.Errorf("evmlogger: %s: no rpc pool configured", ing.Name)
		}
		groups, err := buildGroups(ing)
		if err != nil {
			return nil, err
		}
		return &Collector{
			pool:       p,
			maxRetries: maxRetries,
			groups:     groups,
			perpetual:  perpetual,
			cache:      deps.Cache,
			logger:     logging.Default(deps.Logger).With("component", "ingester", "type", "evm_logger", "ingester", ing.Name),
		}, nil
	}
}

// buildGroups groups Fields by contract, and within a contract by event
// topic0, so one eth_getLogs filter per contract can cover every event
// type any of its Fields references.
func buildGroups(ing model.Ingester) ([]*contractGroup, error) {
	byContract := make(map[string]*contractGroup)
	var order []string

	for i := range ing.Fields {
		f := &ing.Fields[i]

		target := f.ResolvedTarget(ing.DefaultTarget)
		chainID, addr, err := parseTarget(target)
		if err != nil {
			return nil, fmt.Errorf("evmlogger: field %q: %w", f.Name, err)
		}

		selector := f.Selector
		if selector == "" {
			selector = ing.DefaultSelector
		}
		if selector == "" {
			return nil, fmt.Errorf("evmlogger: field %q has no selector", f.Name)
		}
		event, err := parseEventABI(selector)
		if err != nil {
			return nil, fmt.Errorf("evmlogger: field %q: %w", f.Name, err)
		}

		key := fmt.Sprintf("%d:%s", chainID, addr.Hex())
		g, ok := byContract[key]
		if !ok {
			g = &contractGroup{chainID: chainID, addr: addr, byTopic: make(map[common.Hash]*logEntry)}
			byContract[key] = g
			order = append(order, key)
		}
		entry, ok := g.byTopic[event.ID]
		if !ok {
			entry = &logEntry{event: event}
			g.byTopic[event.ID] = entry
		}
		entry.fields = append(entry.fields, fieldRef{idx: i, paramName: f.Name})
	}

	groups := make([]*contractGroup, 0, len(order))
	for _, key := range order {
		groups = append(groups, byContract[key])
	}
	return groups, nil
}

// Collect polls every contract group's new block range once. A
// per-contract failure is logged and does not abort the other groups.
func (c *Collector) Collect(ctx context.Context, ing *model.Ingester) error {
	for _, g := range c.groups {
		if err := c.collectGroup(ctx, ing, g); err != nil {
			c.logger.Error("evm logger collect failed", "address", g.addr, "error", err)
		}
	}
	return nil
}

func (c *Collector) collectGroup(ctx context.Context, ing *model.Ingester, g *contractGroup) error {
	client, err := c.pool.Client(g.chainID)
	if err != nil {
		return err
	}

	current, client, err := c.blockNumberWithRetry(ctx, g.chainID, client)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if !g.haveLast {
		g.lastBlock = current
		g.haveLast = true
		g.mu.Unlock()
		c.logger.Debug("evm logger primed last_block", "address", g.addr, "block", current)
		return nil
	}
	from := g.lastBlock + 1
	g.mu.Unlock()
	if from > current {
		return nil
	}

	topics := make([]common.Hash, 0, len(g.byTopic))
	for t := range g.byTopic {
		topics = append(topics, t)
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(current),
		Addresses: []common.Address{g.addr},
		Topics:    [][]common.Hash{topics},
	}

	logs, client, err := c.filterLogsWithRetry(ctx, g.chainID, client, query)
	if err != nil {
		return err
	}

	// The tick pipeline commits exactly one row per interval; within a
	// tick's block range, keep the most recent log per event type and
	// log how many earlier logs of that type were dropped. In
	// --perpetual_indexing follow-mode every log is still published to
	// the cache topic as it's decoded (see below), so only the
	// persisted snapshot loses the intra-tick history.
	latest := make(map[common.Hash]types.Log)
	skipped := 0
	for _, lg := range logs {
		if len(lg.Topics) == 0 {
			continue
		}
		if _, ok := latest[lg.Topics[0]]; ok {
			skipped++
		}
		latest[lg.Topics[0]] = lg
		if c.perpetual {
			c.publishFollowedLog(ctx, ing, g, lg)
		}
	}
	if skipped > 0 {
		c.logger.Warn("evm logger dropped older logs within tick window", "address", g.addr, "skipped", skipped)
	}

	for topic0, lg := range latest {
		entry, ok := g.byTopic[topic0]
		if !ok {
			continue
		}
		values, err := decodeLog(entry.event, lg)
		if err != nil {
			c.logger.Warn("decode log failed", "address", g.addr, "event", entry.event.Name, "error", err)
			continue
		}
		for _, fr := range entry.fields {
			v, ok := values[fr.paramName]
			if !ok {
				c.logger.Warn("event has no such parameter", "event", entry.event.Name, "param", fr.paramName)
				continue
			}
			ing.Fields[fr.idx].Value = v
		}
	}

	g.mu.Lock()
	g.lastBlock = current
	g.mu.Unlock()
	return nil
}

// followTopic is the pub/sub topic follow-mode logs publish to. It is
// deliberately distinct from ing.Name, which carries the tick snapshot
// (a full map[string]any keyed by field name) — mixing the two on one
// topic would leave subscribers unable to tell a snapshot from a log.
func followTopic(ing *model.Ingester) string {
	return ing.Name + ":log"
}

// publishFollowedLog decodes a single log and publishes it to the
// ingester's follow-mode topic immediately, independent of the tick's
// persisted snapshot — the --perpetual_indexing escape hatch for
// subscribers that want every event, not just the latest per tick.
func (c *Collector) publishFollowedLog(ctx context.Context, ing *model.Ingester, g *contractGroup, lg types.Log) {
	if c.cache == nil || len(lg.Topics) == 0 {
		return
	}
	entry, ok := g.byTopic[lg.Topics[0]]
	if !ok {
		return
	}
	values, err := decodeLog(entry.event, lg)
	if err != nil {
		c.logger.Warn("follow-mode decode log failed", "address", g.addr, "event", entry.event.Name, "error", err)
		return
	}
	payload, err := msgpack.Marshal(values)
	if err != nil {
		c.logger.Warn("follow-mode encode log failed", "address", g.addr, "event", entry.event.Name, "error", err)
		return
	}
	if err := c.cache.Publish(ctx, followTopic(ing), payload); err != nil {
		c.logger.Warn("follow-mode publish failed", "address", g.addr, "event", entry.event.Name, "error", err)
	}
}

func (c *Collector) blockNumberWithRetry(ctx context.Context, chainID int64, client *ethclient.Client) (uint64, *ethclient.Client, error) {
	attempt := 0
	for {
		attempt++
		n, err := client.BlockNumber(ctx)
		if err == nil {
			return n, client, nil
		}
		if attempt > c.maxRetries {
			return 0, client, fmt.Errorf("chain %d: block number: %w", chainID, err)
		}
		client, err = c.pool.Rotate(ctx, chainID)
		if err != nil {
			return 0, client, err
		}
	}
}

func (c *Collector) filterLogsWithRetry(ctx context.Context, chainID int64, client *ethclient.Client, q ethereum.FilterQuery) ([]types.Log, *ethclient.Client, error) {
	attempt := 0
	for {
		attempt++
		logs, err := client.FilterLogs(ctx, q)
		if err == nil {
			return logs, client, nil
		}
		if attempt > c.maxRetries {
			return nil, client, fmt.Errorf("chain %d: filter logs: %w", chainID, err)
		}
		client, err = c.pool.Rotate(ctx, chainID)
		if err != nil {
			return nil, client, err
		}
	}
}

// Close releases no resources; rpcpool.Pool is shared across Ingesters
// and closed by its owner.
func (c *Collector) Close() error { return nil }
