// Package evmcaller implements spec.md §4.6.4's EVM caller family: Fields
// grouped by chain, batched into one Multicall3 call per chain per tick,
// with RPC rotation and retry on failure.
package evmcaller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chomp/internal/logging"
	"chomp/internal/model"
	"chomp/internal/orchestrator"
	"chomp/internal/rpcpool"
	"chomp/internal/workpool"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// callAttemptDeadline bounds a single multicall attempt (spec.md
// §4.6.4's "3-second deadline per attempt").
const callAttemptDeadline = 3 * time.Second

// call is one Field's compiled contract call: its chain, target
// contract, packed calldata, and the ABI needed to unpack its own
// return value. Fields whose model.Field.ID collides (identical name,
// type, target, selector, params and transformers) share one call and
// one entry in fieldIdxs (spec.md §4.6.4's "deduplicating by Field id").
type call struct {
	fieldIdxs  []int
	chainID    int64
	target     common.Address
	methodABI  abi.ABI
	methodName string
	callData   []byte
}

// Collector runs one Multicall3 batch per chain per tick.
type Collector struct {
	calls         []call
	byChain       map[int64][]int // chain id -> indices into calls
	pool          *rpcpool.Pool
	workers       *workpool.Pool
	multicallAddr common.Address
	maxRetries    int
	logger        *slog.Logger
}

// NewFactory returns an orchestrator.CollectorFactory for the evm_caller
// family. pool and workers may be nil, in which case deps.RPCPool and
// deps.Pool are used. multicallAddr defaults to DefaultMulticallAddress.
func NewFactory(pool *rpcpool.Pool, workers *workpool.Pool, multicallAddr common.Address, maxRetries int) orchestrator.CollectorFactory {
	if multicallAddr == (common.Address{}) {
		multicallAddr = DefaultMulticallAddress
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return func(ing model.Ingester, deps orchestrator.Deps) (orchestrator.Collector, error) {
		p := pool
		if p == nil {
			p = deps.RPCPool
		}
		if p == nil {
			return nil, fmt.Errorf("evmcaller: %s: no rpc pool configured", ing.Name)
		}
		w := workers
		if w == nil {
			w = deps.Pool
		}
		if w == nil {
			w = workpool.New(0)
		}

		calls, err := buildCalls(ing)
		if err != nil {
			return nil, err
		}
		byChain := make(map[int64][]int)
		for i, c := range calls {
			byChain[c.chainID] = append(byChain[c.chainID], i)
		}

		return &Collector{
			calls:         calls,
			byChain:       byChain,
			pool:          p,
			workers:       w,
			multicallAddr: multicallAddr,
			maxRetries:    maxRetries,
			logger:        logging.Default(deps.Logger).With("component", "ingester", "type", "evm_caller", "ingester", ing.Name),
		}, nil
	}
}

// buildCalls compiles every Field into a call, deduplicating by Field id.
func buildCalls(ing model.Ingester) ([]call, error) {
	var calls []call
	idToCallIdx := make(map[string]int)

	for i := range ing.Fields {
		f := &ing.Fields[i]

		target := f.ResolvedTarget(ing.DefaultTarget)
		chainID, addr, err := parseTarget(target)
		if err != nil {
			return nil, fmt.Errorf("evmcaller: field %q: %w", f.Name, err)
		}

		selector := f.Selector
		if selector == "" {
			selector = ing.DefaultSelector
		}
		if selector == "" {
			return nil, fmt.Errorf("evmcaller: field %q has no selector", f.Name)
		}
		methodABI, methodName, err := parseMethodABI(selector)
		if err != nil {
			return nil, fmt.Errorf("evmcaller: field %q: %w", f.Name, err)
		}

		rawParams, err := resolvedParams(*f, ing.DefaultParams, methodABI.Methods[methodName])
		if err != nil {
			return nil, fmt.Errorf("evmcaller: field %q: %w", f.Name, err)
		}
		args, err := convertArgs(methodABI.Methods[methodName], rawParams)
		if err != nil {
			return nil, fmt.Errorf("evmcaller: field %q: %w", f.Name, err)
		}
		callData, err := methodABI.Pack(methodName, args...)
		if err != nil {
			return nil, fmt.Errorf("evmcaller: field %q: pack args: %w", f.Name, err)
		}

		id := f.ID()
		if existing, ok := idToCallIdx[id]; ok {
			calls[existing].fieldIdxs = append(calls[existing].fieldIdxs, i)
			continue
		}
		idToCallIdx[id] = len(calls)
		calls = append(calls, call{
			fieldIdxs:  []int{i},
			chainID:    chainID,
			target:     addr,
			methodABI:  methodABI,
			methodName: methodName,
			callData:   callData,
		})
	}
	return calls, nil
}

// Collect executes one Multicall3 batch per chain, in parallel across
// chains on the shared work pool, and routes decoded return values back
// to every Field sharing each call.
func (c *Collector) Collect(ctx context.Context, ing *model.Ingester) error {
	tasks := make([]func(context.Context) error, 0, len(c.byChain))
	for chainID, idxs := range c.byChain {
		chainID, idxs := chainID, idxs
		tasks = append(tasks, func(ctx context.Context) error {
			raw, err := c.callChain(ctx, chainID, idxs)
			if err != nil {
				c.logger.Error("multicall failed", "chain_id", chainID, "error", err)
				return nil
			}
			if err := c.applyResults(ing, idxs, raw); err != nil {
				c.logger.Error("decode multicall results failed", "chain_id", chainID, "error", err)
			}
			return nil
		})
	}
	return c.workers.Batch(ctx, tasks...)
}

// callChain packs one Multicall3 aggregate3 call covering idxs and
// executes it, rotating to the chain's next RPC client and retrying up
// to maxRetries times on failure.
func (c *Collector) callChain(ctx context.Context, chainID int64, idxs []int) ([]byte, error) {
	mcCalls := make([]call3, len(idxs))
	for i, ci := range idxs {
		mcCalls[i] = call3{Target: c.calls[ci].target, AllowFailure: true, CallData: c.calls[ci].callData}
	}
	data, err := multicallABI.Pack("aggregate3", mcCalls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}

	client, err := c.pool.Client(chainID)
	if err != nil {
		return nil, err
	}

	attempt := 0
	for {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, callAttemptDeadline)
		out, err := client.CallContract(callCtx, ethereum.CallMsg{To: &c.multicallAddr, Data: data}, nil)
		cancel()
		if err == nil {
			return out, nil
		}
		if attempt > c.maxRetries {
			return nil, fmt.Errorf("chain %d: %w", chainID, err)
		}
		client, err = c.pool.Rotate(ctx, chainID)
		if err != nil {
			return nil, fmt.Errorf("chain %d: rotate: %w", chainID, err)
		}
	}
}

func (c *Collector) applyResults(ing *model.Ingester, idxs []int, raw []byte) error {
	var out struct {
		ReturnData []mcResult
	}
	if err := multicallABI.UnpackIntoInterface(&out, "aggregate3", raw); err != nil {
		return fmt.Errorf("unpack aggregate3: %w", err)
	}
	if len(out.ReturnData) != len(idxs) {
		return fmt.Errorf("expected %d results, got %d", len(idxs), len(out.ReturnData))
	}

	for i, ci := range idxs {
		res := out.ReturnData[i]
		call := c.calls[ci]
		if !res.Success {
			c.logger.Warn("call reverted", "target", call.target, "method", call.methodName)
			continue
		}
		vals, err := call.methodABI.Unpack(call.methodName, res.ReturnData)
		if err != nil {
			c.logger.Warn("decode return value failed", "target", call.target, "method", call.methodName, "error", err)
			continue
		}
		val := decodeValue(vals)
		for _, fi := range call.fieldIdxs {
			ing.Fields[fi].Value = val
		}
	}
	return nil
}

func decodeValue(vals []any) any {
	if len(vals) == 1 {
		return vals[0]
	}
	return vals
}

// Close releases no resources; rpcpool.Pool is shared across Ingesters
// and closed by its owner.
func (c *Collector) Close() error { return nil }
