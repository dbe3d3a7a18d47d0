package evmlogger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// parseTarget splits a Field's resolved target "<chain_id>:<address>"
// into its chain id and contract address, defaulting to chain 1 when no
// chain prefix is given.
func parseTarget(target string) (int64, common.Address, error) {
	chainID := int64(1)
	addrStr := target
	if idx := strings.IndexByte(target, ':'); idx >= 0 {
		cidStr := target[:idx]
		addrStr = target[idx+1:]
		n, err := strconv.ParseInt(cidStr, 10, 64)
		if err != nil {
			return 0, common.Address{}, fmt.Errorf("invalid chain id %q in target %q: %w", cidStr, target, err)
		}
		chainID = n
	}
	if !common.IsHexAddress(addrStr) {
		return 0, common.Address{}, fmt.Errorf("invalid address %q in target %q", addrStr, target)
	}
	return chainID, common.HexToAddress(addrStr), nil
}

// parseEventABI parses a Field's selector as a single-event ABI fragment
// (spec.md §3's "selector ... event signature") and returns the parsed
// event, whose Event.ID go-ethereum already computes as the topic0 hash.
func parseEventABI(selector string) (abi.Event, error) {
	src := selector
	trimmed := strings.TrimSpace(selector)
	if !strings.HasPrefix(trimmed, "[") {
		src = "[" + selector + "]"
	}
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		return abi.Event{}, fmt.Errorf("parse event abi: %w", err)
	}
	if len(parsed.Events) != 1 {
		return abi.Event{}, fmt.Errorf("selector must declare exactly one event, got %d", len(parsed.Events))
	}
	for _, ev := range parsed.Events {
		return ev, nil
	}
	panic("unreachable")
}

// decodeLog decodes lg against event's declared parameter types,
// indexed topics first then data, returning every parameter keyed by
// its declared name. go-ethereum's ParseTopicsIntoMap/UnpackIntoMap
// already perform the "concatenate indexed then data, decode, make
// available by declared name" work spec.md §4.6.5 describes, so this
// reorders nothing by hand.
func decodeLog(event abi.Event, lg types.Log) (map[string]any, error) {
	var indexed abi.Arguments
	var nonIndexed abi.Arguments
	for _, in := range event.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		} else {
			nonIndexed = append(nonIndexed, in)
		}
	}

	if len(lg.Topics) < 1+len(indexed) {
		return nil, fmt.Errorf("log has %d topics, want at least %d", len(lg.Topics), 1+len(indexed))
	}

	values := make(map[string]any, len(event.Inputs))
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(values, indexed, lg.Topics[1:]); err != nil {
			return nil, fmt.Errorf("parse indexed topics: %w", err)
		}
	}
	if len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(values, lg.Data); err != nil {
			return nil, fmt.Errorf("unpack log data: %w", err)
		}
	}
	return values, nil
}
