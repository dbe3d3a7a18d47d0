package evmcaller

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"chomp/internal/model"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// multicall3ABIJSON is the well-known Multicall3 contract's aggregate3
// method, deployed at the same address on every chain this family
// targets. Only the one method this package calls is declared.
const multicall3ABIJSON = `[{
  "inputs": [{
    "components": [
      {"internalType":"address","name":"target","type":"address"},
      {"internalType":"bool","name":"allowFailure","type":"bool"},
      {"internalType":"bytes","name":"callData","type":"bytes"}
    ],
    "internalType": "struct Multicall3.Call3[]",
    "name": "calls",
    "type": "tuple[]"
  }],
  "name": "aggregate3",
  "outputs": [{
    "components": [
      {"internalType":"bool","name":"success","type":"bool"},
      {"internalType":"bytes","name":"returnData","type":"bytes"}
    ],
    "internalType": "struct Multicall3.Result[]",
    "name": "returnData",
    "type": "tuple[]"
  }],
  "stateMutability": "payable",
  "type": "function"
}]`

// DefaultMulticallAddress is Multicall3's canonical deployment address,
// identical across almost every EVM chain.
var DefaultMulticallAddress = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// call3 mirrors Multicall3.Call3; field names must match the ABI's tuple
// component names after Go's exported-field capitalization for
// go-ethereum's struct-based tuple packing to apply.
type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// mcResult mirrors Multicall3.Result for UnpackIntoInterface.
type mcResult struct {
	Success    bool
	ReturnData []byte
}

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("evmcaller: invalid built-in multicall abi: %v", err))
	}
	return parsed
}

var multicallABI = mustParseABI(multicall3ABIJSON)

// parseTarget splits a Field's resolved target "<chain_id>:<address>"
// into its chain id and contract address, defaulting to chain 1 when no
// chain prefix is given (spec.md §4.6.4).
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

// parseMethodABI parses a Field's selector as a single-function ABI
// fragment (spec.md §3's "selector ... method ABI") and returns the
// parsed ABI together with the one method it declares.
func parseMethodABI(selector string) (abi.ABI, string, error) {
	src := selector
	trimmed := strings.TrimSpace(selector)
	if !strings.HasPrefix(trimmed, "[") {
		src = "[" + selector + "]"
	}
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		return abi.ABI{}, "", fmt.Errorf("parse method abi: %w", err)
	}
	if len(parsed.Methods) != 1 {
		return abi.ABI{}, "", fmt.Errorf("selector must declare exactly one method, got %d", len(parsed.Methods))
	}
	for name := range parsed.Methods {
		return parsed, name, nil
	}
	panic("unreachable")
}

// resolvedParams returns a Field's call arguments as strings, in
// declaration order, inheriting the Ingester's default params when the
// Field sets none. A Map is ordered by the method's declared input
// names rather than by map iteration order.
func resolvedParams(f model.Field, defaultParams model.ParamList, method abi.Method) ([]string, error) {
	params := f.Params
	if len(params.List) == 0 && len(params.Map) == 0 {
		params = defaultParams
	}
	if len(params.List) > 0 {
		return params.List, nil
	}
	if len(params.Map) == 0 {
		return nil, nil
	}
	out := make([]string, len(method.Inputs))
	for i, in := range method.Inputs {
		v, ok := params.Map[in.Name]
		if !ok {
			return nil, fmt.Errorf("missing named param %q for method %s", in.Name, method.Name)
		}
		out[i] = v
	}
	return out, nil
}

// convertArgs converts raw string arguments to the Go values
// go-ethereum's abi encoder expects for method's declared input types.
func convertArgs(method abi.Method, raw []string) ([]any, error) {
	if len(raw) != len(method.Inputs) {
		return nil, fmt.Errorf("method %s expects %d args, got %d", method.Name, len(method.Inputs), len(raw))
	}
	args := make([]any, len(raw))
	for i, in := range method.Inputs {
		v, err := convertArg(in.Type, raw[i])
		if err != nil {
			return nil, fmt.Errorf("arg %d (%s): %w", i, in.Name, err)
		}
		args[i] = v
	}
	return args, nil
}

func convertArg(t abi.Type, s string) (any, error) {
	switch t.T {
	case abi.AddressTy:
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	case abi.BoolTy:
		return strconv.ParseBool(s)
	case abi.StringTy:
		return s, nil
	case abi.UintTy, abi.IntTy:
		n, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), numberBase(s))
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", s)
		}
		return n, nil
	case abi.BytesTy:
		return hexToBytes(s)
	case abi.FixedBytesTy:
		b, err := hexToBytes(s)
		if err != nil {
			return nil, err
		}
		arrType := reflect.ArrayOf(t.Size, reflect.TypeOf(byte(0)))
		v := reflect.New(arrType).Elem()
		reflect.Copy(v, reflect.ValueOf(b))
		return v.Interface(), nil
	default:
		return nil, fmt.Errorf("unsupported abi type %s", t.String())
	}
}

func numberBase(s string) int {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return 16
	}
	return 10
}

func hexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex %q: %w", s, err)
		}
		out[i] = byte(b)
	}
	return out, nil
}
