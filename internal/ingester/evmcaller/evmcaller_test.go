package evmcaller

import (
	"math/big"
	"testing"

	"chomp/internal/logging"
	"chomp/internal/model"
)

const latestAnswerSelector = `{"name":"latestAnswer","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"int256"}]}`

const balanceOfSelector = `{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}`

func priceFeedIngester() model.Ingester {
	return model.Ingester{
		Name:         "oracle_prices",
		ResourceType: model.ResourceValue,
		Interval:     "m1",
		IngesterType: model.TypeEVMCaller,
		Fields: []model.Field{
			{
				Name:     "eth_usd",
				Type:     model.TypeFloat64,
				Target:   "1:0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
				Selector: latestAnswerSelector,
			},
			{
				Name:     "usdc_balance",
				Type:     model.TypeUint64,
				Target:   "1:0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
				Selector: balanceOfSelector,
				Params:   model.ParamList{List: []string{"0x0000000000000000000000000000000000000001"}},
			},
		},
	}
}

func TestBuildCallsGroupsByChain(t *testing.T) {
	ing := priceFeedIngester()
	calls, err := buildCalls(ing)
	if err != nil {
		t.Fatalf("buildCalls: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 distinct calls, got %d", len(calls))
	}
	for _, c := range calls {
		if c.chainID != 1 {
			t.Fatalf("expected chain 1, got %d", c.chainID)
		}
	}
}

func TestBuildCallsDedupesByFieldID(t *testing.T) {
	ing := priceFeedIngester()
	// A literal duplicate of field 0 (identical name/type/target/selector,
	// hence an identical Field id) collapses into the same call rather
	// than being executed twice.
	ing.Fields = append(ing.Fields, ing.Fields[0])

	calls, err := buildCalls(ing)
	if err != nil {
		t.Fatalf("buildCalls: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected the duplicate field to share the existing call, got %d calls", len(calls))
	}
	for _, c := range calls {
		if c.methodName == "latestAnswer" && len(c.fieldIdxs) != 2 {
			t.Fatalf("expected 2 fields routed to the deduped latestAnswer call, got %d", len(c.fieldIdxs))
		}
	}
}

func TestApplyResultsDecodesMulticallReturn(t *testing.T) {
	ing := priceFeedIngester()
	calls, err := buildCalls(ing)
	if err != nil {
		t.Fatalf("buildCalls: %v", err)
	}
	c := &Collector{calls: calls, logger: logging.Default(nil)}

	ethUSDReturn, err := calls[0].methodABI.Methods[calls[0].methodName].Outputs.Pack(big.NewInt(420000000000))
	if err != nil {
		t.Fatalf("pack latestAnswer return: %v", err)
	}
	balanceReturn, err := calls[1].methodABI.Methods[calls[1].methodName].Outputs.Pack(big.NewInt(99))
	if err != nil {
		t.Fatalf("pack balanceOf return: %v", err)
	}

	mcMethod := multicallABI.Methods["aggregate3"]
	encoded, err := mcMethod.Outputs.Pack([]mcResult{
		{Success: true, ReturnData: ethUSDReturn},
		{Success: true, ReturnData: balanceReturn},
	})
	if err != nil {
		t.Fatalf("pack aggregate3 return: %v", err)
	}

	if err := c.applyResults(&ing, []int{0, 1}, encoded); err != nil {
		t.Fatalf("applyResults: %v", err)
	}

	got, ok := ing.Fields[0].Value.(*big.Int)
	if !ok || got.Cmp(big.NewInt(420000000000)) != 0 {
		t.Fatalf("expected eth_usd value 420000000000, got %v", ing.Fields[0].Value)
	}
	got2, ok := ing.Fields[1].Value.(*big.Int)
	if !ok || got2.Cmp(big.NewInt(99)) != 0 {
		t.Fatalf("expected usdc_balance value 99, got %v", ing.Fields[1].Value)
	}
}

func TestApplyResultsSkipsFailedCallWithoutSettingValue(t *testing.T) {
	ing := priceFeedIngester()
	calls, err := buildCalls(ing)
	if err != nil {
		t.Fatalf("buildCalls: %v", err)
	}
	c := &Collector{calls: calls, logger: logging.Default(nil)}

	mcMethod := multicallABI.Methods["aggregate3"]
	encoded, err := mcMethod.Outputs.Pack([]mcResult{
		{Success: false, ReturnData: nil},
		{Success: false, ReturnData: nil},
	})
	if err != nil {
		t.Fatalf("pack aggregate3 return: %v", err)
	}

	if err := c.applyResults(&ing, []int{0, 1}, encoded); err != nil {
		t.Fatalf("applyResults: %v", err)
	}
	if ing.Fields[0].Value != nil || ing.Fields[1].Value != nil {
		t.Fatalf("expected no values set for reverted calls, got %v / %v", ing.Fields[0].Value, ing.Fields[1].Value)
	}
}
