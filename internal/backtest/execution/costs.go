package execution

import (
	"github.com/shopspring/decimal"
)

// CostModel selects which transaction-cost code path ExecutionManager runs.
// Fixed at construction and never mixed mid-run.
type CostModel string

const (
	// CostModelExpressive routes costs through TransactionCostManager's
	// rolling-ADV/volatility model.
	CostModelExpressive CostModel = "expressive"
	// CostModelLegacy applies the flat bps/commission formula from the
	// legacy code path (scenario S6).
	CostModelLegacy CostModel = "legacy"
)

// CostBreakdown is the output of a single cost computation, shared by both
// cost models.
type CostBreakdown struct {
	CommissionsFees       decimal.Decimal
	ImplicitPriceImpact   decimal.Decimal
	SlippageMarketImpact  decimal.Decimal
	TotalTransactionCosts decimal.Decimal
	EffectiveFillPrice    decimal.Decimal
}

// LegacyCostParams holds the flat-rate legacy cost model's configuration.
type LegacyCostParams struct {
	CommissionRate        decimal.Decimal // per contract
	SlippageBps           decimal.Decimal
	MarketImpactBps       decimal.Decimal
	FixedCostPerTrade     decimal.Decimal
	ExplicitFeePerContract decimal.Decimal
}

// bpsFactor converts a basis-points decimal into a fraction (bps / 1e4).
func bpsFactor(bps decimal.Decimal) decimal.Decimal {
	return bps.Div(decimal.NewFromInt(10000))
}

// legacyCost implements §4.3's legacy mode exactly: slippage is baked into
// fill_price = ref_price * (1 +/- slip_bps/1e4); commissions_fees =
// |Δqty|*commission_rate + fixed_cost + |Δqty|*explicit_fee_per_contract;
// implicit cost = |Δqty|*ref_price*market_impact_bps/1e4, reported as
// SlippageMarketImpact (ImplicitPriceImpact stays zero in this mode).
func legacyCost(sideIsBuy bool, quantity, refPrice decimal.Decimal, p LegacyCostParams) CostBreakdown {
	slip := bpsFactor(p.SlippageBps)
	var fillPrice decimal.Decimal
	if sideIsBuy {
		fillPrice = refPrice.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		fillPrice = refPrice.Mul(decimal.NewFromInt(1).Sub(slip))
	}

	commissions := quantity.Mul(p.CommissionRate).
		Add(p.FixedCostPerTrade).
		Add(quantity.Mul(p.ExplicitFeePerContract))
	implicit := quantity.Mul(refPrice).Mul(bpsFactor(p.MarketImpactBps))

	return CostBreakdown{
		CommissionsFees:       commissions,
		ImplicitPriceImpact:   decimal.Zero,
		SlippageMarketImpact:  implicit,
		TotalTransactionCosts: commissions.Add(implicit),
		EffectiveFillPrice:    fillPrice,
	}
}
