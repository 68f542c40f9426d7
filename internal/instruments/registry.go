// Package instruments implements the external InstrumentRegistry
// collaborator: a read-only symbol -> contract-spec mapping, cheaply
// clonable since it never mutates after load.
package instruments

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Instrument is a contract specification as returned by the registry.
type Instrument struct {
	Symbol                  string
	Multiplier              decimal.Decimal
	TickSize                decimal.Decimal
	MinimumPriceFluctuation decimal.Decimal
	Currency                string
	Exchange                string
}

// PointValue returns MinimumPriceFluctuation / TickSize, the dollar value of
// a one-tick move, falling back to Multiplier when TickSize is zero (flat
// point-value instruments such as equities).
func (i Instrument) PointValue() decimal.Decimal {
	if i.TickSize.IsZero() {
		return i.Multiplier
	}
	return i.MinimumPriceFluctuation.Div(i.TickSize)
}

// Registry is a read-only, safely-shareable symbol -> Instrument map with a
// fallback table of well-known futures multipliers for symbols it was never
// explicitly loaded with.
type Registry struct {
	mu       sync.RWMutex
	bySymbol map[string]Instrument
	fallback map[string]decimal.Decimal
}

// New builds a Registry from an explicit instrument set. The default futures
// fallback table is always consulted for symbols absent from instruments.
func New(seed []Instrument) *Registry {
	r := &Registry{
		bySymbol: make(map[string]Instrument, len(seed)),
		fallback: defaultFallbackTable(),
	}
	for _, ins := range seed {
		r.bySymbol[strings.ToUpper(ins.Symbol)] = ins
	}
	return r
}

// Clone returns the same *Registry, not a copy: later Add calls are seen
// through both handles. Reads and Add are guarded by the registry's mutex.
func (r *Registry) Clone() *Registry {
	return r
}

// Get returns the instrument spec for symbol. When the symbol was never
// loaded, a synthetic Instrument is built from the fallback multiplier table
// (tick size 1, minimum fluctuation equal to the fallback multiplier, so
// PointValue() resolves to the fallback value unchanged).
func (r *Registry) Get(symbol string) (Instrument, bool) {
	key := strings.ToUpper(symbol)
	r.mu.RLock()
	ins, ok := r.bySymbol[key]
	r.mu.RUnlock()
	if ok {
		return ins, true
	}
	if mult, ok := r.fallback[key]; ok {
		return Instrument{
			Symbol:                  symbol,
			Multiplier:              mult,
			TickSize:                decimal.NewFromInt(1),
			MinimumPriceFluctuation: mult,
			Currency:                "USD",
		}, true
	}
	return Instrument{}, false
}

// PointValue resolves symbol's point value, falling back to 1.0 (equity-like
// flat dollar-per-share) when the symbol is unknown to both the registry and
// the fallback table — mirrors the spec's "fallback table is consulted"
// language while never leaving PnL computation without a multiplier.
func (r *Registry) PointValue(symbol string) decimal.Decimal {
	if ins, ok := r.Get(symbol); ok {
		return ins.PointValue()
	}
	return decimal.NewFromInt(1)
}

// Add registers or replaces an instrument. Intended for use only during
// load, before the registry is shared with run components.
func (r *Registry) Add(ins Instrument) {
	r.mu.Lock()
	r.bySymbol[strings.ToUpper(ins.Symbol)] = ins
	r.mu.Unlock()
}

// defaultFallbackTable holds multipliers for common futures contracts, used
// when a symbol was never explicitly registered.
func defaultFallbackTable() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"ES": decimal.NewFromInt(50),
		"NQ": decimal.NewFromInt(20),
		"YM": decimal.NewFromInt(5),
		"RTY": decimal.NewFromInt(50),
		"CL": decimal.NewFromInt(1000),
		"GC": decimal.NewFromInt(100),
		"SI": decimal.NewFromInt(5000),
		"ZN": decimal.NewFromInt(1000),
		"ZB": decimal.NewFromInt(1000),
		"ZC": decimal.NewFromInt(50),
		"ZS": decimal.NewFromInt(50),
		"ZW": decimal.NewFromInt(50),
		"6E": decimal.NewFromInt(125000),
		"6J": decimal.NewFromInt(12500000),
	}
}
