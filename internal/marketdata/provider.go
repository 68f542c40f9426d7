// Package marketdata defines the external MarketDataProvider collaborator
// and a reference in-memory implementation used by tests and the CLI's
// CSV-backed mode. The core never talks to a database directly; it only
// ever sees this interface.
package marketdata

import (
	"context"
	"sort"
	"time"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
)

// Frequency is the bar resolution requested from a provider. The core only
// ever drives daily backtests, but the interface carries the field per the
// external contract so a richer provider implementation can reject
// unsupported frequencies itself.
type Frequency string

const (
	FrequencyDaily Frequency = "1d"
)

// AssetClass is an opaque classifier passed through to the provider.
type AssetClass string

const (
	AssetClassFuture AssetClass = "future"
	AssetClassEquity AssetClass = "equity"
)

// DataType distinguishes trade bars from other series a richer provider
// might serve (e.g. open interest); the core only consumes DataTypeBar.
type DataType string

const (
	DataTypeBar DataType = "bar"
)

// Provider yields OHLCV bars for a symbol set and window. Implementations
// own session-boundary and holiday-skip logic; the core is oblivious to it.
type Provider interface {
	GetMarketData(ctx context.Context, symbols []string, start, end time.Time, assetClass AssetClass, freq Frequency, dataType DataType) ([]core.Bar, error)
}

// InMemoryProvider is the reference implementation: a fixed set of bars held
// in memory, filtered and sorted on each call. It is also the type the CSV
// loader populates (see csv.go), and is what every test in this module
// drives the coordinator with.
type InMemoryProvider struct {
	bars    map[string][]core.Bar // symbol -> bars sorted by timestamp
	holiday map[string]bool       // "2024-01-01"-style date keys skipped for every symbol
}

// NewInMemoryProvider builds a provider from a flat bar slice, grouping by
// symbol and sorting each group by timestamp.
func NewInMemoryProvider(bars []core.Bar) *InMemoryProvider {
	p := &InMemoryProvider{bars: make(map[string][]core.Bar), holiday: make(map[string]bool)}
	for _, b := range bars {
		p.bars[b.Symbol] = append(p.bars[b.Symbol], b)
	}
	for sym := range p.bars {
		sort.Slice(p.bars[sym], func(i, j int) bool {
			return p.bars[sym][i].Timestamp.Before(p.bars[sym][j].Timestamp)
		})
	}
	return p
}

// WithHolidays marks calendar dates (YYYY-MM-DD) that this provider skips
// for every symbol regardless of whether a bar happens to exist for them.
func (p *InMemoryProvider) WithHolidays(dates ...string) *InMemoryProvider {
	for _, d := range dates {
		p.holiday[d] = true
	}
	return p
}

// GetMarketData returns the bars for symbols within [start, end), skipping
// configured holiday dates. AssetClass and DataType are accepted but
// unused by this reference implementation.
func (p *InMemoryProvider) GetMarketData(ctx context.Context, symbols []string, start, end time.Time, assetClass AssetClass, freq Frequency, dataType DataType) ([]core.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.WrapError(core.KindCancelled, "marketdata", "context cancelled before fetch", err)
	}
	if len(symbols) == 0 {
		return nil, core.NewError(core.KindInvalidArgument, "marketdata", "symbols must not be empty")
	}
	var out []core.Bar
	for _, sym := range symbols {
		for _, b := range p.bars[sym] {
			if b.Timestamp.Before(start) || !b.Timestamp.Before(end) {
				continue
			}
			if p.holiday[b.Timestamp.Format("2006-01-02")] {
				continue
			}
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil, core.NewError(core.KindDataUnavailable, "marketdata", "no bars in requested window")
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// GroupByDay buckets a sorted bar slice into an ordered-by-timestamp slice
// of per-day groups, the shape the coordinator's day loop iterates over.
// Mirrors the teacher's bars-by-time grouping in the original engine's
// strategy backtester.
func GroupByDay(bars []core.Bar) []DayGroup {
	groups := make([]DayGroup, 0)
	index := make(map[int64]int)
	for _, b := range bars {
		key := b.Timestamp.UTC().Truncate(24 * time.Hour).Unix()
		if i, ok := index[key]; ok {
			groups[i].Bars = append(groups[i].Bars, b)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, DayGroup{
			Timestamp: time.Unix(key, 0).UTC(),
			Bars:      []core.Bar{b},
		})
	}
	return groups
}

// DayGroup is one simulated day's bars across all symbols.
type DayGroup struct {
	Timestamp time.Time
	Bars      []core.Bar
}

// BySymbol indexes a DayGroup's bars by symbol for O(1) lookup.
func (g DayGroup) BySymbol() map[string]core.Bar {
	m := make(map[string]core.Bar, len(g.Bars))
	for _, b := range g.Bars {
		m[b.Symbol] = b
	}
	return m
}
