package marketdata

import (
	"github.com/shopspring/decimal"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
)

// decodeCacheBar converts a JSON-decoded cacheBar back into a core.Bar,
// parsing its decimal string fields.
func decodeCacheBar(cb cacheBar) (core.Bar, error) {
	open, err := decimal.NewFromString(cb.Open)
	if err != nil {
		return core.Bar{}, err
	}
	high, err := decimal.NewFromString(cb.High)
	if err != nil {
		return core.Bar{}, err
	}
	low, err := decimal.NewFromString(cb.Low)
	if err != nil {
		return core.Bar{}, err
	}
	closePrice, err := decimal.NewFromString(cb.Close)
	if err != nil {
		return core.Bar{}, err
	}
	volume, err := decimal.NewFromString(cb.Volume)
	if err != nil {
		return core.Bar{}, err
	}
	return core.Bar{
		Timestamp: cb.Timestamp,
		Symbol:    cb.Symbol,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}, nil
}
