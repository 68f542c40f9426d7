package marketdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
)

// LoadCSV reads a flat CSV of `timestamp,symbol,open,high,low,close,volume`
// rows (an optional header starting with "timestamp" is skipped) and builds
// an InMemoryProvider from them. This is the CLI's offline data path,
// grounded on the teacher's habit of accepting a plain CSV as a data-facade
// fallback when no live provider is configured.
func LoadCSV(r io.Reader) (*InMemoryProvider, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 7
	records, err := cr.ReadAll()
	if err != nil {
		return nil, core.WrapError(core.KindInvalidData, "marketdata", "failed to read csv", err)
	}
	if len(records) == 0 {
		return nil, core.NewError(core.KindDataUnavailable, "marketdata", "csv contained no rows")
	}
	if strings.EqualFold(records[0][0], "timestamp") {
		records = records[1:]
	}

	bars := make([]core.Bar, 0, len(records))
	for i, rec := range records {
		b, err := parseCSVBar(rec)
		if err != nil {
			return nil, core.WrapError(core.KindInvalidData, "marketdata", fmt.Sprintf("row %d", i), err)
		}
		if !b.Valid() {
			return nil, core.NewError(core.KindInvalidData, "marketdata", fmt.Sprintf("row %d violates OHLCV invariant", i))
		}
		bars = append(bars, b)
	}
	return NewInMemoryProvider(bars), nil
}

func parseCSVBar(rec []string) (core.Bar, error) {
	ts, err := time.Parse("2006-01-02", rec[0])
	if err != nil {
		ts, err = time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return core.Bar{}, fmt.Errorf("parse timestamp %q: %w", rec[0], err)
		}
	}
	open, err := decimal.NewFromString(rec[2])
	if err != nil {
		return core.Bar{}, fmt.Errorf("parse open: %w", err)
	}
	high, err := decimal.NewFromString(rec[3])
	if err != nil {
		return core.Bar{}, fmt.Errorf("parse high: %w", err)
	}
	low, err := decimal.NewFromString(rec[4])
	if err != nil {
		return core.Bar{}, fmt.Errorf("parse low: %w", err)
	}
	closePrice, err := decimal.NewFromString(rec[5])
	if err != nil {
		return core.Bar{}, fmt.Errorf("parse close: %w", err)
	}
	volume, err := decimal.NewFromString(rec[6])
	if err != nil {
		return core.Bar{}, fmt.Errorf("parse volume: %w", err)
	}
	return core.Bar{
		Timestamp: ts.UTC(),
		Symbol:    rec[1],
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}, nil
}
