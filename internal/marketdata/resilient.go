package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
)

// ResilientProvider wraps an external, possibly-flaky Provider (an
// HTTP-or-DB-backed implementation, never the in-memory reference) with a
// circuit breaker and a rate limiter, and an optional read-through Redis
// cache in front of it. Grounded on the teacher's
// internal/infrastructure/providers circuit-breaker manager and
// internal/net/ratelimit limiter, composed instead of copied wholesale since
// this adapter only ever wraps one upstream provider, not a named registry
// of many.
type ResilientProvider struct {
	upstream Provider
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	cache    *redis.Client
	cacheTTL time.Duration
}

// ResilientOption configures a ResilientProvider at construction.
type ResilientOption func(*ResilientProvider)

// WithCache attaches a redis.Client as a read-through cache for fetched bar
// windows, keyed by (symbols, start, end, freq).
func WithCache(client *redis.Client, ttl time.Duration) ResilientOption {
	return func(r *ResilientProvider) {
		r.cache = client
		r.cacheTTL = ttl
	}
}

// WithRateLimit overrides the default rate limiter (10 req/s, burst 5).
func WithRateLimit(ratePerSecond float64, burst int) ResilientOption {
	return func(r *ResilientProvider) {
		r.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
}

// NewResilientProvider wraps upstream with a circuit breaker that trips
// after 5 consecutive failures and resets after 30s, plus a default rate
// limiter.
func NewResilientProvider(upstream Provider, opts ...ResilientOption) *ResilientProvider {
	r := &ResilientProvider{
		upstream: upstream,
		limiter:  rate.NewLimiter(rate.Limit(10), 5),
	}
	settings := gobreaker.Settings{
		Name:        "marketdata-provider",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("marketdata circuit breaker state change")
		},
	}
	r.breaker = gobreaker.NewCircuitBreaker(settings)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type cacheEnvelope struct {
	Bars []cacheBar `json:"bars"`
}

// cacheBar is a JSON-friendly mirror of core.Bar; decimal.Decimal already
// marshals as a plain numeric string so this only exists to keep the cache
// format independent of core.Bar's field layout evolving.
type cacheBar struct {
	Timestamp time.Time `json:"ts"`
	Symbol    string    `json:"symbol"`
	Open      string    `json:"open"`
	High      string    `json:"high"`
	Low       string    `json:"low"`
	Close     string    `json:"close"`
	Volume    string    `json:"volume"`
}

func cacheKey(symbols []string, start, end time.Time, freq Frequency) string {
	return fmt.Sprintf("backtestlab:bars:%v:%d:%d:%s", symbols, start.Unix(), end.Unix(), freq)
}

// GetMarketData serves from cache when present, otherwise rate-limits and
// circuit-breaks the upstream call, caching a successful result.
func (r *ResilientProvider) GetMarketData(ctx context.Context, symbols []string, start, end time.Time, assetClass AssetClass, freq Frequency, dataType DataType) ([]core.Bar, error) {
	key := cacheKey(symbols, start, end, freq)

	if r.cache != nil {
		if bars, ok := r.readCache(ctx, key); ok {
			log.Debug().Str("key", key).Msg("marketdata cache hit")
			return bars, nil
		}
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, core.WrapError(core.KindCancelled, "marketdata", "rate limiter wait cancelled", err)
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.upstream.GetMarketData(ctx, symbols, start, end, assetClass, freq, dataType)
	})
	if err != nil {
		return nil, core.WrapError(core.KindDataUnavailable, "marketdata", "upstream provider call failed", err)
	}
	bars := result.([]core.Bar)

	if r.cache != nil {
		r.writeCache(ctx, key, bars)
	}
	return bars, nil
}

func (r *ResilientProvider) readCache(ctx context.Context, key string) ([]core.Bar, bool) {
	raw, err := r.cache.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var env cacheEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Warn().Err(err).Msg("marketdata cache entry corrupt, ignoring")
		return nil, false
	}
	bars := make([]core.Bar, 0, len(env.Bars))
	for _, cb := range env.Bars {
		b, err := decodeCacheBar(cb)
		if err != nil {
			log.Warn().Err(err).Msg("marketdata cache entry decode failure, ignoring")
			return nil, false
		}
		bars = append(bars, b)
	}
	return bars, true
}

func (r *ResilientProvider) writeCache(ctx context.Context, key string, bars []core.Bar) {
	env := cacheEnvelope{Bars: make([]cacheBar, len(bars))}
	for i, b := range bars {
		env.Bars[i] = cacheBar{
			Timestamp: b.Timestamp,
			Symbol:    b.Symbol,
			Open:      b.Open.String(),
			High:      b.High.String(),
			Low:       b.Low.String(),
			Close:     b.Close.String(),
			Volume:    b.Volume.String(),
		}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		log.Warn().Err(err).Msg("marketdata cache encode failure, skipping write")
		return
	}
	if err := r.cache.Set(ctx, key, raw, r.cacheTTL).Err(); err != nil {
		log.Warn().Err(err).Msg("marketdata cache write failure")
	}
}
