// Package cache holds the in-memory snapshot caches that back
// subscription initial-state requests: wallet balances and recent
// transactions with a 30 s TTL, and the settings snapshot kept in lockstep
// with the authoritative store.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/paperclash/realtime/internal/metrics"
	"github.com/paperclash/realtime/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Fetcher retrieves wallet state from the upstream services when the
// cache misses. Implemented by the service bridge over the internal bus.
type Fetcher interface {
	FetchBalance(ctx context.Context, wallet string) (json.RawMessage, error)
	FetchTransactions(ctx context.Context, wallet, cursor string, limit int) (json.RawMessage, error)
	FetchTokenDetail(ctx context.Context, symbol string) (json.RawMessage, error)
	FetchTokenList(ctx context.Context) (json.RawMessage, error)
}

// Snapshots is the TTL cache in front of a Fetcher. A miss fetches
// through, stores, and returns; a fetch failure returns a typed external
// service error and caches nothing, so stale data is never served.
type Snapshots struct {
	balances     *expirable.LRU[string, json.RawMessage]
	transactions *expirable.LRU[string, json.RawMessage]
	tokens       *expirable.LRU[string, json.RawMessage]

	fetcher Fetcher
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

const cacheSize = 10000

// NewSnapshots builds the cache. The circuit breaker trips after
// repeated upstream failures so a dead pricing service degrades to fast
// typed errors instead of piles of blocked fetches.
func NewSnapshots(fetcher Fetcher, ttl time.Duration, logger zerolog.Logger) *Snapshots {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "snapshot-fetcher",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Snapshot fetcher circuit state changed")
		},
	})
	return &Snapshots{
		balances:     expirable.NewLRU[string, json.RawMessage](cacheSize, nil, ttl),
		transactions: expirable.NewLRU[string, json.RawMessage](cacheSize, nil, ttl),
		tokens:       expirable.NewLRU[string, json.RawMessage](cacheSize, nil, ttl),
		fetcher:      fetcher,
		breaker:      cb,
		logger:       logger.With().Str("component", "snapshot_cache").Logger(),
	}
}

// Balance returns the cached balance snapshot for a wallet, fetching
// through on a miss.
func (c *Snapshots) Balance(ctx context.Context, wallet string) (json.RawMessage, error) {
	return c.lookup(c.balances, "balance", wallet, func() (json.RawMessage, error) {
		return c.fetcher.FetchBalance(ctx, wallet)
	})
}

// Transactions returns the recent-transactions snapshot, keyed by
// (wallet, cursor) so pagination pages cache independently.
func (c *Snapshots) Transactions(ctx context.Context, wallet, cursor string, limit int) (json.RawMessage, error) {
	key := wallet + "|" + cursor
	return c.lookup(c.transactions, "transactions", key, func() (json.RawMessage, error) {
		return c.fetcher.FetchTransactions(ctx, wallet, cursor, limit)
	})
}

// TokenDetail returns the cached detail snapshot for one symbol.
func (c *Snapshots) TokenDetail(ctx context.Context, symbol string) (json.RawMessage, error) {
	return c.lookup(c.tokens, "token_detail", "detail|"+symbol, func() (json.RawMessage, error) {
		return c.fetcher.FetchTokenDetail(ctx, symbol)
	})
}

// TokenList returns the cached full token list, the market firehose
// subscribe snapshot.
func (c *Snapshots) TokenList(ctx context.Context) (json.RawMessage, error) {
	return c.lookup(c.tokens, "token_list", "list", func() (json.RawMessage, error) {
		return c.fetcher.FetchTokenList(ctx)
	})
}

// Invalidate drops cached wallet state after an account-change event so
// the next snapshot request refetches.
func (c *Snapshots) Invalidate(wallet string) {
	c.balances.Remove(wallet)
	for _, key := range c.transactions.Keys() {
		if len(key) >= len(wallet) && key[:len(wallet)] == wallet {
			c.transactions.Remove(key)
		}
	}
}

func (c *Snapshots) lookup(
	lru *expirable.LRU[string, json.RawMessage],
	kind, key string,
	fetch func() (json.RawMessage, error),
) (json.RawMessage, error) {
	if v, ok := lru.Get(key); ok {
		metrics.CacheLookups.WithLabelValues(kind, "hit").Inc()
		return v, nil
	}
	metrics.CacheLookups.WithLabelValues(kind, "miss").Inc()

	v, err := c.breaker.Execute(func() (any, error) { return fetch() })
	if err != nil {
		metrics.CacheLookups.WithLabelValues(kind, "error").Inc()
		c.logger.Warn().Err(err).Str("kind", kind).Str("key", key).Msg("Snapshot fetch failed")
		return nil, protocol.Errf(protocol.CodeExternalService, "%s snapshot unavailable", kind)
	}
	raw := v.(json.RawMessage)
	lru.Add(key, raw)
	return raw, nil
}
