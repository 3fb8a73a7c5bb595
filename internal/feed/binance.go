// Package feed provides the exchange price source consumed by the scheduler
// ticks: one blocking last-trade price lookup per check.
package feed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"

	"trailstop/internal/domain"
)

// defaultTimeout bounds a single price lookup so one slow symbol cannot
// starve the worker pool.
const defaultTimeout = 5 * time.Second

// BinanceSource implements domain.PriceSource against the Binance spot API.
// The underlying client is safe for concurrent use.
type BinanceSource struct {
	client  *binance.Client
	timeout time.Duration
}

// Config holds Binance API parameters. Credentials are optional; the price
// ticker endpoint is public.
type Config struct {
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// NewBinanceSource creates a BinanceSource from the given config.
func NewBinanceSource(cfg Config) *BinanceSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &BinanceSource{
		client:  binance.NewClient(cfg.APIKey, cfg.APISecret),
		timeout: timeout,
	}
}

// LastPrice fetches the last traded price for the given symbol. Errors are
// transient-retry candidates for the caller, never position-fatal by
// themselves.
func (b *BinanceSource) LastPrice(ctx context.Context, symbol string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("feed: fetch price %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("feed: no price returned for %s", symbol)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("feed: parse price %q for %s: %w", prices[0].Price, symbol, err)
	}
	return price, nil
}

// Compile-time interface check.
var _ domain.PriceSource = (*BinanceSource)(nil)
