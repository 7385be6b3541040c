// Package quotes keeps the in-memory view of the latest known prices.
package quotes

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"brokerledger/src/model"
)

// Cache maps symbols to their latest quote. Safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
}

func NewCache() *Cache {
	return &Cache{quotes: make(map[string]model.Quote)}
}

// Get returns the cached quote for symbol.
func (c *Cache) Get(symbol string) (model.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[model.NormalizeSymbol(symbol)]
	return q, ok
}

// Price returns the current price when the cached quote is usable.
func (c *Cache) Price(symbol string) (decimal.Decimal, bool) {
	q, ok := c.Get(symbol)
	if !ok || !q.Usable() {
		return decimal.Zero, false
	}
	return q.CurrentPrice, true
}

// Put stores q, keeping the cached previous close when q has none.
func (c *Cache) Put(q model.Quote) {
	q.Symbol = model.NormalizeSymbol(q.Symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.quotes[q.Symbol]; ok && !q.PreviousClose.IsPositive() {
		q.PreviousClose = prev.PreviousClose
	}
	c.quotes[q.Symbol] = q
}

// SetPreviousClose resets the day anchor of symbol and clears its intraday change.
func (c *Cache) SetPreviousClose(symbol string, previousClose decimal.Decimal) {
	symbol = model.NormalizeSymbol(symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.quotes[symbol]
	q.Symbol = symbol
	q.PreviousClose = previousClose
	q.PriceChange = decimal.Zero
	q.PriceChangePercent = decimal.Zero
	c.quotes[symbol] = q
}

// Symbols returns the cached symbols in lexical order.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.quotes))
	for s := range c.quotes {
		out = append(out, s)
	}
	c.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Len returns the number of cached symbols.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}

// SecurityLister is satisfied by the security repository.
type SecurityLister interface {
	ListActive(ctx context.Context) ([]model.Security, error)
}

// Warm loads the persisted quotes of every active security.
func (c *Cache) Warm(ctx context.Context, lister SecurityLister) error {
	secs, err := lister.ListActive(ctx)
	if err != nil {
		return err
	}

	for i := range secs {
		c.Put(secs[i].Quote())
	}

	logger.WithFields(map[string]interface{}{
		"component": "QuoteCache",
		"symbols":   len(secs),
	}).Info("Quote cache warmed")

	return nil
}
