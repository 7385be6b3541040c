package connectors

import (
	"context"
	"errors"
	"strings"

	"brokerledger/src/model"
)

// ErrSymbolNotFound is returned when a venue does not know a symbol.
var ErrSymbolNotFound = errors.New("symbol not found")

// QuoteProvider fetches the latest price of one symbol.
// The returned quote carries CurrentPrice, PreviousClose and UpdatedAt.
type QuoteProvider interface {
	FetchQuote(ctx context.Context, symbol string) (model.Quote, error)
}

// SecurityProfile describes a symbol well enough to register it.
type SecurityProfile struct {
	Symbol     string
	Name       string
	Exchange   string
	Currency   string
	AssetClass string
}

// SecurityDirectory resolves unknown symbols into profiles.
type SecurityDirectory interface {
	LookupSecurity(ctx context.Context, symbol string) (*SecurityProfile, error)
}

// Venue is a provider that can also describe the symbols it quotes.
type Venue interface {
	QuoteProvider
	SecurityDirectory
}

// IsCryptoPair reports whether symbol is written as BASE_QUOTE, e.g. BTC_USDT.
func IsCryptoPair(symbol string) bool {
	parts := strings.Split(symbol, "_")
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}

// Router sends crypto pairs to one venue and everything else to the equity venue.
type Router struct {
	Equity Venue
	Crypto Venue
}

func NewRouter(equity, crypto Venue) *Router {
	return &Router{Equity: equity, Crypto: crypto}
}

func (r *Router) venueFor(symbol string) (Venue, error) {
	if IsCryptoPair(symbol) {
		if r.Crypto == nil {
			return nil, ErrSymbolNotFound
		}
		return r.Crypto, nil
	}
	if r.Equity == nil {
		return nil, ErrSymbolNotFound
	}
	return r.Equity, nil
}

func (r *Router) FetchQuote(ctx context.Context, symbol string) (model.Quote, error) {
	symbol = model.NormalizeSymbol(symbol)
	v, err := r.venueFor(symbol)
	if err != nil {
		return model.Quote{}, err
	}
	return v.FetchQuote(ctx, symbol)
}

func (r *Router) LookupSecurity(ctx context.Context, symbol string) (*SecurityProfile, error) {
	symbol = model.NormalizeSymbol(symbol)
	v, err := r.venueFor(symbol)
	if err != nil {
		return nil, err
	}
	return v.LookupSecurity(ctx, symbol)
}
