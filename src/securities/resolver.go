// Package securities maps symbols to registered securities, registering
// symbols the quote venues know on first use.
package securities

import (
	"context"
	"errors"
	"sync"

	logger "github.com/sirupsen/logrus"

	"brokerledger/src/apperrors"
	"brokerledger/src/connectors"
	"brokerledger/src/model"
)

// Store is the persistence the resolver needs.
type Store interface {
	FindBySymbol(ctx context.Context, symbol string) (*model.Security, error)
	Create(ctx context.Context, sec *model.Security) error
}

type Resolver struct {
	store     Store
	directory connectors.SecurityDirectory

	// serializes registrations so two first orders on a symbol do not race on the unique index
	mu sync.Mutex
}

func NewResolver(store Store, directory connectors.SecurityDirectory) *Resolver {
	return &Resolver{store: store, directory: directory}
}

// Resolve returns the registered security for symbol. Unknown symbols are looked up in the
// directory and registered; symbols the directory does not know fail with ErrUnknownSymbol.
func (r *Resolver) Resolve(ctx context.Context, symbol string) (*model.Security, error) {
	symbol = model.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, apperrors.Validation("symbol is required")
	}

	sec, err := r.store.FindBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if sec != nil {
		if !sec.Active {
			return nil, apperrors.Validation("security %s is not tradeable", symbol)
		}
		return sec, nil
	}

	if r.directory == nil {
		return nil, apperrors.ErrUnknownSymbol
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// another caller may have registered it while we waited
	if sec, err := r.store.FindBySymbol(ctx, symbol); err != nil || sec != nil {
		return sec, err
	}

	profile, err := r.directory.LookupSecurity(ctx, symbol)
	if err != nil {
		if errors.Is(err, connectors.ErrSymbolNotFound) {
			return nil, apperrors.ErrUnknownSymbol
		}
		return nil, apperrors.Wrap(apperrors.KindUpstream, "LookupSecurity", err)
	}

	sec = &model.Security{
		Symbol:     symbol,
		Name:       profile.Name,
		Exchange:   profile.Exchange,
		Currency:   profile.Currency,
		AssetClass: profile.AssetClass,
		Active:     true,
	}
	if err := r.store.Create(ctx, sec); err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"component": "Securities",
		"symbol":    symbol,
		"exchange":  sec.Exchange,
	}).Info("Registered new security from directory")

	return sec, nil
}
