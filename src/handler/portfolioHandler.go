package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"brokerledger/src/model"
)

type positionReader interface {
	GetPosition(ctx context.Context, portfolioID uint, symbol string) (*model.Position, error)
}

type positionView struct {
	*model.Position
	BreakEvenPrice decimal.Decimal `json:"break_even_price"`
	CostBasis      decimal.Decimal `json:"cost_basis"`
}

// GetPositionHandler returns a portfolio's position in one symbol.
func GetPositionHandler(svc positionReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		portfolioID, ok := uintParam(r, "id")
		if !ok {
			http.Error(w, "invalid portfolio id", http.StatusBadRequest)
			return
		}

		pos, err := svc.GetPosition(r.Context(), portfolioID, chi.URLParam(r, "symbol"))
		if err != nil {
			writeError(w, err, nil)
			return
		}

		writeJSON(w, http.StatusOK, positionView{
			Position:       pos,
			BreakEvenPrice: pos.BreakEvenPrice(),
			CostBasis:      pos.CostBasis(),
		})
	}
}
