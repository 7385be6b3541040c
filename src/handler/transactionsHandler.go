package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"brokerledger/src/model"
	"brokerledger/src/transactions"
)

type transactionLister interface {
	ListByPortfolio(ctx context.Context, portfolioID uint, limit int) ([]model.Transaction, error)
}

type transactionCreator interface {
	CreateTransaction(ctx context.Context, req transactions.Request) (*model.Transaction, error)
}

// ListTransactionsHandler returns the latest transactions of a portfolio, newest first.
func ListTransactionsHandler(svc transactionLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		portfolioID, ok := uintParam(r, "id")
		if !ok {
			http.Error(w, "invalid portfolio id", http.StatusBadRequest)
			return
		}

		limit := 50
		if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
			parsed, err := strconv.Atoi(limitParam)
			if err != nil || parsed <= 0 || parsed > 500 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = parsed
		}

		list, err := svc.ListByPortfolio(r.Context(), portfolioID, limit)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

type cashMovementPayload struct {
	Type   model.TransactionType `json:"type"`
	Amount decimal.Decimal       `json:"amount"`
	Fees   decimal.Decimal       `json:"fees"`
	Tax    decimal.Decimal       `json:"tax"`
	Symbol string                `json:"symbol,omitempty"`
}

// RecordCashMovementHandler books a non-trade transaction such as a deposit or dividend.
// Trades go through the order endpoints.
func RecordCashMovementHandler(svc transactionCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		portfolioID, ok := uintParam(r, "id")
		if !ok {
			http.Error(w, "invalid portfolio id", http.StatusBadRequest)
			return
		}

		var payload cashMovementPayload
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&payload); err != nil {
			logger.WithError(err).Warn("invalid transaction payload")
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}
		if !payload.Type.Valid() || payload.Type.IsTrade() {
			http.Error(w, "unsupported transaction type", http.StatusBadRequest)
			return
		}

		txn, err := svc.CreateTransaction(r.Context(), transactions.Request{
			PortfolioID: portfolioID,
			Symbol:      payload.Symbol,
			Type:        payload.Type,
			Amount:      payload.Amount,
			Fees:        payload.Fees,
			Tax:         payload.Tax,
		})
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, txn)
	}
}
