package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	logger "github.com/sirupsen/logrus"

	"brokerledger/src/model"
	"brokerledger/src/orders"
	"brokerledger/src/repository"
)

type orderSearcher interface {
	ListOrders(ctx context.Context, options repository.OrderSearchOptions) ([]model.Order, error)
}

type orderPlacer interface {
	PlaceOrder(ctx context.Context, req orders.PlaceRequest) (*model.Order, error)
}

type orderGetter interface {
	GetOrder(ctx context.Context, id uint) (*model.Order, error)
}

type orderCanceller interface {
	CancelOrder(ctx context.Context, id uint, reason string) (*model.Order, error)
}

// SearchOrdersHandler lists the orders of a portfolio.
// Supports pagination and filters (portfolioId, symbol, status, createdFrom, createdTo).
func SearchOrdersHandler(repo orderSearcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		portfolioID, err := strconv.ParseUint(q.Get("portfolioId"), 10, 64)
		if err != nil || portfolioID == 0 {
			http.Error(w, "invalid portfolioId", http.StatusBadRequest)
			return
		}

		var symbol *string
		if symbolParam := q.Get("symbol"); symbolParam != "" {
			normalized := model.NormalizeSymbol(symbolParam)
			symbol = &normalized
		}

		var status *model.OrderStatus
		if statusParam := q.Get("status"); statusParam != "" {
			s := model.OrderStatus(statusParam)
			status = &s
		}

		var createdFrom, createdTo *time.Time
		if createdFromParam := q.Get("createdFrom"); createdFromParam != "" {
			parsed, err := time.Parse(time.RFC3339, createdFromParam)
			if err != nil {
				http.Error(w, "invalid createdFrom", http.StatusBadRequest)
				return
			}
			createdFrom = &parsed
		}

		if createdToParam := q.Get("createdTo"); createdToParam != "" {
			parsed, err := time.Parse(time.RFC3339, createdToParam)
			if err != nil {
				http.Error(w, "invalid createdTo", http.StatusBadRequest)
				return
			}
			createdTo = &parsed
		}

		page := 1
		if pageParam := q.Get("page"); pageParam != "" {
			parsedPage, err := strconv.Atoi(pageParam)
			if err != nil || parsedPage <= 0 {
				http.Error(w, "invalid page", http.StatusBadRequest)
				return
			}
			page = parsedPage
		}

		pageSize := 20
		if sizeParam := q.Get("pageSize"); sizeParam != "" {
			parsedSize, err := strconv.Atoi(sizeParam)
			if err != nil || parsedSize <= 0 {
				http.Error(w, "invalid pageSize", http.StatusBadRequest)
				return
			}
			pageSize = parsedSize
		}

		offset := (page - 1) * pageSize

		list, err := repo.ListOrders(r.Context(), repository.OrderSearchOptions{
			PortfolioID:   uint(portfolioID),
			Symbol:        symbol,
			Status:        status,
			CreatedAfter:  createdFrom,
			CreatedBefore: createdTo,
			Limit:         pageSize,
			Offset:        offset,
		})
		if err != nil {
			logger.WithError(err).Error("failed to search orders")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, list)
	}
}

// PlaceOrderHandler accepts an order. A rejected execution still answers with the
// FAILED order so the caller can see the recorded reason.
func PlaceOrderHandler(svc orderPlacer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req orders.PlaceRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			logger.WithError(err).Warn("invalid order payload")
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}

		order, err := svc.PlaceOrder(r.Context(), req)
		if err != nil {
			if order != nil {
				writeError(w, err, order)
				return
			}
			writeError(w, err, nil)
			return
		}

		writeJSON(w, http.StatusCreated, order)
	}
}

// GetOrderHandler returns one order with its status history.
func GetOrderHandler(svc orderGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uintParam(r, "id")
		if !ok {
			http.Error(w, "invalid order id", http.StatusBadRequest)
			return
		}

		order, err := svc.GetOrder(r.Context(), id)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, order)
	}
}

type cancelPayload struct {
	Reason string `json:"reason"`
}

// CancelOrderHandler cancels an open order. The body is optional.
func CancelOrderHandler(svc orderCanceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uintParam(r, "id")
		if !ok {
			http.Error(w, "invalid order id", http.StatusBadRequest)
			return
		}

		var payload cancelPayload
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				http.Error(w, "Invalid payload", http.StatusBadRequest)
				return
			}
		}

		order, err := svc.CancelOrder(r.Context(), id, payload.Reason)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, order)
	}
}
