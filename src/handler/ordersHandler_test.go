package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"brokerledger/src/apperrors"
	"brokerledger/src/model"
	"brokerledger/src/orders"
	"brokerledger/src/repository"
)

type mockOrderSearcher struct {
	orders        []model.Order
	err           error
	portfolioID   uint
	symbol        *string
	status        *model.OrderStatus
	createdAfter  *time.Time
	createdBefore *time.Time
	limit         int
	offset        int
	calledCount   int
}

func (m *mockOrderSearcher) ListOrders(ctx context.Context, options repository.OrderSearchOptions) ([]model.Order, error) {
	m.calledCount++
	m.portfolioID = options.PortfolioID
	m.symbol = options.Symbol
	m.status = options.Status
	m.createdAfter = options.CreatedAfter
	m.createdBefore = options.CreatedBefore
	m.limit = options.Limit
	m.offset = options.Offset
	return m.orders, m.err
}

type mockOrderService struct {
	placed    orders.PlaceRequest
	order     *model.Order
	err       error
	cancelled string
}

func (m *mockOrderService) PlaceOrder(ctx context.Context, req orders.PlaceRequest) (*model.Order, error) {
	m.placed = req
	return m.order, m.err
}

func (m *mockOrderService) GetOrder(ctx context.Context, id uint) (*model.Order, error) {
	if m.order == nil || m.order.ID != id {
		return nil, apperrors.NotFound("order", id)
	}
	return m.order, nil
}

func (m *mockOrderService) CancelOrder(ctx context.Context, id uint, reason string) (*model.Order, error) {
	m.cancelled = reason
	return m.order, m.err
}

func TestSearchOrdersHandler_MissingPortfolio(t *testing.T) {
	handler := SearchOrdersHandler(&mockOrderSearcher{})

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSearchOrdersHandler_RepoError(t *testing.T) {
	mockRepo := &mockOrderSearcher{err: assert.AnError}
	handler := SearchOrdersHandler(mockRepo)

	req := httptest.NewRequest(http.MethodGet, "/orders?portfolioId=1", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}

	if mockRepo.calledCount != 1 {
		t.Fatalf("expected repository to be called once, got %d", mockRepo.calledCount)
	}
}

func TestSearchOrdersHandler_Success(t *testing.T) {
	list := []model.Order{{ID: 1, Symbol: "ACME"}}
	mockRepo := &mockOrderSearcher{orders: list}
	handler := SearchOrdersHandler(mockRepo)

	req := httptest.NewRequest(http.MethodGet, "/orders?portfolioId=7&symbol=acme&status=PENDING&createdFrom=2024-01-01T00:00:00Z&createdTo=2024-02-01T00:00:00Z&page=2&pageSize=5", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	if mockRepo.portfolioID != 7 {
		t.Fatalf("expected portfolio ID 7, got %d", mockRepo.portfolioID)
	}

	if mockRepo.symbol == nil || *mockRepo.symbol != "ACME" {
		t.Fatalf("expected symbol ACME, got %v", mockRepo.symbol)
	}

	if mockRepo.status == nil || *mockRepo.status != model.OrderStatusPending {
		t.Fatalf("expected status filter PENDING, got %v", mockRepo.status)
	}

	if mockRepo.createdAfter == nil || mockRepo.createdBefore == nil {
		t.Fatalf("expected createdAt filters to be set")
	}

	if mockRepo.limit != 5 || mockRepo.offset != 5 {
		t.Fatalf("expected limit 5 and offset 5, got limit=%d offset=%d", mockRepo.limit, mockRepo.offset)
	}

	var got []model.Order
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Len(t, got, 1)
}

func TestSearchOrdersHandler_InvalidPagination(t *testing.T) {
	handler := SearchOrdersHandler(&mockOrderSearcher{})

	req := httptest.NewRequest(http.MethodGet, "/orders?portfolioId=1&page=0", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSearchOrdersHandler_InvalidDate(t *testing.T) {
	handler := SearchOrdersHandler(&mockOrderSearcher{})

	req := httptest.NewRequest(http.MethodGet, "/orders?portfolioId=1&createdFrom=invalid", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestPlaceOrderHandler_Created(t *testing.T) {
	svc := &mockOrderService{order: &model.Order{ID: 3, Symbol: "ACME", Status: model.OrderStatusExecuted}}
	handler := PlaceOrderHandler(svc)

	body := `{"portfolio_id":1,"symbol":"ACME","side":"BUY","type":"LIMIT","quantity":"10","limit_price":"9.5"}`
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, uint(1), svc.placed.PortfolioID)
	assert.Equal(t, model.OrderSideBuy, svc.placed.Side)
	assert.True(t, svc.placed.Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, svc.placed.LimitPrice.Valid)
	assert.True(t, svc.placed.LimitPrice.Decimal.Equal(decimal.RequireFromString("9.5")))
}

func TestPlaceOrderHandler_InvalidPayload(t *testing.T) {
	handler := PlaceOrderHandler(&mockOrderService{})

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"portfolio":1}`))
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestPlaceOrderHandler_ErrorStatuses(t *testing.T) {
	cases := map[string]struct {
		order  *model.Order
		err    error
		status int
	}{
		"validation":         {err: apperrors.Validation("quantity must be positive"), status: http.StatusBadRequest},
		"insufficient funds": {order: &model.Order{ID: 9, Status: model.OrderStatusFailed}, err: apperrors.ErrInsufficientFunds, status: http.StatusUnprocessableEntity},
		"no market price":    {order: &model.Order{ID: 9, Status: model.OrderStatusFailed}, err: apperrors.ErrNoMarketPrice, status: http.StatusServiceUnavailable},
		"unknown symbol":     {err: apperrors.ErrUnknownSymbol, status: http.StatusBadRequest},
		"internal":           {err: assert.AnError, status: http.StatusInternalServerError},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			handler := PlaceOrderHandler(&mockOrderService{order: tc.order, err: tc.err})

			body := `{"portfolio_id":1,"symbol":"ACME","side":"BUY","type":"MARKET","quantity":"1"}`
			req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			assert.Equal(t, tc.status, rr.Code)

			var resp map[string]interface{}
			assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			if tc.order != nil {
				assert.NotNil(t, resp["data"])
			}
		})
	}
}

func TestGetOrderHandler(t *testing.T) {
	svc := &mockOrderService{order: &model.Order{ID: 4, Symbol: "ACME"}}
	r := chi.NewRouter()
	r.Get("/orders/{id}", GetOrderHandler(svc))

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/4", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/5", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCancelOrderHandler(t *testing.T) {
	svc := &mockOrderService{order: &model.Order{ID: 4, Status: model.OrderStatusCancelled}}
	r := chi.NewRouter()
	r.Post("/orders/{id}/cancel", CancelOrderHandler(svc))

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/orders/4/cancel", strings.NewReader(`{"reason":"changed my mind"}`)))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "changed my mind", svc.cancelled)

	svc.err = apperrors.ErrOrderNotCancellable
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/orders/4/cancel", nil))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "", svc.cancelled)
}
