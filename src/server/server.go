package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logger "github.com/sirupsen/logrus"

	"brokerledger/src/handler"
	"brokerledger/src/marketdata"
	"brokerledger/src/model"
	"brokerledger/src/orders"
	"brokerledger/src/repository"
	"brokerledger/src/transactions"
)

// OrderAPI is the order engine surface served over HTTP.
type OrderAPI interface {
	PlaceOrder(ctx context.Context, req orders.PlaceRequest) (*model.Order, error)
	GetOrder(ctx context.Context, id uint) (*model.Order, error)
	CancelOrder(ctx context.Context, id uint, reason string) (*model.Order, error)
	ListOrders(ctx context.Context, options repository.OrderSearchOptions) ([]model.Order, error)
}

type PositionAPI interface {
	GetPosition(ctx context.Context, portfolioID uint, symbol string) (*model.Position, error)
}

type TransactionAPI interface {
	CreateTransaction(ctx context.Context, req transactions.Request) (*model.Transaction, error)
	ListByPortfolio(ctx context.Context, portfolioID uint, limit int) ([]model.Transaction, error)
}

type MarketDataAPI interface {
	Status() marketdata.Status
}

type Deps struct {
	Orders       OrderAPI
	Positions    PositionAPI
	Transactions TransactionAPI
	MarketData   MarketDataAPI
}

func NewRouter(deps Deps) http.Handler {
	// Router with middleware
	r := chi.NewRouter()
	// === Global Middleware ===
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error(" \"/health error")
		}
	})

	if deps.MarketData != nil {
		r.Get("/status/market-data", handler.MarketDataStatusHandler(deps.MarketData))
	}

	if deps.Orders != nil {
		r.Route("/orders", func(r chi.Router) {
			r.Get("/", handler.SearchOrdersHandler(deps.Orders))
			r.Post("/", handler.PlaceOrderHandler(deps.Orders))
			r.Get("/{id}", handler.GetOrderHandler(deps.Orders))
			r.Post("/{id}/cancel", handler.CancelOrderHandler(deps.Orders))
		})
	}

	if deps.Positions != nil {
		r.Get("/portfolios/{id}/positions/{symbol}", handler.GetPositionHandler(deps.Positions))
	}

	if deps.Transactions != nil {
		r.Get("/portfolios/{id}/transactions", handler.ListTransactionsHandler(deps.Transactions))
		r.Post("/portfolios/{id}/transactions", handler.RecordCashMovementHandler(deps.Transactions))
	}

	return r
}

// StartServer serves h until ctx is done, then shuts down gracefully.
func StartServer(ctx context.Context, cfg *Config, h http.Handler) error {
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("Server crashed")
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown error")
		return err
	}
	return nil
}
