package connectors

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nntaoli-project/goex"
	"github.com/nntaoli-project/goex/binance"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"brokerledger/src/model"
)

// BinanceClient quotes crypto pairs from the daily klines: the last kline's
// close is the current price, the one before it is the previous close.
type BinanceClient struct {
	exchange goex.API
}

func NewBinanceClient(endpoint string, timeout time.Duration) *BinanceClient {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = binance.GLOBAL_API_BASE_URL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	apiConfig := &goex.APIConfig{
		HttpClient: &http.Client{Timeout: timeout},
		Endpoint:   strings.TrimRight(endpoint, "/"),
	}
	return &BinanceClient{exchange: binance.NewWithConfig(apiConfig)}
}

// NewBinanceClientFromConfig builds the client from the connectors env config.
func NewBinanceClientFromConfig(cfg Config) *BinanceClient {
	return NewBinanceClient(cfg.BinanceEndpoint, cfg.BinanceTimeout)
}

func pairOf(symbol string) (goex.CurrencyPair, error) {
	if !IsCryptoPair(symbol) {
		return goex.CurrencyPair{}, fmt.Errorf("%s: %w", symbol, ErrSymbolNotFound)
	}
	parts := strings.SplitN(symbol, "_", 2)
	return goex.NewCurrencyPair(goex.Currency{Symbol: parts[0]}, goex.Currency{Symbol: parts[1]}), nil
}

func (b *BinanceClient) FetchQuote(ctx context.Context, symbol string) (model.Quote, error) {
	if err := ctx.Err(); err != nil {
		return model.Quote{}, err
	}

	pair, err := pairOf(symbol)
	if err != nil {
		return model.Quote{}, err
	}

	klines, err := b.exchange.GetKlineRecords(pair, goex.KLINE_PERIOD_1DAY, 2)
	if err != nil {
		return model.Quote{}, fmt.Errorf("fetch klines %s: %w", symbol, err)
	}
	if len(klines) == 0 {
		return model.Quote{}, fmt.Errorf("fetch klines %s: %w", symbol, ErrSymbolNotFound)
	}

	last := klines[len(klines)-1]
	q := model.Quote{
		Symbol:       symbol,
		CurrentPrice: decimal.NewFromFloat(last.Close),
		UpdatedAt:    time.Now().UTC(),
	}
	if len(klines) > 1 {
		q.PreviousClose = decimal.NewFromFloat(klines[len(klines)-2].Close)
	} else {
		q.PreviousClose = decimal.NewFromFloat(last.Open)
	}

	logger.WithFields(map[string]interface{}{
		"connector": "binance",
		"symbol":    symbol,
		"price":     last.Close,
	}).Debug("Quote fetched")

	return q, nil
}

func (b *BinanceClient) LookupSecurity(ctx context.Context, symbol string) (*SecurityProfile, error) {
	if _, err := b.FetchQuote(ctx, symbol); err != nil {
		return nil, err
	}
	parts := strings.SplitN(symbol, "_", 2)
	return &SecurityProfile{
		Symbol:     symbol,
		Name:       parts[0] + "/" + parts[1],
		Exchange:   "BINANCE",
		Currency:   parts[1],
		AssetClass: model.AssetClassCrypto,
	}, nil
}
