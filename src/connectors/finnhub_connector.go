package connectors

// REST client for the equity quote venue (Finnhub-compatible /quote and /stock/profile2).

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"brokerledger/src/model"
)

const defaultFinnhubBaseURL = "https://finnhub.io/api/v1"

type finnhubQuoteResponse struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	ChangePercent float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PreviousClose float64 `json:"pc"`
	Timestamp     int64   `json:"t"`
}

type finnhubProfileResponse struct {
	Name     string `json:"name"`
	Ticker   string `json:"ticker"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

type FinnhubClient struct {
	apiKey  string
	baseURL string
	http    *resty.Client
}

func NewFinnhubClient(apiKey, baseURL string, timeout time.Duration, retries int) *FinnhubClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultFinnhubBaseURL
		logger.Warnf("No quote provider URL provided, using default: %s", baseURL)
	}
	baseURL = strings.TrimRight(baseURL, "/")

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if retries < 0 {
		retries = 0
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp).
		SetHeader("Accept", "application/json")

	return &FinnhubClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    httpClient,
	}
}

// NewFinnhubClientFromConfig builds the client from the connectors env config.
func NewFinnhubClientFromConfig(cfg Config) *FinnhubClient {
	return NewFinnhubClient(cfg.QuoteProviderKey, cfg.QuoteProviderURL, cfg.QuoteProviderTimeout, cfg.QuoteProviderRetries)
}

func (c *FinnhubClient) request(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx)
	if c.apiKey != "" {
		req.SetHeader("X-Finnhub-Token", c.apiKey)
	}
	return req
}

// FetchQuote returns ErrSymbolNotFound when the venue answers with an empty quote.
func (c *FinnhubClient) FetchQuote(ctx context.Context, symbol string) (model.Quote, error) {
	var out finnhubQuoteResponse

	resp, err := c.request(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/quote")
	if err != nil {
		return model.Quote{}, fmt.Errorf("fetch quote %s: %w", symbol, err)
	}
	if resp.IsError() {
		return model.Quote{}, fmt.Errorf("fetch quote %s: http %d: %s", symbol, resp.StatusCode(), resp.String())
	}

	if out.Current == 0 && out.PreviousClose == 0 {
		return model.Quote{}, fmt.Errorf("fetch quote %s: %w", symbol, ErrSymbolNotFound)
	}

	updatedAt := time.Now().UTC()
	if out.Timestamp > 0 {
		updatedAt = time.Unix(out.Timestamp, 0).UTC()
	}

	logger.WithFields(map[string]interface{}{
		"connector": "finnhub",
		"symbol":    symbol,
		"price":     out.Current,
	}).Debug("Quote fetched")

	return model.Quote{
		Symbol:        symbol,
		CurrentPrice:  decimal.NewFromFloat(out.Current),
		PreviousClose: decimal.NewFromFloat(out.PreviousClose),
		UpdatedAt:     updatedAt,
	}, nil
}

func (c *FinnhubClient) LookupSecurity(ctx context.Context, symbol string) (*SecurityProfile, error) {
	var out finnhubProfileResponse

	resp, err := c.request(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/stock/profile2")
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("lookup %s: http %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	if out.Ticker == "" && out.Name == "" {
		return nil, fmt.Errorf("lookup %s: %w", symbol, ErrSymbolNotFound)
	}

	currency := out.Currency
	if currency == "" {
		currency = "USD"
	}

	return &SecurityProfile{
		Symbol:     symbol,
		Name:       out.Name,
		Exchange:   out.Exchange,
		Currency:   currency,
		AssetClass: model.AssetClassEquity,
	}, nil
}
