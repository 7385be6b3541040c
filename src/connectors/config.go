package connectors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	QuoteProviderURL     string        `envconfig:"QUOTE_PROVIDER_URL" default:"https://finnhub.io/api/v1"`
	QuoteProviderKey     string        `envconfig:"QUOTE_PROVIDER_KEY"`
	QuoteProviderTimeout time.Duration `envconfig:"QUOTE_PROVIDER_TIMEOUT" default:"10s"`
	QuoteProviderRetries int           `envconfig:"QUOTE_PROVIDER_RETRIES" default:"2"`

	BinanceEndpoint string        `envconfig:"BINANCE_ENDPOINT" default:"https://api.binance.com"`
	BinanceTimeout  time.Duration `envconfig:"BINANCE_TIMEOUT" default:"10s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
