package orders

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	FeeRate         decimal.Decimal `envconfig:"ORDER_FEE_RATE" default:"0.005"`
	MinFee          decimal.Decimal `envconfig:"ORDER_MIN_FEE" default:"1.00"`
	MaxFee          decimal.Decimal `envconfig:"ORDER_MAX_FEE" default:"50.00"`
	DefaultOrderTTL time.Duration   `envconfig:"ORDER_DEFAULT_TTL" default:"24h"`
	ExpirySchedule  string          `envconfig:"ORDER_EXPIRY_CRON" default:"*/5 * * * *"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// DefaultConfig returns the documented defaults without reading the environment.
func DefaultConfig() Config {
	return Config{
		FeeRate:         decimal.RequireFromString("0.005"),
		MinFee:          decimal.RequireFromString("1.00"),
		MaxFee:          decimal.RequireFromString("50.00"),
		DefaultOrderTTL: 24 * time.Hour,
		ExpirySchedule:  "*/5 * * * *",
	}
}
