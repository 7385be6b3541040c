package executors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Timezone        string        `envconfig:"SCHEDULER_TIMEZONE" default:"America/New_York"`
	JobTimeout      time.Duration `envconfig:"SCHEDULER_JOB_TIMEOUT" default:"10m"`
	ValuationPeriod time.Duration `envconfig:"PORTFOLIO_VALUATION_PERIOD" default:"5m"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
