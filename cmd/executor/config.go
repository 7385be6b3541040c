package executor

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	WarmCache    bool `envconfig:"QUOTE_CACHE_WARM" default:"true"`
	USHolidays   bool `envconfig:"SETTLEMENT_US_HOLIDAYS" default:"false"`
	RunScheduler bool `envconfig:"RUN_SCHEDULERS" default:"true"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}
