package settlement

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	SettlementDays int    `envconfig:"SETTLEMENT_DAYS" default:"2"`
	QueueCapacity  int    `envconfig:"SETTLEMENT_QUEUE_CAPACITY" default:"1024"`
	SweepSchedule  string `envconfig:"SETTLEMENT_SWEEP_CRON" default:"0 2 * * *"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
