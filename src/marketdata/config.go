package marketdata

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	BatchSize        int           `envconfig:"MARKETDATA_BATCH_SIZE" default:"50"`
	Workers          int           `envconfig:"MARKETDATA_WORKERS" default:"5"`
	RequestDelay     time.Duration `envconfig:"MARKETDATA_REQUEST_DELAY" default:"200ms"`
	BatchDelay       time.Duration `envconfig:"MARKETDATA_BATCH_DELAY" default:"2s"`
	BatchTimeout     time.Duration `envconfig:"MARKETDATA_BATCH_TIMEOUT" default:"30s"`
	FailureThreshold int           `envconfig:"MARKETDATA_FAILURE_THRESHOLD" default:"5"`
	Cooldown         time.Duration `envconfig:"MARKETDATA_COOLDOWN" default:"5m"`

	RefreshSchedule string `envconfig:"MARKETDATA_REFRESH_CRON" default:"* 9-16 * * 1-5"`
	OpenSchedule    string `envconfig:"MARKETDATA_OPEN_CRON" default:"35 9 * * 1-5"`
	CloseSchedule   string `envconfig:"MARKETDATA_CLOSE_CRON" default:"5 16 * * 1-5"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
