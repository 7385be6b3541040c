package ledger

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	MaxRetries   int           `envconfig:"LEDGER_MAX_RETRIES" default:"3"`
	RetryBackoff time.Duration `envconfig:"LEDGER_RETRY_BACKOFF" default:"100ms"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
