package security

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Dev fallback only; production deployments must set their own key.
	ExchangeCRKey string `envconfig:"EXCHANGE_CREDENTIALS_KEY" default:"W4+EyI3PuCUbhqTNMEjAiZxwY67MqoUqTWWlTODWRLw="`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
