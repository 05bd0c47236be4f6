package connectors

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ExchangeName string `envconfig:"EXCHANGE_NAME" default:"phemex"`
	RestBaseURL  string `envconfig:"EXCHANGE_REST_URL" default:"https://api.phemex.com"`
	WsURL        string `envconfig:"EXCHANGE_WS_URL" default:"wss://ws.phemex.com"`

	// APIKeyEnc and APISecretEnc hold secretbox-sealed credentials; the CLI
	// decrypts them with security.DecryptString before building the connector.
	APIKeyEnc    string `envconfig:"EXCHANGE_API_KEY_ENC"`
	APISecretEnc string `envconfig:"EXCHANGE_API_SECRET_ENC"`

	PaperStartBalance float64 `envconfig:"PAPER_START_BALANCE" default:"10000"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
