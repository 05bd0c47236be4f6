package server

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port string `envconfig:"PORT" default:"9898"`
	// ControlTokens maps bearer tokens to tenants, e.g. "s3cret:alpha".
	// Empty means the control surface rejects everything except healthcheck.
	ControlTokens string `envconfig:"CONTROL_TOKENS"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}
