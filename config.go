package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nimdanitro/cold-chain-publisher/pkg/gateway"
	"github.com/nimdanitro/cold-chain-publisher/pkg/publisher"
	"github.com/spf13/pflag"
)

type config struct {
	GatewayURL   string
	Credentials  gateway.Credentials
	Publisher    publisher.Config
	LoginRetries uint64
	RateLimit    time.Duration
	Timeout      time.Duration
	MetricsAddr  string
}

// parseConfig reads flags from args. Every flag falls back to its environment
// variable, and an explicit flag wins over the environment.
func parseConfig(args []string, getenv func(string) string) (*config, error) {
	c := &config{}
	fs := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)

	fs.StringVar(&c.GatewayURL, "gateway", "http://localhost:4000", "Base URL of the Fabric REST gateway")
	fs.StringVar(&c.Credentials.Username, "username", "akshay", "Gateway user to log in as")
	fs.StringVar(&c.Credentials.OrgName, "org", "Org1", "Organisation of the gateway user")
	fs.StringVar(&c.Publisher.Channel, "channel", publisher.DefaultChannel, "Ledger channel name")
	fs.StringVar(&c.Publisher.Chaincode, "chaincode", publisher.DefaultChaincode, "Chaincode to invoke")
	fs.StringVarP(&c.Publisher.BatchID, "batch-id", "b", "5", "Vaccine batch the readings belong to")
	fs.StringVarP(&c.Publisher.SensorID, "sensor-id", "s", "1234", "Temperature sensor ID reported in every reading")
	fs.DurationVarP(&c.Publisher.Interval, "interval", "i", publisher.DefaultInterval, "Time between two readings")
	fs.Uint64Var(&c.LoginRetries, "login-retries", 5, "Retries for the initial login on transient failures")
	fs.DurationVar(&c.RateLimit, "rate-limit", time.Second, "Minimum spacing between gateway calls (0 disables)")
	fs.DurationVar(&c.Timeout, "timeout", 30*time.Second, "Timeout for a single gateway request")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", ":9464", "Listen address for the Prometheus endpoint (empty disables)")

	env := map[string]string{
		"gateway":       "GATEWAY_URL",
		"username":      "GATEWAY_USERNAME",
		"org":           "GATEWAY_ORG",
		"channel":       "CHANNEL_NAME",
		"chaincode":     "CHAINCODE_NAME",
		"batch-id":      "BATCH_ID",
		"sensor-id":     "SENSOR_ID",
		"interval":      "PUBLISH_INTERVAL",
		"login-retries": "LOGIN_RETRIES",
		"rate-limit":    "GATEWAY_RATE_LIMIT",
		"timeout":       "GATEWAY_TIMEOUT",
		"metrics-addr":  "METRICS_ADDR",
	}
	for name, key := range env {
		v, ok := lookup(getenv, key)
		if !ok {
			continue
		}
		if err := fs.Lookup(name).Value.Set(v); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if c.GatewayURL == "" {
		return nil, errors.New("gateway url cannot be empty")
	}
	if c.Timeout <= 0 {
		return nil, errors.New("timeout must be greater than 0")
	}
	if err := c.Publisher.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func lookup(getenv func(string) string, key string) (string, bool) {
	if getenv == nil {
		getenv = os.Getenv
	}
	v := getenv(key)
	return v, v != ""
}
