package publisher

import (
	"errors"
	"time"
)

const (
	DefaultFunction  = "UpdateVaccineBatch"
	DefaultChaincode = "supply-chain"
	DefaultChannel   = "mychannel"
	DefaultInterval  = 3 * time.Second
)

type Config struct {
	BatchID   string
	SensorID  string
	Interval  time.Duration
	Channel   string
	Chaincode string
	Function  string
}

// withDefaults fills the ledger coordinates left empty.
func (c Config) withDefaults() Config {
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.Chaincode == "" {
		c.Chaincode = DefaultChaincode
	}
	if c.Function == "" {
		c.Function = DefaultFunction
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	return c
}

func (c Config) Validate() error {
	var errs []error
	if c.BatchID == "" {
		errs = append(errs, errors.New("batch id cannot be empty"))
	}
	if c.SensorID == "" {
		errs = append(errs, errors.New("sensor id cannot be empty"))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be greater than 0"))
	}
	return errors.Join(errs...)
}
