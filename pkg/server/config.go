package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/openjdbcproxy/ojp-go/pkg/backend"
)

const (
	DefaultSlowSlotPercentage = 20
	DefaultIdleTimeout        = 10 * time.Second
	DefaultEtcdKey            = "ojp/slots/enabled"
)

// DefaultExemptMethods are never subject to admission.
var DefaultExemptMethods = []string{
	"/grpc.health.v1.Health/Check",
	"/grpc.health.v1.Health/Watch",
}

type Config struct {
	// Address is the gRPC listen address.
	Address string
	// AdminAddress is the listen address of the HTTP admin API. Empty disables it.
	AdminAddress string

	// AcquireTimeout is how long a call waits for an execution slot.
	AcquireTimeout time.Duration
	// SlowSlotPercentage is the share of slots reserved for slow operations, 0 to 100.
	SlowSlotPercentage int
	// IdleTimeout is how long a pool must be idle before it lends slots.
	// Zero is valid and lets an unused pool lend at once; the ojp binary
	// defaults it to DefaultIdleTimeout.
	IdleTimeout time.Duration
	// Disabled starts the server with admission control turned off.
	Disabled bool
	// ExemptMethods are full gRPC method names that bypass admission.
	ExemptMethods []string
	// SlowMethods are method name prefixes classified as slow.
	SlowMethods []string

	Backend backend.Options

	// EtcdEndpoints enables watching EtcdKey for the enabled flag.
	EtcdEndpoints []string
	EtcdKey       string

	LogLevel  string
	LogFormat string
	LogFile   string
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = ":1059"
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	if c.ExemptMethods == nil {
		c.ExemptMethods = DefaultExemptMethods
	}
	if c.EtcdKey == "" {
		c.EtcdKey = DefaultEtcdKey
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate fills in defaults and reports the first invalid setting.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.SlowSlotPercentage < 0 || c.SlowSlotPercentage > 100 {
		return fmt.Errorf("server: slow slot percentage %d is not between 0 and 100", c.SlowSlotPercentage)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("server: idle timeout %s is negative", c.IdleTimeout)
	}
	if c.AdminAddress != "" && c.AdminAddress == c.Address {
		return errors.New("server: admin address must differ from the grpc address")
	}
	switch c.LogFormat {
	case "text", "json", "dev":
	default:
		return fmt.Errorf("server: unknown log format %q", c.LogFormat)
	}
	return nil
}
