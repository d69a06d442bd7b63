package core

import (
	"time"

	clock "github.com/jonboulle/clockwork"

	"github.com/zkceremony/coordinator/auth"
	"github.com/zkceremony/coordinator/ceremony"
	"github.com/zkceremony/coordinator/log"
	"github.com/zkceremony/coordinator/verifier"
)

// DefaultBaselineAverage is the assumed contribution duration of a circuit
// with no verified contribution yet. It seeds the running average used by
// dynamic deadlines.
const DefaultBaselineAverage = 10 * time.Minute

// DefaultMaxCommitRetries bounds how often a conditional commit is retried
// on a version conflict before the operation surfaces ErrSlotConflict.
const DefaultMaxCommitRetries = 3

// DefaultVerifyTimeout bounds the external verifier call. A verifier
// timeout counts as a verification failure.
const DefaultVerifyTimeout = 5 * time.Minute

// DefaultSweepPeriod is the cadence of the daemon's timeout sweep.
const DefaultSweepPeriod = time.Minute

// ConfigOption is a function that applies a specific setting to a Config.
type ConfigOption func(*Config)

// Config holds all relevant information for a coordinator process to run.
type Config struct {
	store            ceremony.Store
	verifier         verifier.Verifier
	sessions         auth.SessionProvider
	clock            clock.Clock
	logger           log.Logger
	baselineAverage  time.Duration
	maxCommitRetries int
	verifyTimeout    time.Duration
	sweepPeriod      time.Duration
}

// NewConfig returns the config to pass to the coordinator with the default
// options set and the updated values given by the options.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		clock:            clock.NewRealClock(),
		logger:           log.DefaultLogger(),
		baselineAverage:  DefaultBaselineAverage,
		maxCommitRetries: DefaultMaxCommitRetries,
		verifyTimeout:    DefaultVerifyTimeout,
		sweepPeriod:      DefaultSweepPeriod,
	}
	for i := range opts {
		opts[i](c)
	}
	return c
}

// Logger returns the configured logger.
func (c *Config) Logger() log.Logger {
	return c.logger
}

// Clock returns the configured clock.
func (c *Config) Clock() clock.Clock {
	return c.clock
}

// SweepPeriod returns the cadence of the timeout sweep.
func (c *Config) SweepPeriod() time.Duration {
	return c.sweepPeriod
}

// WithStore sets the transactional store all ceremony state lives in.
func WithStore(s ceremony.Store) ConfigOption {
	return func(c *Config) {
		c.store = s
	}
}

// WithVerifier sets the external contribution verifier.
func WithVerifier(v verifier.Verifier) ConfigOption {
	return func(c *Config) {
		c.verifier = v
	}
}

// WithSessionProvider sets the identity provider resolving session tokens.
func WithSessionProvider(p auth.SessionProvider) ConfigOption {
	return func(c *Config) {
		c.sessions = p
	}
}

// WithClock sets the clock; tests inject a fake.
func WithClock(cl clock.Clock) ConfigOption {
	return func(c *Config) {
		c.clock = cl
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) ConfigOption {
	return func(c *Config) {
		c.logger = l
	}
}

// WithBaselineAverage sets the assumed duration used for the very first
// dynamic deadline of a circuit.
func WithBaselineAverage(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.baselineAverage = d
	}
}

// WithMaxCommitRetries bounds conditional-commit retries.
func WithMaxCommitRetries(n int) ConfigOption {
	return func(c *Config) {
		c.maxCommitRetries = n
	}
}

// WithVerifyTimeout bounds the external verifier call.
func WithVerifyTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.verifyTimeout = d
	}
}

// WithSweepPeriod sets the cadence of the daemon's timeout sweep.
func WithSweepPeriod(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.sweepPeriod = d
	}
}
