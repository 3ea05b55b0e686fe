package concurrency

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EvictionPolicy decides which item is evicted when a node buffer is full
type EvictionPolicy string

const (
	// EvictRejectNewest evicts the arriving item
	EvictRejectNewest EvictionPolicy = "reject-newest"

	// EvictDropOldest evicts the oldest item that is not yet sealed in a batch
	EvictDropOldest EvictionPolicy = "drop-oldest"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar  ConfigSource = "environment_variable"
	ConfigSourceDefault ConfigSource = "default"
)

// ClusterOptions holds the per-node dispatch configuration
type ClusterOptions struct {
	// Window is the maximum time an item waits before its batch is sealed
	Window time.Duration

	// NodeThrottling is the maximum number of items per batch and per Window
	// of emitted batches. Zero disables count sealing and throttling.
	NodeThrottling int

	// EvictItemsWhenNodesAreFull evicts overflow items instead of blocking
	// producers until capacity frees
	EvictItemsWhenNodesAreFull bool

	// EvictionPolicy selects the evicted item when the buffer is full
	EvictionPolicy EvictionPolicy

	// BufferCapacity bounds the pending (not yet dispatched) items per node.
	// Zero means unbounded.
	BufferCapacity int

	// RetryAttempts is the maximum number of retries per item on a remote node
	RetryAttempts int

	// RetryBaseDelay is the time unit of the 2^attempt retry backoff
	RetryBaseDelay time.Duration

	// LimitCPUUsage is the CPU usage percentage above which remote calls are
	// delayed. Values >= 100 disable CPU backpressure.
	LimitCPUUsage float64

	// HeartbeatInterval is the period of the health and metrics aggregator
	HeartbeatInterval time.Duration

	// HeartbeatTimeout bounds a single heartbeat call
	HeartbeatTimeout time.Duration

	// MaxConcurrency bounds how many items of one batch are processed at once
	MaxConcurrency int

	Source ConfigSource
}

// CircuitBreakerOptions holds the circuit breaker configuration
type CircuitBreakerOptions struct {
	// FailureThreshold is the failure ratio (0, 1] that opens the circuit
	FailureThreshold float64

	// SamplingDuration is the rolling window over which attempts are counted
	SamplingDuration time.Duration

	// MinimumThroughput is the minimum number of attempts in the window before
	// the ratio is considered
	MinimumThroughput int

	// DurationOfBreak is how long the circuit stays open
	DurationOfBreak time.Duration

	Source ConfigSource
}

// DefaultClusterOptions returns the defaults used when nothing is configured
func DefaultClusterOptions() ClusterOptions {
	return ClusterOptions{
		Window:                     100 * time.Millisecond,
		NodeThrottling:             100,
		EvictItemsWhenNodesAreFull: true,
		EvictionPolicy:             EvictRejectNewest,
		BufferCapacity:             10000,
		RetryAttempts:              3,
		RetryBaseDelay:             time.Second,
		LimitCPUUsage:              100,
		HeartbeatInterval:          time.Second,
		HeartbeatTimeout:           2 * time.Second,
		MaxConcurrency:             1,
		Source:                     ConfigSourceDefault,
	}
}

// DefaultCircuitBreakerOptions returns the defaults used when nothing is configured
func DefaultCircuitBreakerOptions() CircuitBreakerOptions {
	return CircuitBreakerOptions{
		FailureThreshold:  0.5,
		SamplingDuration:  5 * time.Second,
		MinimumThroughput: 2,
		DurationOfBreak:   30 * time.Second,
		Source:            ConfigSourceDefault,
	}
}

// Validate checks the options for values that cannot work
func (o ClusterOptions) Validate() error {
	if o.Window <= 0 && o.NodeThrottling <= 0 {
		return fmt.Errorf("one of Window or NodeThrottling must be positive")
	}
	// A buffer smaller than a batch only ever seals on the window
	if o.Window <= 0 && o.BufferCapacity > 0 && o.BufferCapacity < o.NodeThrottling {
		return fmt.Errorf("Window must be positive when BufferCapacity (%d) is below NodeThrottling (%d)", o.BufferCapacity, o.NodeThrottling)
	}
	if o.RetryAttempts < 0 {
		return fmt.Errorf("RetryAttempts must not be negative")
	}
	if o.EvictionPolicy != "" && o.EvictionPolicy != EvictRejectNewest && o.EvictionPolicy != EvictDropOldest {
		return fmt.Errorf("unknown eviction policy %q", o.EvictionPolicy)
	}
	if o.LimitCPUUsage < 0 {
		return fmt.Errorf("LimitCPUUsage must not be negative")
	}
	return nil
}

// Validate checks the options for values that cannot work
func (o CircuitBreakerOptions) Validate() error {
	if o.FailureThreshold <= 0 || o.FailureThreshold > 1 {
		return fmt.Errorf("FailureThreshold must be in (0, 1], got %v", o.FailureThreshold)
	}
	if o.SamplingDuration <= 0 {
		return fmt.Errorf("SamplingDuration must be positive")
	}
	if o.MinimumThroughput < 1 {
		return fmt.Errorf("MinimumThroughput must be at least 1")
	}
	if o.DurationOfBreak <= 0 {
		return fmt.Errorf("DurationOfBreak must be positive")
	}
	return nil
}

// LoadClusterOptions loads cluster options with priority: env vars > defaults
func LoadClusterOptions() ClusterOptions {
	opts := DefaultClusterOptions()
	overridden := false
	set := func(ok bool) {
		overridden = overridden || ok
	}

	if v, ok := getEnvDuration("DISPATCH_WINDOW"); ok {
		opts.Window = v
		set(ok)
	}
	if v := getEnvInt("DISPATCH_NODE_THROTTLING", -1); v >= 0 {
		opts.NodeThrottling = v
		set(true)
	}
	if v, ok := getEnvBool("DISPATCH_EVICT_ITEMS_WHEN_FULL"); ok {
		opts.EvictItemsWhenNodesAreFull = v
		set(ok)
	}
	if v := getEnv("DISPATCH_EVICTION_POLICY", ""); v != "" {
		opts.EvictionPolicy = EvictionPolicy(strings.ToLower(v))
		set(true)
	}
	if v := getEnvInt("DISPATCH_BUFFER_CAPACITY", -1); v >= 0 {
		opts.BufferCapacity = v
		set(true)
	}
	if v := getEnvInt("DISPATCH_RETRY_ATTEMPTS", -1); v >= 0 {
		opts.RetryAttempts = v
		set(true)
	}
	if v, ok := getEnvDuration("DISPATCH_RETRY_BASE_DELAY"); ok {
		opts.RetryBaseDelay = v
		set(ok)
	}
	if v, ok := getEnvFloat("DISPATCH_LIMIT_CPU_USAGE"); ok {
		opts.LimitCPUUsage = v
		set(ok)
	}
	if v, ok := getEnvDuration("DISPATCH_HEARTBEAT_INTERVAL"); ok {
		opts.HeartbeatInterval = v
		set(ok)
	}
	if v, ok := getEnvDuration("DISPATCH_HEARTBEAT_TIMEOUT"); ok {
		opts.HeartbeatTimeout = v
		set(ok)
	}
	if v := getEnvInt("DISPATCH_MAX_CONCURRENCY", 0); v > 0 {
		opts.MaxConcurrency = v
		set(true)
	}

	// Fall back to the default policy for unknown values
	if opts.EvictionPolicy != EvictRejectNewest && opts.EvictionPolicy != EvictDropOldest {
		opts.EvictionPolicy = EvictRejectNewest
	}

	if overridden {
		opts.Source = ConfigSourceEnvVar
	}
	return opts
}

// LoadCircuitBreakerOptions loads breaker options with priority: env vars > defaults
func LoadCircuitBreakerOptions() CircuitBreakerOptions {
	opts := DefaultCircuitBreakerOptions()
	overridden := false

	if v, ok := getEnvFloat("DISPATCH_BREAKER_FAILURE_THRESHOLD"); ok && v > 0 && v <= 1 {
		opts.FailureThreshold = v
		overridden = true
	}
	if v, ok := getEnvDuration("DISPATCH_BREAKER_SAMPLING_DURATION"); ok && v > 0 {
		opts.SamplingDuration = v
		overridden = true
	}
	if v := getEnvInt("DISPATCH_BREAKER_MINIMUM_THROUGHPUT", 0); v > 0 {
		opts.MinimumThroughput = v
		overridden = true
	}
	if v, ok := getEnvDuration("DISPATCH_BREAKER_DURATION_OF_BREAK"); ok && v > 0 {
		opts.DurationOfBreak = v
		overridden = true
	}

	if overridden {
		opts.Source = ConfigSourceEnvVar
	}
	return opts
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float from environment variable
func getEnvFloat(key string) (float64, bool) {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// getEnvBool retrieves a bool from environment variable
func getEnvBool(key string) (bool, bool) {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b, true
		}
	}
	return false, false
}

// getEnvDuration retrieves a duration (e.g. "250ms") from environment variable
func getEnvDuration(key string) (time.Duration, bool) {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d, true
		}
	}
	return 0, false
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// String returns a formatted string representation of the options
func (o ClusterOptions) String() string {
	return fmt.Sprintf(
		"ClusterOptions{Window: %s, NodeThrottling: %d, Evict: %t, Policy: %s, Capacity: %d, Retries: %d, RetryBase: %s, CPULimit: %.1f, Heartbeat: %s, Source: %s}",
		o.Window,
		o.NodeThrottling,
		o.EvictItemsWhenNodesAreFull,
		o.EvictionPolicy,
		o.BufferCapacity,
		o.RetryAttempts,
		o.RetryBaseDelay,
		o.LimitCPUUsage,
		o.HeartbeatInterval,
		o.Source,
	)
}
