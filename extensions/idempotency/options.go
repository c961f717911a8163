package idempotency

import (
	"log/slog"
	"time"
)

// DefaultTTL is how long submitted references are remembered
const DefaultTTL = 10 * time.Minute

// config holds the configuration for Client.
type config struct {
	ttl          time.Duration
	store        SubmissionStore
	keyGenerator KeyGenerator
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*config)

// WithTTL sets the cache TTL for submitted references.
//
// Only applies when using the default InMemoryStore.
// If WithStore is also specified, this option is ignored.
//
// Default: 10 minutes
func WithTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.ttl = ttl
	}
}

// WithStore sets a custom SubmissionStore implementation.
func WithStore(store SubmissionStore) Option {
	return func(c *config) {
		c.store = store
	}
}

// WithKeyGenerator sets a custom key derivation function.
//
// The key must uniquely identify a payment intent; two different payments
// mapping to one key would silently drop the second.
func WithKeyGenerator(gen KeyGenerator) Option {
	return func(c *config) {
		c.keyGenerator = gen
	}
}

// WithLogger sets the logger used to report deduplicated submissions.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}
