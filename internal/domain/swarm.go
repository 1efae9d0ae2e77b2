package domain

// DefaultMaxConcurrency bounds a swarm that does not configure its own
// ceiling.
const DefaultMaxConcurrency = 30

// SwarmConfig carries the per-swarm limits. Zero values mean "not set"
// except MaxConcurrency, which is normalized to DefaultMaxConcurrency.
type SwarmConfig struct {
	// MaxConcurrency is the ceiling on concurrently running batch items.
	MaxConcurrency int `json:"max_concurrency"`
	// StopAfterNFailures aborts the swarm once this many batch items have
	// failed. 0 disables the threshold.
	StopAfterNFailures int `json:"stop_after_n_failures,omitempty"`
	// MaxTaskAllowed caps the number of tasks that may be added; reaching
	// it closes the swarm automatically. 0 means unlimited.
	MaxTaskAllowed int `json:"max_task_allowed,omitempty"`
}

// Normalize fills defaults in place and returns the config.
func (c SwarmConfig) Normalize() SwarmConfig {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	return c
}
