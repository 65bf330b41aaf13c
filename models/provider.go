package models

// ProviderLimits configures the governor for one provider.
type ProviderLimits struct {
	PerMinute int `json:"per_minute"`
	PerSecond int `json:"per_second"`
	Burst     int `json:"burst"`
}

// RateLimitStatus is the pull-based view of one provider's governor state.
type RateLimitStatus struct {
	Provider          string `json:"provider"`
	WindowCallCount   int    `json:"window_call_count"`
	RemainingCapacity int    `json:"remaining_capacity"`
	BackoffActive     bool   `json:"backoff_active"`
	BackoffRemainMs   int64  `json:"backoff_remain_ms,omitempty"`
	ViolationCount    int    `json:"violation_count"`
}

// ProviderStatus combines governor state with reputation and source health
// for the providers endpoint.
type ProviderStatus struct {
	Provider   string          `json:"provider"`
	RateLimit  RateLimitStatus `json:"rate_limit"`
	Reputation float64         `json:"reputation"`
	Health     string          `json:"health"` // healthy, backoff, breaker-open
}
