package llm

import "time"

// RetryConfig bounds retries against a single endpoint before the client
// moves to a fallback.
type RetryConfig struct {
	// MaxAttempts counts the first try plus retries.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt. It doubles on each
	// further retry, capped at MaxDelay, with jitter applied.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
}

// Retry budgets follow the execution tiers the capabilities serve.
// Classification sits on the invocation hot path inside the code tier's
// five-second deadline, so it gets one quick retry; generative calls run
// under a thirty-second deadline; agentic calls have a five-minute budget
// and can afford patient backoff.
var retryPolicies = map[Capability]RetryConfig{
	CapabilityClassify:   {MaxAttempts: 2, BaseDelay: 250 * time.Millisecond, MaxDelay: time.Second},
	CapabilityFast:       {MaxAttempts: 2, BaseDelay: 250 * time.Millisecond, MaxDelay: time.Second},
	CapabilityGenerative: {MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 8 * time.Second},
	CapabilityAgentic:    {MaxAttempts: 4, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second},
}

// RetryPolicyFor returns the retry budget for a capability. Unknown
// capabilities get the fast-path budget.
func RetryPolicyFor(capability Capability) RetryConfig {
	if p, ok := retryPolicies[capability]; ok {
		return p
	}
	return retryPolicies[CapabilityFast]
}
