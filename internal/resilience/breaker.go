// -----------------------------------------------------------------------
// Circuit breaker - per-service fail-fast state machine
// -----------------------------------------------------------------------

package resilience

import (
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
)

// State is the circuit state. The set is closed.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // Consecutive counted failures before the circuit opens
	RecoveryTimeout  time.Duration // How long the circuit stays open before admitting a probe
	SuccessThreshold int           // Consecutive probe successes needed to close again
	// CountsFailure decides which errors increment the failure counter.
	// Non-transient errors flow through without touching the breaker.
	CountsFailure func(err error) bool
}

// DefaultBreakerConfig counts only transient error kinds as failures.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		CountsFailure: func(err error) bool {
			return common.IsTransient(common.KindOf(err))
		},
	}
}

// Breaker is a process-wide circuit breaker for one named service.
//
// CLOSED -> OPEN after FailureThreshold consecutive counted failures.
// OPEN -> HALF_OPEN after RecoveryTimeout; the next call runs as a probe.
// HALF_OPEN -> CLOSED after SuccessThreshold consecutive probe successes;
// any probe failure reopens the circuit with the failure counter at 1.
type Breaker struct {
	name   string
	config BreakerConfig
	logger arbor.ILogger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

// NewBreaker creates a breaker for a named service.
func NewBreaker(name string, config BreakerConfig, logger arbor.ILogger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.CountsFailure == nil {
		config.CountsFailure = DefaultBreakerConfig().CountsFailure
	}
	return &Breaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
	}
}

// Execute runs the call through the breaker. While the circuit is open and the
// recovery timeout has not elapsed, the call fails fast with a CIRCUIT_OPEN
// error carrying the service name, the remaining wait and the failure count.
func (b *Breaker) Execute(call func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := call()
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}

	elapsed := time.Since(b.lastFailure)
	if elapsed < b.config.RecoveryTimeout {
		retryAfter := int((b.config.RecoveryTimeout - elapsed).Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return common.NewError(common.KindCircuitOpen, "service circuit is open").
			WithDetail("service_name", b.name).
			WithDetail("retry_after_seconds", retryAfter).
			WithDetail("failure_count", b.failures)
	}

	b.state = StateHalfOpen
	b.successes = 0
	b.logger.Info().Str("service", b.name).Msg("Circuit half-open, admitting probe")
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.onSuccess()
		return
	}
	if !b.config.CountsFailure(err) {
		// Validation and auth errors pass through without state change
		return
	}
	b.onFailure()
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.logger.Info().Str("service", b.name).Msg("Circuit closed")
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) onFailure() {
	b.lastFailure = time.Now()

	switch b.state {
	case StateHalfOpen:
		// Probe failed: reopen and start a new failure window
		b.state = StateOpen
		b.failures = 1
		b.successes = 0
		b.logger.Warn().Str("service", b.name).Msg("Probe failed, circuit reopened")
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
			b.logger.Warn().
				Str("service", b.name).
				Int("failures", b.failures).
				Msg("Failure threshold reached, circuit opened")
		}
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset returns the breaker to CLOSED with zero counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.lastFailure = time.Time{}
}

// Registry holds the process-wide breakers, one per service name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   BreakerConfig
	logger   arbor.ILogger
}

// NewRegistry creates a breaker registry with a shared default config.
func NewRegistry(config BreakerConfig, logger arbor.ILogger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
		logger:   logger,
	}
}

// Get returns the breaker for a service name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.config, r.logger)
	r.breakers[name] = b
	return b
}

// ResetAll returns every breaker to CLOSED.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
