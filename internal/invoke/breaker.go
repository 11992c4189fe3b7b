package invoke

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/stateflow/pkg/schema"
)

// CircuitState is the state of one function's circuit.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls pass through
	CircuitOpen                         // calls fail fast
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a BreakerInvoker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens a
	// function's circuit.
	FailureThreshold int
	// Cooldown is how long a circuit stays open before one probe is allowed.
	Cooldown time.Duration
	// HalfOpenMax is the number of concurrent probes allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the defaults used by the CLI.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type circuit struct {
	state       CircuitState
	failures    int
	lastFailure time.Time
	probes      int
}

// BreakerInvoker guards another invoker with one circuit per function ID.
// An open circuit fails the call with INVOCATION_ERROR / States.TaskFailed
// without reaching the wrapped invoker, so Task retry policies still apply.
type BreakerInvoker struct {
	inner Invoker
	cfg   BreakerConfig
	now   func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewBreakerInvoker wraps inner. A non-positive threshold disables the breaker.
func NewBreakerInvoker(inner Invoker, cfg BreakerConfig) *BreakerInvoker {
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &BreakerInvoker{inner: inner, cfg: cfg, now: time.Now, circuits: make(map[string]*circuit)}
}

func (b *BreakerInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if b.cfg.FailureThreshold <= 0 {
		return b.inner.Invoke(ctx, req)
	}
	if err := b.allow(req.FunctionID); err != nil {
		return nil, err
	}
	res, err := b.inner.Invoke(ctx, req)
	switch {
	case err == nil:
		b.recordSuccess(req.FunctionID)
	case schema.CodeOf(err) == schema.ErrCodeCancelled:
		// the caller gave up; says nothing about the function
		b.releaseProbe(req.FunctionID)
	default:
		b.recordFailure(req.FunctionID)
	}
	return res, err
}

// State reports the circuit of functionID.
func (b *BreakerInvoker) State(functionID string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[functionID]
	if !ok {
		return CircuitClosed
	}
	if c.state == CircuitOpen && b.now().Sub(c.lastFailure) >= b.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return c.state
}

func (b *BreakerInvoker) circuitFor(functionID string) *circuit {
	c, ok := b.circuits[functionID]
	if !ok {
		c = &circuit{}
		b.circuits[functionID] = c
	}
	return c
}

func (b *BreakerInvoker) allow(functionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(functionID)

	switch c.state {
	case CircuitOpen:
		if remaining := b.cfg.Cooldown - b.now().Sub(c.lastFailure); remaining > 0 {
			return schema.NewErrorf(schema.ErrCodeInvocation,
				"circuit open for function %q after %d consecutive failures", functionID, c.failures).
				WithKind(schema.KindTaskFailed).
				WithDetails(map[string]any{
					"function_id":          functionID,
					"consecutive_failures": c.failures,
					"cooldown_remaining":   remaining.String(),
				})
		}
		c.state = CircuitHalfOpen
		c.probes = 1
	case CircuitHalfOpen:
		if c.probes >= b.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeInvocation,
				"circuit half-open for function %q: probe in flight", functionID).
				WithKind(schema.KindTaskFailed)
		}
		c.probes++
	}
	return nil
}

func (b *BreakerInvoker) recordSuccess(functionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(functionID)
	c.state = CircuitClosed
	c.failures = 0
	c.probes = 0
}

func (b *BreakerInvoker) recordFailure(functionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(functionID)
	c.failures++
	c.lastFailure = b.now()
	if c.state == CircuitHalfOpen || c.failures >= b.cfg.FailureThreshold {
		c.state = CircuitOpen
		c.probes = 0
	}
}

func (b *BreakerInvoker) releaseProbe(functionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(functionID)
	if c.state == CircuitHalfOpen && c.probes > 0 {
		c.probes--
	}
}

var _ Invoker = (*BreakerInvoker)(nil)
