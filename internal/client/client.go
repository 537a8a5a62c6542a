package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-gate/internal/admission"
	"github.com/t77yq/fleet-gate/internal/model"
)

// Config controls retries and circuit breaking for every endpoint
type Config struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	Multiplier       float64       `mapstructure:"multiplier"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FatalThreshold   int           `mapstructure:"fatal_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	RetryOn429       bool          `mapstructure:"retry_on_429"`
}

// DefaultConfig returns the stock retry and circuit settings
func DefaultConfig() Config {
	return Config{
		MaxRetries:       2,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		Multiplier:       3,
		FailureThreshold: 3,
		FatalThreshold:   5,
		Cooldown:         30 * time.Second,
		RetryOn429:       true,
	}
}

// EndpointConfig describes one inference endpoint
type EndpointConfig struct {
	ID        string
	URL       string
	Timeout   time.Duration
	Admission admission.Config
}

// Operation is one attempt at an outbound call. The context carries the
// per-attempt timeout.
type Operation func(ctx context.Context) error

// CircuitChange describes a transition of an endpoint's circuit health
type CircuitChange struct {
	Endpoint string
	From     model.CircuitHealth
	To       model.CircuitHealth
	State    model.CircuitState
}

type endpoint struct {
	config   EndpointConfig
	gate     *admission.Gate
	mu       sync.Mutex
	circuit  model.CircuitState
	reported model.CircuitHealth
}

// Client performs outbound calls with admission control, bounded retries
// and per-endpoint circuit breaking.
type Client struct {
	logger     *zap.Logger
	config     Config
	strategy   RetryStrategy
	httpClient *http.Client
	now        func() time.Time
	endpoints  map[string]*endpoint

	onActivity func(model.ActivityEvent)
	onCircuit  func(CircuitChange)
}

// Option configures a Client
type Option func(*Client)

// WithClock overrides the time source used for circuit cooldowns
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithHTTPClient sets the HTTP client used by Complete
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithActivityHandler receives start and end events around every admitted call
func WithActivityHandler(fn func(model.ActivityEvent)) Option {
	return func(c *Client) {
		c.onActivity = fn
	}
}

// WithCircuitHandler receives circuit health transitions
func WithCircuitHandler(fn func(CircuitChange)) Option {
	return func(c *Client) {
		c.onCircuit = fn
	}
}

// NewClient creates a client for the given endpoints
func NewClient(config Config, endpoints []EndpointConfig, logger *zap.Logger, opts ...Option) (*Client, error) {
	if config.FailureThreshold < 1 || config.FatalThreshold < config.FailureThreshold {
		return nil, fmt.Errorf("invalid circuit thresholds: failure=%d fatal=%d",
			config.FailureThreshold, config.FatalThreshold)
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 3
	}

	c := &Client{
		logger: logger.Named("client"),
		config: config,
		strategy: &ExponentialBackoff{
			InitialDelay: config.BaseDelay,
			MaxDelay:     config.MaxDelay,
			Multiplier:   config.Multiplier,
		},
		httpClient: &http.Client{},
		now:        time.Now,
		endpoints:  make(map[string]*endpoint),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, ec := range endpoints {
		if _, exists := c.endpoints[ec.ID]; exists {
			return nil, fmt.Errorf("endpoint %s configured twice", ec.ID)
		}
		gate, err := admission.NewGate(ec.ID, ec.Admission, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gate for %s: %w", ec.ID, err)
		}
		c.endpoints[ec.ID] = &endpoint{
			config:   ec,
			gate:     gate,
			reported: model.CircuitClosed,
		}
	}

	return c, nil
}

// Execute runs op against an endpoint. Fatal and open circuits fail
// immediately without taking a slot; otherwise a slot is held for the
// whole retry sequence and always released.
func (c *Client) Execute(ctx context.Context, endpointID string, class model.PriorityClass, op Operation) error {
	ep, ok := c.endpoints[endpointID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointID)
	}

	if err := c.checkCircuit(ep); err != nil {
		return err
	}

	permit, err := ep.gate.Acquire(ctx, class)
	if err != nil {
		return fmt.Errorf("failed to acquire slot on %s: %w", endpointID, err)
	}
	defer permit.Release()

	// The circuit may have tripped while this caller was queued.
	if err := c.checkCircuit(ep); err != nil {
		return err
	}

	correlationID := uuid.New().String()
	c.emit(model.ActivityEvent{BackendID: endpointID, Kind: model.ActivityStart, CorrelationID: correlationID})
	defer c.emit(model.ActivityEvent{BackendID: endpointID, Kind: model.ActivityEnd, CorrelationID: correlationID})

	attempts, err := c.attempt(ctx, ep, op)
	if err != nil && ctx.Err() != nil {
		// The caller gave up; that says nothing about the endpoint.
		return fmt.Errorf("call to %s abandoned: %w", endpointID, ctx.Err())
	}

	var transient *TransientNetworkError
	if errors.As(err, &transient) {
		transient.Endpoint = endpointID
		transient.Attempts = attempts
	}

	c.record(ep, err)
	return err
}

// attempt runs op with exponential backoff between retryable failures
func (c *Client) attempt(ctx context.Context, ep *endpoint, op Operation) (int, error) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.strategy.NextRetry(attempt - 1)
			c.logger.Debug("Retrying call",
				zap.String("endpoint", ep.config.ID),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := sleepContext(ctx, delay); err != nil {
				return attempts, lastErr
			}
		}

		attempts++
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if ep.config.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, ep.config.Timeout)
		}
		err := op(callCtx)
		cancel()

		if err == nil {
			return attempts, nil
		}

		lastErr = c.classify(ep.config.ID, err)
		if !isTransient(lastErr) || ctx.Err() != nil {
			return attempts, lastErr
		}
	}

	return attempts, lastErr
}

func (c *Client) checkCircuit(ep *endpoint) error {
	ep.mu.Lock()
	now := c.now()
	state := ep.circuit
	change := c.observe(ep, now)
	ep.mu.Unlock()
	c.notify(change)

	switch {
	case state.Fatal:
		return &FatalEndpointError{Endpoint: ep.config.ID, ConsecutiveFailures: state.ConsecutiveFailures}
	case state.OpenUntil.After(now):
		return &CircuitOpenError{Endpoint: ep.config.ID, RetryAfter: state.OpenUntil.Sub(now)}
	}
	return nil
}

// record updates the circuit after a finished call. Only transient failures
// escalate; client rejections mean the endpoint answered.
func (c *Client) record(ep *endpoint, err error) {
	ep.mu.Lock()
	now := c.now()

	switch {
	case err == nil:
		ep.circuit = model.CircuitState{}
	case isTransient(err):
		ep.circuit.ConsecutiveFailures++
		if ep.circuit.ConsecutiveFailures >= c.config.FailureThreshold {
			ep.circuit.OpenUntil = now.Add(c.config.Cooldown)
		}
		if ep.circuit.ConsecutiveFailures >= c.config.FatalThreshold {
			ep.circuit.Fatal = true
		}
	default:
		ep.mu.Unlock()
		return
	}

	change := c.observe(ep, now)
	ep.mu.Unlock()
	c.notify(change)
}

// observe computes the circuit health and returns a change when it differs
// from the last one reported. Must be called with ep.mu held.
func (c *Client) observe(ep *endpoint, now time.Time) *CircuitChange {
	health := ep.circuit.Health(now)
	if health == ep.reported {
		return nil
	}
	change := &CircuitChange{
		Endpoint: ep.config.ID,
		From:     ep.reported,
		To:       health,
		State:    ep.circuit,
	}
	ep.reported = health
	return change
}

func (c *Client) notify(change *CircuitChange) {
	if change == nil {
		return
	}

	fields := []zap.Field{
		zap.String("endpoint", change.Endpoint),
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
		zap.Int("consecutive_failures", change.State.ConsecutiveFailures),
	}
	switch change.To {
	case model.CircuitFatal:
		c.logger.Error("Endpoint marked permanently degraded", fields...)
	case model.CircuitOpen:
		c.logger.Warn("Circuit opened", append(fields, zap.Time("open_until", change.State.OpenUntil))...)
	default:
		c.logger.Info("Circuit closed", fields...)
	}

	if c.onCircuit != nil {
		c.onCircuit(*change)
	}
}

func (c *Client) emit(ev model.ActivityEvent) {
	if c.onActivity != nil {
		c.onActivity(ev)
	}
}

// ResetEndpoint clears the circuit of an endpoint, the operator-level way
// out of the fatal state.
func (c *Client) ResetEndpoint(endpointID string) error {
	ep, ok := c.endpoints[endpointID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointID)
	}

	ep.mu.Lock()
	ep.circuit = model.CircuitState{}
	change := c.observe(ep, c.now())
	ep.mu.Unlock()
	c.notify(change)
	return nil
}

// Circuit returns the circuit state of an endpoint
func (c *Client) Circuit(endpointID string) (model.CircuitState, bool) {
	ep, ok := c.endpoints[endpointID]
	if !ok {
		return model.CircuitState{}, false
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.circuit, true
}

// SetConcurrency resizes the admission gate of an endpoint. The urgent
// reservation is kept, shrunk if needed to leave one non-urgent slot.
func (c *Client) SetConcurrency(endpointID string, maxSlots int) error {
	ep, ok := c.endpoints[endpointID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointID)
	}

	reserved := ep.gate.Stats().ReservedForUrgent
	if reserved >= maxSlots {
		reserved = maxSlots - 1
	}
	return ep.gate.Resize(admission.Config{MaxSlots: maxSlots, ReservedForUrgent: reserved})
}

// GateStats returns the admission counters of an endpoint
func (c *Client) GateStats(endpointID string) (admission.Stats, bool) {
	ep, ok := c.endpoints[endpointID]
	if !ok {
		return admission.Stats{}, false
	}
	return ep.gate.Stats(), true
}

// Endpoints returns the configured endpoint ids
func (c *Client) Endpoints() []string {
	ids := make([]string, 0, len(c.endpoints))
	for id := range c.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
