package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-gate/internal/fleet"
	"github.com/t77yq/fleet-gate/internal/model"
)

// Publisher receives fleet snapshots after a change
type Publisher interface {
	Publish(snapshot model.FleetSnapshot)
}

// Config controls polling cadence
type Config struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	PollThreshold  time.Duration `mapstructure:"poll_threshold"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

// DefaultConfig returns the stock polling settings
func DefaultConfig() Config {
	return Config{
		TickInterval:   500 * time.Millisecond,
		PollThreshold:  3 * time.Second,
		PollTimeout:    2 * time.Second,
		StaleThreshold: fleet.DefaultStaleThreshold,
	}
}

// Poller periodically probes every registered backend, merges the results
// into the store and publishes at most one snapshot per cycle.
type Poller struct {
	logger    *zap.Logger
	config    Config
	store     *fleet.Store
	prober    Prober
	publisher Publisher
	now       func() time.Time

	cycleMu  sync.Mutex
	lastPoll map[string]time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Poller
type Option func(*Poller)

// WithClock overrides the time source used for poll thresholds. It should
// match the store's clock.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// NewPoller creates a poller
func NewPoller(config Config, store *fleet.Store, prober Prober, publisher Publisher, logger *zap.Logger, opts ...Option) *Poller {
	defaults := DefaultConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.PollThreshold <= 0 {
		config.PollThreshold = defaults.PollThreshold
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = defaults.PollTimeout
	}
	if config.StaleThreshold <= 0 {
		config.StaleThreshold = defaults.StaleThreshold
	}

	p := &Poller{
		logger:    logger.Named("poller"),
		config:    config,
		store:     store,
		prober:    prober,
		publisher: publisher,
		now:       time.Now,
		lastPoll:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins the polling loop
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})

	p.logger.Info("Starting poller",
		zap.Duration("tick_interval", p.config.TickInterval),
		zap.Duration("poll_threshold", p.config.PollThreshold))

	go p.pollLoop(runCtx, p.done)
	return nil
}

// Stop cancels the pending tick and any in-flight polls and waits for the
// loop to exit. Stopping a stopped poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	done := p.done
	p.mu.Unlock()

	<-done
	p.logger.Info("Poller stopped")
}

// Running reports whether the loop is active
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollNow(ctx, false)
		}
	}
}

// PollNow runs one cycle and reports whether the store changed. With force
// set every backend is probed regardless of when it was last polled.
func (p *Poller) PollNow(ctx context.Context, force bool) bool {
	return p.cycle(ctx, force, true)
}

func (p *Poller) cycle(ctx context.Context, force, publish bool) bool {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	issued := p.now()
	var due []model.BackendTarget
	for _, t := range p.store.Targets() {
		last, seen := p.lastPoll[t.ID]
		if force || !seen || issued.Sub(last) >= p.config.PollThreshold {
			// Stamped before the result is known so a slow backend is not
			// probed again on the next tick.
			p.lastPoll[t.ID] = issued
			due = append(due, t)
		}
	}

	results := make([]model.Backend, len(due))
	var wg sync.WaitGroup
	for i, t := range due {
		wg.Add(1)
		go func(i int, t model.BackendTarget) {
			defer wg.Done()
			results[i] = p.probe(ctx, t, issued)
		}(i, t)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return false
	}

	changed := false
	for i, t := range due {
		if p.store.MergePolledState(t.ID, results[i]) {
			changed = true
		}
	}
	if reclaimed := p.store.ReclaimStaleSlots(p.config.StaleThreshold); reclaimed > 0 {
		changed = true
	}

	if changed && publish && p.publisher != nil {
		p.publisher.Publish(p.store.Snapshot())
	}
	return changed
}

func (p *Poller) probe(ctx context.Context, target model.BackendTarget, issued time.Time) model.Backend {
	probeCtx, cancel := context.WithTimeout(ctx, p.config.PollTimeout)
	defer cancel()

	view, err := p.prober.Probe(probeCtx, target)
	if err != nil {
		p.logger.Debug("Poll failed",
			zap.String("backend_id", target.ID),
			zap.Error(err))
		view = model.Backend{Online: false}
	} else {
		view.Online = true
	}

	view.ID = target.ID
	view.URL = target.URL
	view.ObservedAt = issued
	return view
}
