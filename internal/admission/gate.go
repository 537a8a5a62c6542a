package admission

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-gate/internal/model"
)

// Config bounds the concurrency of one endpoint
type Config struct {
	MaxSlots          int `mapstructure:"max_slots"`
	ReservedForUrgent int `mapstructure:"reserved_for_urgent"`
}

// Validate checks that non-urgent callers keep at least one slot
func (c Config) Validate() error {
	if c.MaxSlots < 1 {
		return fmt.Errorf("%w: max_slots must be positive, got %d", ErrInvalidConfig, c.MaxSlots)
	}
	if c.ReservedForUrgent < 0 || c.ReservedForUrgent >= c.MaxSlots {
		return fmt.Errorf("%w: reserved_for_urgent must be in [0, %d), got %d",
			ErrInvalidConfig, c.MaxSlots, c.ReservedForUrgent)
	}
	return nil
}

// Stats is a consistent view of the gate counters
type Stats struct {
	MaxSlots          int                         `json:"max_slots"`
	ReservedForUrgent int                         `json:"reserved_for_urgent"`
	Active            int                         `json:"active"`
	ActiveUrgent      int                         `json:"active_urgent"`
	Queued            map[model.PriorityClass]int `json:"queued"`
}

// waiter is a queued admission request
type waiter struct {
	class    model.PriorityClass
	ready    chan struct{}
	admitted bool
}

// Gate is a priority semaphore. Urgent callers may use every slot;
// everyone else is limited to MaxSlots-ReservedForUrgent. Queued requests
// are dispatched urgent first, then normal, then background.
type Gate struct {
	logger       *zap.Logger
	name         string
	mu           sync.Mutex
	config       Config
	active       int
	activeUrgent int
	queues       map[model.PriorityClass]*list.List
}

// NewGate creates a new admission gate
func NewGate(name string, config Config, logger *zap.Logger) (*Gate, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	g := &Gate{
		logger: logger.Named("admission").With(zap.String("endpoint", name)),
		name:   name,
		config: config,
		queues: make(map[model.PriorityClass]*list.List),
	}
	for _, class := range model.PriorityClasses {
		g.queues[class] = list.New()
	}
	return g, nil
}

// Permit is a granted slot. Release must be called exactly once; extra
// calls are ignored.
type Permit struct {
	gate   *Gate
	urgent bool
	once   sync.Once
}

// Urgent reports whether the permit counts against urgent capacity
func (p *Permit) Urgent() bool {
	return p.urgent
}

// Release returns the slot to the gate
func (p *Permit) Release() {
	p.once.Do(func() {
		p.gate.release(p.urgent)
	})
}

// Acquire blocks until a slot is available for class or ctx is done
func (g *Gate) Acquire(ctx context.Context, class model.PriorityClass) (*Permit, error) {
	if _, ok := g.queues[class]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, class)
	}
	urgent := class.IsUrgent()

	g.mu.Lock()
	if g.canAdmit(class) {
		g.admit(class)
		g.mu.Unlock()
		return &Permit{gate: g, urgent: urgent}, nil
	}

	w := &waiter{class: class, ready: make(chan struct{})}
	elem := g.queues[class].PushBack(w)
	queued := g.queues[class].Len()
	g.mu.Unlock()

	g.logger.Debug("Request queued",
		zap.String("priority", string(class)),
		zap.Int("queue_length", queued))

	select {
	case <-w.ready:
		return &Permit{gate: g, urgent: urgent}, nil
	case <-ctx.Done():
		g.mu.Lock()
		if w.admitted {
			// Dispatched concurrently with cancellation: hand the slot on.
			g.mu.Unlock()
			g.release(urgent)
			return nil, ctx.Err()
		}
		g.queues[class].Remove(elem)
		g.mu.Unlock()
		return nil, ctx.Err()
	}
}

// TryAcquire admits class only if a slot is free right now
func (g *Gate) TryAcquire(class model.PriorityClass) (*Permit, bool) {
	if _, ok := g.queues[class]; !ok {
		return nil, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.canAdmit(class) {
		return nil, false
	}
	g.admit(class)
	return &Permit{gate: g, urgent: class.IsUrgent()}, true
}

// Resize changes the gate capacity. Callers already admitted keep their
// slots; the new bounds apply to future admissions.
func (g *Gate) Resize(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.config = config
	g.dispatch()

	g.logger.Info("Gate resized",
		zap.Int("max_slots", config.MaxSlots),
		zap.Int("reserved_for_urgent", config.ReservedForUrgent))
	return nil
}

// Stats returns the current counters
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := Stats{
		MaxSlots:          g.config.MaxSlots,
		ReservedForUrgent: g.config.ReservedForUrgent,
		Active:            g.active,
		ActiveUrgent:      g.activeUrgent,
		Queued:            make(map[model.PriorityClass]int, len(g.queues)),
	}
	for class, q := range g.queues {
		stats.Queued[class] = q.Len()
	}
	return stats
}

func (g *Gate) release(urgent bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active == 0 || (urgent && g.activeUrgent == 0) {
		g.logger.Error("Release without matching acquire", zap.Bool("urgent", urgent))
		return
	}

	g.active--
	if urgent {
		g.activeUrgent--
	}
	g.dispatch()
}

// canAdmit must be called with g.mu held
func (g *Gate) canAdmit(class model.PriorityClass) bool {
	if g.active >= g.config.MaxSlots {
		return false
	}
	if class.IsUrgent() {
		return true
	}
	return g.active-g.activeUrgent < g.config.MaxSlots-g.config.ReservedForUrgent
}

// admit must be called with g.mu held
func (g *Gate) admit(class model.PriorityClass) {
	g.active++
	if class.IsUrgent() {
		g.activeUrgent++
	}
}

// dispatch admits queued requests in priority order while slots are free.
// Must be called with g.mu held.
func (g *Gate) dispatch() {
	for {
		dispatched := false
		for _, class := range model.PriorityClasses {
			q := g.queues[class]
			front := q.Front()
			if front == nil || !g.canAdmit(class) {
				continue
			}

			w := q.Remove(front).(*waiter)
			g.admit(class)
			w.admitted = true
			close(w.ready)
			dispatched = true
			break
		}
		if !dispatched {
			return
		}
	}
}
