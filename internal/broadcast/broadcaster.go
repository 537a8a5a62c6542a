package broadcast

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-gate/internal/model"
)

// ErrObserverDetached is returned by an observer that no longer wants
// snapshots. The broadcaster drops it.
var ErrObserverDetached = errors.New("observer detached")

// Observer receives fleet snapshots
type Observer interface {
	Notify(snapshot model.FleetSnapshot) error
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(snapshot model.FleetSnapshot) error

// Notify implements Observer
func (f ObserverFunc) Notify(snapshot model.FleetSnapshot) error {
	return f(snapshot)
}

type registration struct {
	id       string
	observer Observer
}

// Broadcaster fans fleet snapshots out to observers. A failing observer
// never affects delivery to the others.
type Broadcaster struct {
	logger    *zap.Logger
	publishMu sync.Mutex
	mu        sync.Mutex
	observers []registration
}

// NewBroadcaster creates a broadcaster with no observers
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger.Named("broadcaster"),
	}
}

// Attach registers an observer and returns its id
func (b *Broadcaster) Attach(o Observer) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	b.observers = append(b.observers, registration{id: id, observer: o})
	b.logger.Debug("Observer attached", zap.String("observer_id", id))
	return id
}

// Detach removes an observer. Unknown ids are ignored.
func (b *Broadcaster) Detach(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detachLocked(id)
}

func (b *Broadcaster) detachLocked(id string) {
	for i, r := range b.observers {
		if r.id == id {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			b.logger.Debug("Observer detached", zap.String("observer_id", id))
			return
		}
	}
}

// Len returns the number of attached observers
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Publish delivers snapshot to every observer in attach order. Concurrent
// publishes are serialised so observers see snapshots in order.
func (b *Broadcaster) Publish(snapshot model.FleetSnapshot) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	observers := append([]registration(nil), b.observers...)
	b.mu.Unlock()

	var dropped []string
	for _, r := range observers {
		err := b.deliver(r, cloneSnapshot(snapshot))
		switch {
		case err == nil:
		case errors.Is(err, ErrObserverDetached):
			dropped = append(dropped, r.id)
		default:
			b.logger.Warn("Observer failed",
				zap.String("observer_id", r.id),
				zap.Error(err))
		}
	}

	if len(dropped) > 0 {
		b.mu.Lock()
		for _, id := range dropped {
			b.detachLocked(id)
		}
		b.mu.Unlock()
	}
}

func (b *Broadcaster) deliver(r registration, snapshot model.FleetSnapshot) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("observer panicked: %v", rec)
		}
	}()
	return r.observer.Notify(snapshot)
}

// Subscribe returns a channel carrying the latest snapshots and a cancel
// func. When the reader falls behind, older snapshots are dropped in
// favour of newer ones.
func (b *Broadcaster) Subscribe(buffer int) (<-chan model.FleetSnapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	obs := &channelObserver{ch: make(chan model.FleetSnapshot, buffer)}
	id := b.Attach(obs)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.Detach(id)
			obs.close()
		})
	}
	return obs.ch, cancel
}

type channelObserver struct {
	mu     sync.Mutex
	ch     chan model.FleetSnapshot
	closed bool
}

func (o *channelObserver) Notify(snapshot model.FleetSnapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrObserverDetached
	}
	for {
		select {
		case o.ch <- snapshot:
			return nil
		default:
		}
		// Full: drop the oldest
		select {
		case <-o.ch:
		default:
		}
	}
}

func (o *channelObserver) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

func cloneSnapshot(s model.FleetSnapshot) model.FleetSnapshot {
	out := model.FleetSnapshot{TakenAt: s.TakenAt}
	if s.Backends != nil {
		out.Backends = make([]model.Backend, len(s.Backends))
		for i, b := range s.Backends {
			out.Backends[i] = b.Clone()
		}
	}
	return out
}
