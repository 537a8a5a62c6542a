package admission

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/fleet-gate/internal/model"
)

func newTestGate(t *testing.T, max, reserved int) *Gate {
	t.Helper()
	g, err := NewGate("test", Config{MaxSlots: max, ReservedForUrgent: reserved}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return g
}

func waitQueued(t *testing.T, g *Gate, class model.PriorityClass, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return g.Stats().Queued[class] == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "valid", config: Config{MaxSlots: 4, ReservedForUrgent: 1}},
		{name: "no reservation", config: Config{MaxSlots: 1}},
		{name: "zero slots", config: Config{MaxSlots: 0}, wantErr: true},
		{name: "everything reserved", config: Config{MaxSlots: 2, ReservedForUrgent: 2}, wantErr: true},
		{name: "negative reservation", config: Config{MaxSlots: 2, ReservedForUrgent: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGate_ReservedSlotsInvisibleToNonUrgent(t *testing.T) {
	g := newTestGate(t, 4, 1)

	var permits []*Permit
	for i := 0; i < 3; i++ {
		p, ok := g.TryAcquire(model.PriorityNormal)
		require.True(t, ok)
		permits = append(permits, p)
	}

	_, ok := g.TryAcquire(model.PriorityBackground)
	assert.False(t, ok, "reserved slot must stay invisible to non-urgent callers")

	urgent, ok := g.TryAcquire(model.PriorityUrgent)
	require.True(t, ok)
	assert.True(t, urgent.Urgent())

	_, ok = g.TryAcquire(model.PriorityUrgent)
	assert.False(t, ok)

	stats := g.Stats()
	assert.Equal(t, 4, stats.Active)
	assert.Equal(t, 1, stats.ActiveUrgent)

	for _, p := range permits {
		p.Release()
	}
	urgent.Release()
	urgent.Release()
	assert.Equal(t, 0, g.Stats().Active)
}

func TestGate_UrgentDispatchedBeforeQueuedBackground(t *testing.T) {
	g := newTestGate(t, 4, 1)
	ctx := context.Background()

	var held []*Permit
	for i := 0; i < 3; i++ {
		p, err := g.Acquire(ctx, model.PriorityNormal)
		require.NoError(t, err)
		held = append(held, p)
	}
	p, err := g.Acquire(ctx, model.PriorityUrgent)
	require.NoError(t, err)
	held = append(held, p)

	admitted := make(chan model.PriorityClass, 4)
	acquire := func(class model.PriorityClass) {
		p, err := g.Acquire(ctx, class)
		if err != nil {
			return
		}
		admitted <- class
		t.Cleanup(p.Release)
	}

	for i := 0; i < 3; i++ {
		go acquire(model.PriorityBackground)
	}
	waitQueued(t, g, model.PriorityBackground, 3)

	go acquire(model.PriorityUrgent)
	waitQueued(t, g, model.PriorityUrgent, 1)

	held[0].Release()

	select {
	case class := <-admitted:
		assert.Equal(t, model.PriorityUrgent, class)
	case <-time.After(2 * time.Second):
		t.Fatal("no request dispatched after release")
	}

	stats := g.Stats()
	assert.Equal(t, 3, stats.Queued[model.PriorityBackground])
	assert.Equal(t, 0, stats.Queued[model.PriorityUrgent])
	assert.Equal(t, 4, stats.Active)
	assert.Equal(t, 2, stats.ActiveUrgent)

	// Releasing a normal slot lets the oldest background request in.
	held[1].Release()
	select {
	case class := <-admitted:
		assert.Equal(t, model.PriorityBackground, class)
	case <-time.After(2 * time.Second):
		t.Fatal("background request not dispatched")
	}
}

func TestGate_NormalBeforeBackground(t *testing.T) {
	g := newTestGate(t, 1, 0)
	ctx := context.Background()

	p, err := g.Acquire(ctx, model.PriorityNormal)
	require.NoError(t, err)

	order := make(chan model.PriorityClass, 2)
	for _, class := range []model.PriorityClass{model.PriorityBackground, model.PriorityNormal} {
		class := class
		go func() {
			p, err := g.Acquire(ctx, class)
			if err != nil {
				return
			}
			order <- class
			p.Release()
		}()
		waitQueued(t, g, class, 1)
	}

	p.Release()
	assert.Equal(t, model.PriorityNormal, <-order)
	assert.Equal(t, model.PriorityBackground, <-order)
}

func TestGate_AcquireCancelled(t *testing.T) {
	g := newTestGate(t, 1, 0)

	p, err := g.Acquire(context.Background(), model.PriorityNormal)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = g.Acquire(ctx, model.PriorityBackground)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, g.Stats().Queued[model.PriorityBackground])

	p.Release()
	assert.Equal(t, 0, g.Stats().Active)
}

func TestGate_InvalidPriority(t *testing.T) {
	g := newTestGate(t, 1, 0)

	_, err := g.Acquire(context.Background(), "critical")
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

func TestGate_Resize(t *testing.T) {
	g := newTestGate(t, 1, 0)
	ctx := context.Background()

	p, err := g.Acquire(ctx, model.PriorityNormal)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		p, err := g.Acquire(ctx, model.PriorityNormal)
		if err == nil {
			p.Release()
		}
		close(done)
	}()
	waitQueued(t, g, model.PriorityNormal, 1)

	require.NoError(t, g.Resize(Config{MaxSlots: 2}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queued request not admitted after resize")
	}
	p.Release()

	assert.ErrorIs(t, g.Resize(Config{MaxSlots: 0}), ErrInvalidConfig)
}

func TestGate_AdmissionInvariantUnderConcurrency(t *testing.T) {
	const (
		maxSlots = 4
		reserved = 1
		workers  = 32
		rounds   = 50
	)
	g := newTestGate(t, maxSlots, reserved)
	ctx := context.Background()

	var violations sync.Map
	check := func() {
		s := g.Stats()
		if s.ActiveUrgent > maxSlots || s.Active-s.ActiveUrgent > maxSlots-reserved || s.Active > maxSlots {
			violations.Store(s.Active*100+s.ActiveUrgent, s)
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < rounds; i++ {
				class := model.PriorityClasses[r.Intn(len(model.PriorityClasses))]
				p, err := g.Acquire(ctx, class)
				if err != nil {
					t.Errorf("acquire failed: %v", err)
					return
				}
				check()
				if r.Intn(2) == 0 {
					time.Sleep(time.Duration(r.Intn(200)) * time.Microsecond)
				}
				p.Release()
				check()
			}
		}(int64(w))
	}
	wg.Wait()

	violations.Range(func(_, v any) bool {
		t.Errorf("invariant violated: %+v", v)
		return true
	})

	stats := g.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.ActiveUrgent)
}
