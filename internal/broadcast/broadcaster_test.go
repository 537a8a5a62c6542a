package broadcast

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/fleet-gate/internal/model"
	"github.com/t77yq/fleet-gate/internal/testutil"
)

func snapshot(ids ...string) model.FleetSnapshot {
	snap := model.FleetSnapshot{TakenAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	for _, id := range ids {
		snap.Backends = append(snap.Backends, model.Backend{
			ID:         id,
			Online:     true,
			TotalSlots: 1,
			Slots:      []model.Slot{{State: model.SlotStateIdle}},
		})
	}
	return snap
}

func TestBroadcaster_Publish(t *testing.T) {
	b := NewBroadcaster(zaptest.NewLogger(t))

	var first, second []model.FleetSnapshot
	b.Attach(ObserverFunc(func(s model.FleetSnapshot) error {
		first = append(first, s)
		return nil
	}))
	b.Attach(ObserverFunc(func(s model.FleetSnapshot) error {
		second = append(second, s)
		return nil
	}))

	b.Publish(snapshot("A"))
	b.Publish(snapshot("A", "B"))

	require.Len(t, first, 2)
	require.Len(t, second, 2)
	assert.Len(t, second[1].Backends, 2)
}

func TestBroadcaster_ObserversGetIndependentCopies(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())

	var got model.FleetSnapshot
	b.Attach(ObserverFunc(func(s model.FleetSnapshot) error {
		s.Backends[0].Slots[0].State = model.SlotStateProcessing
		return nil
	}))
	b.Attach(ObserverFunc(func(s model.FleetSnapshot) error {
		got = s
		return nil
	}))

	snap := snapshot("A")
	b.Publish(snap)

	assert.Equal(t, model.SlotStateIdle, got.Backends[0].Slots[0].State)
	assert.Equal(t, model.SlotStateIdle, snap.Backends[0].Slots[0].State)
}

func TestBroadcaster_FailingObservers(t *testing.T) {
	b := NewBroadcaster(zaptest.NewLogger(t))

	healthy := 0
	detachedCalls := 0
	erroringCalls := 0

	b.Attach(ObserverFunc(func(model.FleetSnapshot) error {
		detachedCalls++
		return ErrObserverDetached
	}))
	b.Attach(ObserverFunc(func(model.FleetSnapshot) error {
		panic("boom")
	}))
	b.Attach(ObserverFunc(func(model.FleetSnapshot) error {
		erroringCalls++
		return errors.New("render failed")
	}))
	b.Attach(ObserverFunc(func(model.FleetSnapshot) error {
		healthy++
		return nil
	}))

	b.Publish(snapshot("A"))
	b.Publish(snapshot("A"))

	assert.Equal(t, 2, healthy)
	assert.Equal(t, 1, detachedCalls)
	assert.Equal(t, 2, erroringCalls)
	assert.Equal(t, 3, b.Len())
}

func TestBroadcaster_Subscribe(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())

	ch, cancel := b.Subscribe(1)
	b.Publish(snapshot("A"))
	b.Publish(snapshot("A", "B"))

	// Latest value wins
	select {
	case s := <-ch:
		assert.Len(t, s.Backends, 2)
	default:
		t.Fatal("expected a snapshot")
	}

	cancel()
	cancel()
	assert.Equal(t, 0, b.Len())

	_, ok := <-ch
	assert.False(t, ok)

	b.Publish(snapshot("A"))
}

func TestNATSObserver(t *testing.T) {
	_, nc, cleanup := testutil.StartNATS(t)
	defer cleanup()

	sub, err := nc.SubscribeSync(StateSubject)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	b := NewBroadcaster(zaptest.NewLogger(t))
	b.Attach(NewNATSObserver(nc, "", zaptest.NewLogger(t)))
	b.Publish(snapshot("A", "B"))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var got model.FleetSnapshot
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Len(t, got.Backends, 2)
	assert.Equal(t, "A", got.Backends[0].ID)
	assert.True(t, got.Backends[0].Online)

	nc.Close()
	b.Publish(snapshot("A"))
	assert.Equal(t, 0, b.Len())
}

func TestNATSObserver_DetachesOnClosedConnection(t *testing.T) {
	_, nc, cleanup := testutil.StartNATS(t)
	defer cleanup()
	nc.Close()

	obs := NewNATSObserver(nc, StateSubject, zap.NewNop())
	assert.ErrorIs(t, obs.Notify(snapshot("A")), ErrObserverDetached)
}
