package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/fleet-gate/internal/broadcast"
	"github.com/t77yq/fleet-gate/internal/client"
	"github.com/t77yq/fleet-gate/internal/fleet"
	"github.com/t77yq/fleet-gate/internal/model"
	"github.com/t77yq/fleet-gate/internal/poller"
	"github.com/t77yq/fleet-gate/internal/testutil"
)

type stubProber struct {
	mu      sync.Mutex
	offline map[string]bool
	slots   map[string][]model.Slot
}

func (p *stubProber) Probe(ctx context.Context, target model.BackendTarget) (model.Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline[target.ID] {
		return model.Backend{}, assert.AnError
	}
	slots := p.slots[target.ID]
	if slots == nil {
		slots = []model.Slot{{State: model.SlotStateIdle}, {State: model.SlotStateIdle}}
	}
	return model.Backend{Online: true, TotalSlots: len(slots), Slots: append([]model.Slot(nil), slots...)}, nil
}

type stubEndpoints struct {
	mu          sync.Mutex
	concurrency map[string]int
	resets      []string
	onReset     func(id string)
}

func (e *stubEndpoints) SetConcurrency(id string, maxSlots int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id == "unknown" {
		return client.ErrUnknownEndpoint
	}
	e.concurrency[id] = maxSlots
	return nil
}

func (e *stubEndpoints) ResetEndpoint(id string) error {
	e.mu.Lock()
	e.resets = append(e.resets, id)
	onReset := e.onReset
	e.mu.Unlock()
	if onReset != nil {
		onReset(id)
	}
	return nil
}

type recordingListener struct {
	changes []client.CircuitChange
}

func (l *recordingListener) HandleCircuitChange(change client.CircuitChange) {
	l.changes = append(l.changes, change)
}

type stubCompleter struct{}

func (stubCompleter) Complete(ctx context.Context, endpointID string, class model.PriorityClass, req client.ChatRequest) (*client.ChatResponse, error) {
	switch endpointID {
	case "main":
		return &client.ChatResponse{
			Model:   req.Model,
			Choices: []client.ChatChoice{{Message: client.ChatMessage{Role: "assistant", Content: string(class)}}},
		}, nil
	case "helper":
		return nil, &client.CircuitOpenError{Endpoint: endpointID, RetryAfter: time.Second}
	}
	return nil, client.ErrUnknownEndpoint
}

type harness struct {
	svc       *FleetService
	store     *fleet.Store
	prober    *stubProber
	endpoints *stubEndpoints
	listener  *recordingListener
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store := fleet.NewStore(logger)
	store.Register(
		model.BackendTarget{ID: "main", URL: "http://main", DefaultSlots: 2},
		model.BackendTarget{ID: "helper", URL: "http://helper", DefaultSlots: 2},
	)

	prober := &stubProber{offline: map[string]bool{}, slots: map[string][]model.Slot{}}
	b := broadcast.NewBroadcaster(logger)
	p := poller.NewPoller(poller.DefaultConfig(), store, prober, b, logger)
	v := poller.NewVerifier(store, p, b, 0, logger)
	endpoints := &stubEndpoints{concurrency: map[string]int{}}
	listener := &recordingListener{}

	svc := NewFleetService(store, p, v, endpoints, b, logger, listener)
	return &harness{svc: svc, store: store, prober: prober, endpoints: endpoints, listener: listener}
}

func receive(t *testing.T, ch <-chan model.FleetSnapshot) model.FleetSnapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}
	return model.FleetSnapshot{}
}

func TestFleetService_RefreshAndState(t *testing.T) {
	h := newHarness(t)
	h.prober.offline["helper"] = true

	initial := h.svc.GetFleetState()
	require.Len(t, initial.Backends, 2)
	assert.False(t, initial.Backends[0].Online)

	snap := h.svc.Refresh(context.Background())
	primary, _ := snap.Backend("main")
	helper, _ := snap.Backend("helper")
	assert.True(t, primary.Online)
	assert.False(t, helper.Online)
}

func TestFleetService_SetLimits(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.svc.Subscribe(4)
	defer cancel()

	require.NoError(t, h.svc.SetLimits(map[string]int{"main": 1, "helper": 0, "unknown": 3}))

	snap := receive(t, ch)
	primary, _ := snap.Backend("main")
	assert.Equal(t, 1, primary.Limit)
	assert.Equal(t, 1, primary.TotalSlots)
	assert.Len(t, primary.Slots, 1)

	assert.Equal(t, map[string]int{"main": 1}, h.endpoints.concurrency)

	assert.ErrorIs(t, h.svc.SetLimits(map[string]int{"main": -1}), ErrInvalidLimit)
	assert.ErrorIs(t, h.svc.SetLimits(map[string]int{"main": fleet.MaxSlots + 1}), ErrInvalidLimit)
}

func TestFleetService_ActivityFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.Refresh(ctx)

	ch, cancel := h.svc.Subscribe(4)
	defer cancel()

	h.svc.OnPipelineActivity(model.ActivityEvent{BackendID: "main", Kind: model.ActivityStart, CorrelationID: "job-1"})
	snap := receive(t, ch)
	primary, _ := snap.Backend("main")
	assert.Equal(t, 1, primary.BusySlots())
	assert.Equal(t, "job-1", primary.Slots[0].CorrelationID)

	h.svc.OnPipelineActivity(model.ActivityEvent{BackendID: "main", Kind: model.ActivityEnd, CorrelationID: "job-1"})
	snap = receive(t, ch)
	primary, _ = snap.Backend("main")
	assert.Equal(t, 0, primary.BusySlots())

	// Unmatched end events are ignored and publish nothing
	h.svc.OnPipelineActivity(model.ActivityEvent{BackendID: "main", Kind: model.ActivityEnd, CorrelationID: "job-1"})
	select {
	case <-ch:
		t.Fatal("unexpected publish")
	default:
	}
}

func TestFleetService_CircuitChanges(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.svc.Subscribe(4)
	defer cancel()

	change := client.CircuitChange{Endpoint: "main", From: model.CircuitOpen, To: model.CircuitFatal}
	h.svc.HandleCircuitChange(change)

	snap := receive(t, ch)
	primary, _ := snap.Backend("main")
	assert.Equal(t, model.CircuitFatal, primary.Circuit)
	assert.Equal(t, []client.CircuitChange{change}, h.listener.changes)
}

func TestFleetService_VerifyResetsAnsweringBackends(t *testing.T) {
	h := newHarness(t)
	h.endpoints.onReset = func(id string) {
		h.svc.HandleCircuitChange(client.CircuitChange{Endpoint: id, From: model.CircuitFatal, To: model.CircuitClosed})
	}

	h.svc.HandleCircuitChange(client.CircuitChange{Endpoint: "main", From: model.CircuitOpen, To: model.CircuitFatal})
	h.svc.HandleCircuitChange(client.CircuitChange{Endpoint: "helper", From: model.CircuitOpen, To: model.CircuitFatal})
	h.prober.offline["helper"] = true

	snap, err := h.svc.VerifyFleet(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"main"}, h.endpoints.resets)
	primary, _ := snap.Backend("main")
	helper, _ := snap.Backend("helper")
	assert.Equal(t, model.CircuitClosed, primary.Circuit)
	assert.True(t, primary.Online)
	assert.Equal(t, model.CircuitFatal, helper.Circuit)
	assert.False(t, helper.Online)
}

func TestNATSAPI(t *testing.T) {
	_, nc, cleanup := testutil.StartNATS(t)
	defer cleanup()

	h := newHarness(t)
	api := NewNATSAPI(nc, h.svc, &stubCompleter{}, 5*time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, api.Start(ctx))
	defer api.Stop()

	request := func(t *testing.T, subject string, body any) Response {
		t.Helper()
		var data []byte
		if body != nil {
			var err error
			data, err = json.Marshal(body)
			require.NoError(t, err)
		}
		msg, err := nc.Request(subject, data, 5*time.Second)
		require.NoError(t, err)

		var resp Response
		require.NoError(t, json.Unmarshal(msg.Data, &resp))
		return resp
	}

	t.Run("State", func(t *testing.T) {
		resp := request(t, SubjectControlState, nil)
		require.Empty(t, resp.Error)
		require.NotNil(t, resp.Snapshot)
		assert.Len(t, resp.Snapshot.Backends, 2)
	})

	t.Run("Refresh", func(t *testing.T) {
		resp := request(t, SubjectControlRefresh, nil)
		require.NotNil(t, resp.Snapshot)
		for _, b := range resp.Snapshot.Backends {
			assert.True(t, b.Online)
		}
	})

	t.Run("Limits", func(t *testing.T) {
		resp := request(t, SubjectControlLimits, LimitsRequest{Limits: map[string]int{"helper": 1}})
		require.Empty(t, resp.Error)
		helper, _ := resp.Snapshot.Backend("helper")
		assert.Equal(t, 1, helper.TotalSlots)

		resp = request(t, SubjectControlLimits, LimitsRequest{Limits: map[string]int{"helper": -2}})
		assert.Contains(t, resp.Error, "invalid slot limit")
	})

	t.Run("Verify", func(t *testing.T) {
		resp := request(t, SubjectControlVerify, nil)
		require.Empty(t, resp.Error)
		require.NotNil(t, resp.Snapshot)
	})

	t.Run("Activity", func(t *testing.T) {
		require.NoError(t, PublishActivity(nc, model.ActivityEvent{
			BackendID:     "main",
			Kind:          model.ActivityStart,
			CorrelationID: "remote-1",
		}))
		assert.Eventually(t, func() bool {
			primary, _ := h.svc.GetFleetState().Backend("main")
			return primary.BusySlots() == 1
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("Complete", func(t *testing.T) {
		call := func(t *testing.T, req CompleteRequest) CompleteResponse {
			t.Helper()
			data, err := json.Marshal(req)
			require.NoError(t, err)
			msg, err := nc.Request(SubjectCallComplete, data, 5*time.Second)
			require.NoError(t, err)

			var resp CompleteResponse
			require.NoError(t, json.Unmarshal(msg.Data, &resp))
			return resp
		}

		resp := call(t, CompleteRequest{Backend: "main", Priority: "urgent", Request: client.ChatRequest{Model: "lfm2.5"}})
		require.Empty(t, resp.Error)
		require.NotNil(t, resp.Response)
		assert.Equal(t, "urgent", resp.Response.Content())

		resp = call(t, CompleteRequest{Backend: "helper"})
		assert.Equal(t, "circuit_open", resp.Kind)

		resp = call(t, CompleteRequest{Backend: "nowhere"})
		assert.Equal(t, "unknown_endpoint", resp.Kind)

		resp = call(t, CompleteRequest{Backend: "main", Priority: "asap"})
		assert.Equal(t, "invalid", resp.Kind)
	})
}
