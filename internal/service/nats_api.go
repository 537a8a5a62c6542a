package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-gate/internal/client"
	"github.com/t77yq/fleet-gate/internal/model"
)

const (
	SubjectControlState   = "fleet.control.state"
	SubjectControlRefresh = "fleet.control.refresh"
	SubjectControlVerify  = "fleet.control.verify"
	SubjectControlLimits  = "fleet.control.limits"
	SubjectActivity       = "fleet.activity"
	SubjectCallComplete   = "fleet.call.complete"

	defaultRequestTimeout = 10 * time.Second
)

// Response is the reply to every control request
type Response struct {
	Snapshot *model.FleetSnapshot `json:"snapshot,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Completer performs prioritised chat completions
type Completer interface {
	Complete(ctx context.Context, endpointID string, class model.PriorityClass, req client.ChatRequest) (*client.ChatResponse, error)
}

// CompleteRequest is the body of a completion request
type CompleteRequest struct {
	Backend  string             `json:"backend"`
	Priority string             `json:"priority,omitempty"`
	Request  client.ChatRequest `json:"request"`
}

// CompleteResponse is the reply to a completion request
type CompleteResponse struct {
	Response *client.ChatResponse `json:"response,omitempty"`
	Error    string               `json:"error,omitempty"`
	Kind     string               `json:"kind,omitempty"`
}

// LimitsRequest is the body of a limits request
type LimitsRequest struct {
	Limits map[string]int `json:"limits"`
}

// NATSAPI exposes the fleet service over NATS request/reply and ingests
// pipeline activity events
type NATSAPI struct {
	logger    *zap.Logger
	nc        *nats.Conn
	svc       *FleetService
	completer Completer
	timeout   time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSAPI creates the API. timeout bounds refresh and verify requests.
// Completion requests are served only when completer is not nil.
func NewNATSAPI(nc *nats.Conn, svc *FleetService, completer Completer, timeout time.Duration, logger *zap.Logger) *NATSAPI {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &NATSAPI{
		logger:    logger.Named("nats-api"),
		nc:        nc,
		svc:       svc,
		completer: completer,
		timeout:   timeout,
	}
}

// Start subscribes to the control and activity subjects. Subscriptions end
// when ctx is done or Stop is called.
func (a *NATSAPI) Start(ctx context.Context) error {
	handlers := map[string]nats.MsgHandler{
		SubjectControlState:   a.handleState,
		SubjectControlRefresh: a.withContext(ctx, a.handleRefresh),
		SubjectControlVerify:  a.withContext(ctx, a.handleVerify),
		SubjectControlLimits:  a.handleLimits,
		SubjectActivity:       a.handleActivity,
	}
	if a.completer != nil {
		// Handlers of one subscription run serially; completions queue in
		// the admission gate instead.
		handlers[SubjectCallComplete] = func(msg *nats.Msg) {
			go a.handleComplete(ctx, msg)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for subject, handler := range handlers {
		sub, err := a.nc.Subscribe(subject, handler)
		if err != nil {
			a.unsubscribeLocked()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		a.subs = append(a.subs, sub)
	}
	if err := a.nc.Flush(); err != nil {
		a.unsubscribeLocked()
		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}

	go func() {
		<-ctx.Done()
		a.Stop()
	}()

	a.logger.Info("NATS API started")
	return nil
}

// Stop removes every subscription
func (a *NATSAPI) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unsubscribeLocked()
}

func (a *NATSAPI) unsubscribeLocked() {
	for _, sub := range a.subs {
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			a.logger.Debug("Failed to unsubscribe",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}
	}
	a.subs = nil
}

func (a *NATSAPI) withContext(ctx context.Context, fn func(context.Context, *nats.Msg)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		fn(reqCtx, msg)
	}
}

func (a *NATSAPI) handleState(msg *nats.Msg) {
	snap := a.svc.GetFleetState()
	a.reply(msg, Response{Snapshot: &snap})
}

func (a *NATSAPI) handleRefresh(ctx context.Context, msg *nats.Msg) {
	snap := a.svc.Refresh(ctx)
	a.reply(msg, Response{Snapshot: &snap})
}

func (a *NATSAPI) handleVerify(ctx context.Context, msg *nats.Msg) {
	snap, err := a.svc.VerifyFleet(ctx)
	if err != nil {
		a.reply(msg, Response{Error: err.Error()})
		return
	}
	a.reply(msg, Response{Snapshot: &snap})
}

func (a *NATSAPI) handleLimits(msg *nats.Msg) {
	var req LimitsRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.reply(msg, Response{Error: fmt.Sprintf("invalid limits request: %v", err)})
		return
	}

	if err := a.svc.SetLimits(req.Limits); err != nil {
		a.reply(msg, Response{Error: err.Error()})
		return
	}
	snap := a.svc.GetFleetState()
	a.reply(msg, Response{Snapshot: &snap})
}

func (a *NATSAPI) handleActivity(msg *nats.Msg) {
	var ev model.ActivityEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		a.logger.Error("Failed to unmarshal activity event", zap.Error(err))
		return
	}
	a.svc.OnPipelineActivity(ev)
}

func (a *NATSAPI) handleComplete(ctx context.Context, msg *nats.Msg) {
	var req CompleteRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.reply(msg, CompleteResponse{Error: fmt.Sprintf("invalid completion request: %v", err), Kind: "invalid"})
		return
	}
	class, err := model.ParsePriorityClass(req.Priority)
	if err != nil {
		a.reply(msg, CompleteResponse{Error: err.Error(), Kind: "invalid"})
		return
	}

	resp, err := a.completer.Complete(ctx, req.Backend, class, req.Request)
	if err != nil {
		a.reply(msg, CompleteResponse{Error: err.Error(), Kind: errorKind(err)})
		return
	}
	a.reply(msg, CompleteResponse{Response: resp})
}

// errorKind names the error class so remote callers can decide whether to
// retry later
func errorKind(err error) string {
	var (
		transient *client.TransientNetworkError
		rejection *client.ClientRejectionError
		open      *client.CircuitOpenError
		fatal     *client.FatalEndpointError
	)
	switch {
	case errors.As(err, &fatal):
		return "fatal"
	case errors.As(err, &open):
		return "circuit_open"
	case errors.As(err, &rejection):
		return "rejected"
	case errors.As(err, &transient):
		return "transient"
	case errors.Is(err, client.ErrUnknownEndpoint):
		return "unknown_endpoint"
	}
	return "error"
}

func (a *NATSAPI) reply(msg *nats.Msg, resp any) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		a.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		a.logger.Error("Failed to send response",
			zap.String("subject", msg.Subject),
			zap.Error(err))
	}
}

// PublishActivity sends an activity event to a fleet service over NATS
func PublishActivity(nc *nats.Conn, ev model.ActivityEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal activity event: %w", err)
	}
	if err := nc.Publish(SubjectActivity, data); err != nil {
		return fmt.Errorf("failed to publish activity event: %w", err)
	}
	return nil
}
