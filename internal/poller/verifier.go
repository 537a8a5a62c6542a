package poller

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-gate/internal/fleet"
	"github.com/t77yq/fleet-gate/internal/model"
)

// DefaultVerifyDelay gives UI observers time to render the testing state
const DefaultVerifyDelay = 800 * time.Millisecond

// Verifier runs a user-triggered health check of the whole fleet
type Verifier struct {
	logger    *zap.Logger
	store     *fleet.Store
	poller    *Poller
	publisher Publisher
	delay     time.Duration
	running   atomic.Bool
}

// NewVerifier creates a verifier
func NewVerifier(store *fleet.Store, poller *Poller, publisher Publisher, delay time.Duration, logger *zap.Logger) *Verifier {
	if delay < 0 {
		delay = DefaultVerifyDelay
	}
	return &Verifier{
		logger:    logger.Named("verifier"),
		store:     store,
		poller:    poller,
		publisher: publisher,
		delay:     delay,
	}
}

// Verify marks every slot as testing, publishes, waits, force-polls every
// backend, publishes again and returns the resulting snapshot.
func (v *Verifier) Verify(ctx context.Context) (model.FleetSnapshot, error) {
	if !v.running.CompareAndSwap(false, true) {
		return model.FleetSnapshot{}, ErrVerifyInProgress
	}
	defer v.running.Store(false)

	v.logger.Info("Verifying fleet health")

	v.store.ForceTestingState()
	v.publish(v.store.Snapshot())

	timer := time.NewTimer(v.delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return model.FleetSnapshot{}, fmt.Errorf("verification interrupted: %w", ctx.Err())
	case <-timer.C:
	}

	v.poller.cycle(ctx, true, false)
	if err := ctx.Err(); err != nil {
		return model.FleetSnapshot{}, fmt.Errorf("verification interrupted: %w", err)
	}

	snap := v.store.Snapshot()
	v.publish(snap)

	online := 0
	for _, b := range snap.Backends {
		if b.Online {
			online++
		}
	}
	v.logger.Info("Fleet verified",
		zap.Int("backends", len(snap.Backends)),
		zap.Int("online", online))

	return snap, nil
}

func (v *Verifier) publish(snap model.FleetSnapshot) {
	if v.publisher != nil {
		v.publisher.Publish(snap)
	}
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// VerifyFunc runs one verification
type VerifyFunc func(ctx context.Context) (model.FleetSnapshot, error)

// VerifySchedule runs a verification on a cron expression (with seconds).
// An empty expression disables it.
type VerifySchedule struct {
	logger     *zap.Logger
	cron       *cron.Cron
	expression string
	verify     VerifyFunc
	timeout    time.Duration
}

// NewVerifySchedule validates the expression and creates the schedule
func NewVerifySchedule(expression string, verify VerifyFunc, timeout time.Duration, logger *zap.Logger) (*VerifySchedule, error) {
	logger = logger.Named("verify-schedule")
	if expression != "" {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(expression); err != nil {
			return nil, fmt.Errorf("invalid verify schedule %q: %w", expression, err)
		}
	}

	cl := &cronLogger{logger: logger.Named("cron")}
	return &VerifySchedule{
		logger: logger,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		expression: expression,
		verify:     verify,
		timeout:    timeout,
	}, nil
}

// Start registers the job and starts the cron runner
func (s *VerifySchedule) Start(ctx context.Context) error {
	if s.expression == "" {
		s.logger.Info("Scheduled verification disabled")
		return nil
	}

	if _, err := s.cron.AddJob(s.expression, &verifyJob{ctx: ctx, schedule: s}); err != nil {
		return fmt.Errorf("failed to add verify job: %w", err)
	}
	s.cron.Start()

	s.logger.Info("Scheduled verification enabled", zap.String("expression", s.expression))
	return nil
}

// Stop stops the cron runner and waits for a running verification
func (s *VerifySchedule) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// verifyJob implements cron.Job
type verifyJob struct {
	ctx      context.Context
	schedule *VerifySchedule
}

// Run implements cron.Job
func (j *verifyJob) Run() {
	ctx := j.ctx
	if j.schedule.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.schedule.timeout)
		defer cancel()
	}

	snap, err := j.schedule.verify(ctx)
	if err != nil {
		j.schedule.logger.Warn("Scheduled verification failed", zap.Error(err))
		return
	}
	j.schedule.logger.Info("Scheduled verification finished",
		zap.Int("backends", len(snap.Backends)),
		zap.Time("taken_at", snap.TakenAt))
}
