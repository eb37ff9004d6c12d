// Package dispatch owns the pipeline's execution loop: it polls the task
// store on a fixed tick, leases eligible tasks, runs their handlers on worker
// goroutines and interprets the outcomes into state transitions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/cifixer/internal/events"
	"git.home.luguber.info/inful/cifixer/internal/logfields"
	"git.home.luguber.info/inful/cifixer/internal/metrics"
	"git.home.luguber.info/inful/cifixer/internal/pipeline"
	"git.home.luguber.info/inful/cifixer/internal/retry"
	"git.home.luguber.info/inful/cifixer/internal/store"
	"git.home.luguber.info/inful/cifixer/internal/taskerr"
)

// Options tunes the dispatcher loop.
type Options struct {
	PollInterval  time.Duration
	LeaseTimeout  time.Duration
	MaxConcurrent int // per stage kind
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 15 * time.Minute
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 5
	}
}

// Dispatcher drives the pipeline. One instance runs per process; the store's
// lease transaction is what makes even accidental doubles safe.
type Dispatcher struct {
	store     *store.Store
	registry  *pipeline.Registry
	policy    retry.Policy
	recorder  metrics.Recorder
	publisher events.Publisher
	opts      Options

	scheduler gocron.Scheduler
	active    map[pipeline.Kind]*atomic.Int32
	wg        sync.WaitGroup
}

// New creates a dispatcher. recorder and publisher may be their noop
// implementations.
func New(st *store.Store, reg *pipeline.Registry, policy retry.Policy, recorder metrics.Recorder, publisher events.Publisher, opts Options) (*Dispatcher, error) {
	opts.applyDefaults()
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	active := make(map[pipeline.Kind]*atomic.Int32, len(pipeline.Kinds))
	for _, kind := range pipeline.Kinds {
		active[kind] = &atomic.Int32{}
	}

	return &Dispatcher{
		store:     st,
		registry:  reg,
		policy:    policy,
		recorder:  recorder,
		publisher: publisher,
		opts:      opts,
		scheduler: scheduler,
		active:    active,
	}, nil
}

// Start schedules the tick and reap jobs and begins dispatching. Singleton
// mode skips a tick that would overlap a still-running predecessor.
func (d *Dispatcher) Start(ctx context.Context) error {
	_, err := d.scheduler.NewJob(
		gocron.DurationJob(d.opts.PollInterval),
		gocron.NewTask(d.Tick, ctx),
		gocron.WithName("dispatch-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}

	_, err = d.scheduler.NewJob(
		gocron.DurationJob(d.opts.LeaseTimeout/2),
		gocron.NewTask(d.reap, ctx),
		gocron.WithName("lease-reaper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}

	d.scheduler.Start()
	slog.Info("dispatcher started",
		slog.Duration("poll_interval", d.opts.PollInterval),
		slog.Duration("lease_timeout", d.opts.LeaseTimeout),
		slog.Int("max_concurrent", d.opts.MaxConcurrent))
	return nil
}

// Stop shuts the scheduler down and waits for in-flight workers.
func (d *Dispatcher) Stop() error {
	err := d.scheduler.Shutdown()
	d.wg.Wait()
	return err
}

// Tick leases as many eligible tasks as concurrency budgets allow and spawns
// a worker per lease. Exported so tests can drive the loop synchronously.
func (d *Dispatcher) Tick(ctx context.Context) {
	for _, kind := range pipeline.Kinds {
		counter := d.active[kind]
		for counter.Load() < int32(d.opts.MaxConcurrent) {
			task, err := d.store.LeaseNext(kind, d.opts.LeaseTimeout)
			if err != nil {
				slog.Error("lease failed", logfields.Stage(string(kind)), logfields.Error(err))
				break
			}
			if task == nil {
				break
			}
			d.recorder.IncTaskLeased(string(kind))
			counter.Add(1)
			d.recorder.SetActiveWorkers(string(kind), int(counter.Load()))
			d.wg.Add(1)
			go func(task *pipeline.Task) {
				defer d.wg.Done()
				defer func() {
					counter.Add(-1)
					d.recorder.SetActiveWorkers(string(kind), int(counter.Load()))
				}()
				d.runTask(ctx, task)
			}(task)
		}
	}
	d.observeQueueDepth()
}

// WaitIdle blocks until every spawned worker has returned. Test hook.
func (d *Dispatcher) WaitIdle() { d.wg.Wait() }

func (d *Dispatcher) observeQueueDepth() {
	_, byKind, err := d.store.QueueCounts()
	if err != nil {
		return
	}
	for _, kind := range pipeline.Kinds {
		d.recorder.SetQueueDepth(string(kind), byKind[kind])
	}
}

// runTask executes one leased task end to end.
func (d *Dispatcher) runTask(ctx context.Context, task *pipeline.Task) {
	correlationID := fmt.Sprintf("orch-%d-%d-%d", task.BuildID, task.ID, time.Now().UnixMilli())
	logger := slog.With(
		logfields.CorrelationID(correlationID),
		logfields.BuildID(task.BuildID),
		logfields.TaskID(task.ID),
		logfields.Stage(string(task.Kind)),
		logfields.Attempt(task.Attempt),
	)

	handler, ok := d.registry.Get(task.Kind)
	if !ok {
		logger.Error("no handler registered for kind")
		d.finishFailed(logger, task, "no handler registered for kind "+string(task.Kind))
		return
	}

	logger.Info("task started")
	start := time.Now()
	outcome := d.invoke(ctx, handler, task)
	duration := time.Since(start)
	d.recorder.ObserveStageDuration(string(task.Kind), duration)

	switch outcome.Status {
	case pipeline.OutcomeCompleted:
		d.finishCompleted(logger, task, outcome)
	case pipeline.OutcomeRetry:
		d.finishRetry(logger, task, outcome)
	case pipeline.OutcomeFailed:
		logger.Warn("task failed terminally", slog.String("reason", outcome.Message))
		d.finishFailed(logger, task, outcome.Message)
	default:
		logger.Error("handler returned unknown outcome status", logfields.Status(string(outcome.Status)))
		d.finishFailed(logger, task, "unknown outcome status")
	}
	logger.Info("task finished",
		logfields.Status(string(outcome.Status)),
		logfields.DurationMS(float64(duration.Milliseconds())))
}

// invoke runs the handler with panic containment. A panicking handler yields
// an internal-error retry outcome, so one bad payload cannot take the
// dispatcher down.
func (d *Dispatcher) invoke(ctx context.Context, handler pipeline.Handler, task *pipeline.Task) (outcome pipeline.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panicked",
				logfields.TaskID(task.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			outcome = pipeline.Retry(
				fmt.Sprintf("handler panicked: %v", r),
				taskerr.Internalf("dispatch.invoke", "panic in %s handler: %v", task.Kind, r))
		}
	}()
	return handler(ctx, task, task.Payload)
}

func (d *Dispatcher) finishCompleted(logger *slog.Logger, task *pipeline.Task, outcome pipeline.Outcome) {
	if err := d.store.UpdateStatus(task.ID, task.LeaseGeneration, pipeline.TaskCompleted, ""); err != nil {
		d.logStateError(logger, "completing task", err)
		return
	}
	d.recorder.IncTaskResult(string(task.Kind), metrics.ResultCompleted)
	d.publisher.Publish(events.Event{
		Type: "task.completed", BuildID: task.BuildID, TaskID: task.ID,
		Kind: string(task.Kind), Attempt: task.Attempt, Message: outcome.Message,
	})

	successor, ok := pipeline.Successor(task.Kind)
	if !ok {
		if changed, err := d.store.UpdateBuildStatus(task.BuildID, pipeline.BuildCompleted); err != nil {
			logger.Error("completing build failed", logfields.Error(err))
		} else if changed {
			logger.Info("build completed")
			d.recorder.IncBuildOutcome(string(pipeline.BuildCompleted))
			d.publisher.Publish(events.Event{Type: "build.completed", BuildID: task.BuildID})
		}
		return
	}

	next := pipeline.NextPayload(task.Payload, outcome.Metadata)
	if _, err := d.store.Enqueue(task.BuildID, successor, next, task.MaxAttempts); err != nil {
		logger.Error("enqueueing successor failed",
			logfields.Stage(string(successor)), logfields.Error(err))
		return
	}
	logger.Info("successor enqueued", logfields.Stage(string(successor)))
}

func (d *Dispatcher) finishRetry(logger *slog.Logger, task *pipeline.Task, outcome pipeline.Outcome) {
	decision := d.policy.Classify(task.Attempt, task.MaxAttempts, outcome.Err)
	if !decision.Retry {
		logger.Warn("retries exhausted or error not retryable",
			slog.String("reason", outcome.Message),
			slog.String("error_kind", string(taskerr.KindOf(outcome.Err))))
		d.finishFailed(logger, task, outcome.Message)
		return
	}

	if err := d.store.ScheduleRetry(task.ID, task.LeaseGeneration, decision.Delay, outcome.Message); err != nil {
		d.logStateError(logger, "scheduling retry", err)
		return
	}
	// The next attempt sees why this one failed; the patch stage feeds it
	// back into the prompt.
	next := task.Payload.Clone()
	next[pipeline.KeyPreviousFailure] = outcome.Message
	if err := d.store.SetPayload(task.ID, next); err != nil {
		logger.Error("injecting previous failure reason failed", logfields.Error(err))
	}

	d.recorder.IncTaskResult(string(task.Kind), metrics.ResultRetried)
	d.publisher.Publish(events.Event{
		Type: "task.retried", BuildID: task.BuildID, TaskID: task.ID,
		Kind: string(task.Kind), Attempt: task.Attempt, Message: outcome.Message,
	})
	logger.Info("task scheduled for retry", slog.Duration("delay", decision.Delay))
}

func (d *Dispatcher) finishFailed(logger *slog.Logger, task *pipeline.Task, reason string) {
	if err := d.store.UpdateStatus(task.ID, task.LeaseGeneration, pipeline.TaskFailed, reason); err != nil {
		d.logStateError(logger, "failing task", err)
		return
	}
	d.recorder.IncTaskResult(string(task.Kind), metrics.ResultFailed)
	d.publisher.Publish(events.Event{
		Type: "task.failed", BuildID: task.BuildID, TaskID: task.ID,
		Kind: string(task.Kind), Attempt: task.Attempt, Message: reason,
	})
	d.failBuild(logger, task, reason)
}

// failBuild marks the build failed and, when the failure happened before the
// notify stage, enqueues a failure notification so stakeholders always hear
// about builds that could not be fixed.
func (d *Dispatcher) failBuild(logger *slog.Logger, task *pipeline.Task, reason string) {
	changed, err := d.store.UpdateBuildStatus(task.BuildID, pipeline.BuildFailed)
	if err != nil {
		logger.Error("failing build failed", logfields.Error(err))
		return
	}
	if !changed {
		return
	}
	logger.Warn("build failed", slog.String("reason", reason))
	d.recorder.IncBuildOutcome(string(pipeline.BuildFailed))
	d.publisher.Publish(events.Event{Type: "build.failed", BuildID: task.BuildID, Message: reason})

	if task.Kind == pipeline.KindNotify {
		return // the notification itself failed; nothing more to send
	}

	payload := pipeline.NextPayload(task.Payload, pipeline.Payload{
		pipeline.KeyNotificationType: string(pipeline.NotificationFailure),
		pipeline.KeyFailedStage:      string(task.Kind),
		pipeline.KeyFailureReason:    reason,
	})
	if _, err := d.store.Enqueue(task.BuildID, pipeline.KindNotify, payload, task.MaxAttempts); err != nil {
		logger.Error("enqueueing failure notification failed", logfields.Error(err))
	}
}

func (d *Dispatcher) logStateError(logger *slog.Logger, op string, err error) {
	if errors.Is(err, store.ErrStaleLease) {
		// Another worker holds a newer lease; our result is void.
		logger.Warn(op+" dropped, lease superseded", logfields.Error(err))
		return
	}
	logger.Error(op+" failed", logfields.Error(err))
}

// reap fails tasks whose lease expired with no attempts left and fails their
// builds, so crashes during a final attempt cannot strand a build in
// processing forever.
func (d *Dispatcher) reap(ctx context.Context) {
	_ = ctx
	tasks, err := d.store.ReapExhaustedLeases(d.opts.LeaseTimeout)
	if err != nil {
		slog.Error("lease reap failed", logfields.Error(err))
		return
	}
	for _, task := range tasks {
		logger := slog.With(logfields.BuildID(task.BuildID), logfields.TaskID(task.ID), logfields.Stage(string(task.Kind)))
		logger.Warn("reaped expired lease with exhausted budget")
		d.recorder.IncTaskResult(string(task.Kind), metrics.ResultFailed)
		d.failBuild(logger, task, "lease expired with no attempts left")
	}
}
