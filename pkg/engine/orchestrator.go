package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// Orchestrator defaults.
const (
	DefaultAwaitTimeout            = 30 * time.Minute
	DefaultBuildTimeout            = 360 * time.Second
	DefaultProvisionTimeout        = 10 * time.Minute
	DefaultDispatchTimeout         = 2 * time.Minute
	DefaultMaxConcurrentProvisions = 10

	persistTimeout = 10 * time.Second
)

// ErrShuttingDown is returned by operations invoked after Shutdown.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Config holds orchestrator settings.
type Config struct {
	// AwaitTimeout bounds how long a parked instance waits for its signal.
	AwaitTimeout time.Duration

	// BuildTimeout is passed to the worker for its own build step.
	BuildTimeout time.Duration

	// ProvisionTimeout bounds a single Provision call.
	ProvisionTimeout time.Duration

	// DispatchTimeout bounds a single Dispatch call.
	DispatchTimeout time.Duration

	// CleanupTimeout bounds a single cleanup run.
	CleanupTimeout time.Duration

	// MaxConcurrentProvisions limits how many workers are provisioned at once.
	MaxConcurrentProvisions int64

	// CallbackURL is the completion endpoint workers are told to call.
	CallbackURL string

	Retry RetryPolicy
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		AwaitTimeout:            DefaultAwaitTimeout,
		BuildTimeout:            DefaultBuildTimeout,
		ProvisionTimeout:        DefaultProvisionTimeout,
		DispatchTimeout:         DefaultDispatchTimeout,
		CleanupTimeout:          DefaultCleanupTimeout,
		MaxConcurrentProvisions: DefaultMaxConcurrentProvisions,
		Retry:                   DefaultRetryPolicy(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = d.AwaitTimeout
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = d.BuildTimeout
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = d.ProvisionTimeout
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = d.CleanupTimeout
	}
	if c.MaxConcurrentProvisions <= 0 {
		c.MaxConcurrentProvisions = d.MaxConcurrentProvisions
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Options wires the orchestrator to its collaborators. Workers and
// Dispatcher are required; everything else is optional.
type Options struct {
	Config     Config
	Workers    WorkerManager
	Dispatcher Dispatcher
	Store      StateStore
	Publisher  EventPublisher
	Policy     AdmissionPolicy
	Observer   Observer
	Clock      Clock
	Logger     zerolog.Logger
	Tracer     trace.Tracer
}

// run is the live state of one instance.
type run struct {
	mu   sync.Mutex
	inst *WorkflowInstance

	// ctx governs provisioning, dispatch and backoff for the instance.
	ctx    context.Context
	cancel context.CancelFunc

	timer           Timer
	cancelRequested bool
	done            chan struct{}
}

// Orchestrator drives build workflow instances from acceptance to cleanup.
type Orchestrator struct {
	cfg        Config
	workers    WorkerManager
	dispatcher Dispatcher
	store      StateStore
	publisher  EventPublisher
	policy     AdmissionPolicy
	observer   Observer
	clock      Clock
	logger     zerolog.Logger
	tracer     trace.Tracer
	cleaner    *CleanupExecutor

	tokens *tokenTable
	sem    *semaphore.Weighted

	baseCtx    context.Context
	cancelBase context.CancelFunc

	// mu protects active and closed.
	mu     sync.RWMutex
	active map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Workers == nil {
		return nil, NewValidationError("worker manager is required", nil)
	}
	if opts.Dispatcher == nil {
		return nil, NewValidationError("dispatcher is required", nil)
	}

	cfg := opts.Config.withDefaults()
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/openfroyo/modulefactory/pkg/engine")
	}
	logger := opts.Logger.With().Str("component", "orchestrator").Logger()

	cleaner := NewCleanupExecutor(opts.Workers, cfg.CleanupTimeout, opts.Logger)
	cleaner.clock = clock

	baseCtx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		cfg:        cfg,
		workers:    opts.Workers,
		dispatcher: opts.Dispatcher,
		store:      opts.Store,
		publisher:  opts.Publisher,
		policy:     opts.Policy,
		observer:   observer,
		clock:      clock,
		logger:     logger,
		tracer:     tracer,
		cleaner:    cleaner,
		tokens:     newTokenTable(0),
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentProvisions),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		active:     make(map[string]*run),
	}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Start accepts a build request and returns the pending instance. It does
// not wait for provisioning or dispatch.
func (o *Orchestrator) Start(ctx context.Context, req BuildRequest) (*WorkflowInstance, error) {
	if o.isClosed() {
		return nil, ErrShuttingDown
	}
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if o.policy != nil {
		if err := o.policy.Admit(ctx, req); err != nil {
			var engineErr *EngineError
			if errors.As(err, &engineErr) {
				return nil, err
			}
			return nil, NewPolicyDeniedError("build request denied by admission policy", err)
		}
	}

	now := o.clock.Now()
	id := uuid.New().String()
	inst := &WorkflowInstance{
		ID:        id,
		Token:     o.tokens.mint(id),
		State:     StatePending,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if o.store != nil {
		if err := o.store.SaveInstance(ctx, inst); err != nil {
			o.tokens.revoke(inst.Token)
			return nil, fmt.Errorf("failed to save instance: %w", err)
		}
	}

	snapshot := inst.clone()
	runCtx, cancel := context.WithCancel(o.baseCtx)
	r := &run{
		inst:   inst,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		o.tokens.revoke(inst.Token)
		return nil, ErrShuttingDown
	}
	o.active[id] = r
	o.wg.Add(1)
	o.mu.Unlock()

	o.observer.InstanceStarted()
	o.emit(snapshot, EventTypeInstanceAccepted, EventLevelInfo, "Build request accepted", map[string]interface{}{
		"image_id":       req.Target.ImageID,
		"architecture":   req.Target.Architecture,
		"kernel_version": req.Target.KernelVersion,
		"requested_by":   req.RequestedBy,
	})

	go func() {
		defer o.wg.Done()
		o.drive(r)
	}()

	return snapshot, nil
}

// drive provisions the worker and dispatches the build command.
func (o *Orchestrator) drive(r *run) {
	worker, err := o.provision(r)

	r.mu.Lock()
	if worker != nil {
		w := *worker
		r.inst.Worker = &w
		r.inst.WorkerID = w.ID
		o.touchLocked(r)
	}
	cancelled := r.cancelRequested
	id, token := r.inst.ID, r.inst.Token
	r.mu.Unlock()

	switch {
	case cancelled:
		o.resolveOwned(r, Resolution{
			Cause:   CauseCancelled,
			Kind:    ErrorKindCancelled,
			Message: "cancelled before dispatch",
		}, nil)
		return
	case err != nil && o.baseCtx.Err() != nil:
		o.persist(r)
		return
	case err != nil:
		o.logger.Error().Err(err).Str("instance_id", id).Msg("Failed to provision worker")
		o.resolveOwned(r, Resolution{
			Cause:   CauseProvisionFailed,
			Kind:    ErrorKindProvision,
			Message: err.Error(),
		}, nil)
		return
	}

	o.emit(r.snapshot(), EventTypeWorkerProvisioned, EventLevelInfo,
		fmt.Sprintf("Worker %s provisioned", worker.ID), map[string]interface{}{
			"worker_id":     worker.ID,
			"provider":      worker.Provider,
			"instance_type": worker.InstanceType,
		})

	// The token is parked before the first attempt so that a worker which
	// signals before Dispatch returns is matched.
	r.mu.Lock()
	if r.cancelRequested {
		r.mu.Unlock()
		o.resolveOwned(r, Resolution{Cause: CauseCancelled, Kind: ErrorKindCancelled, Message: "cancelled before dispatch"}, nil)
		return
	}
	if err := o.tokens.park(token, id, worker.ID); err != nil {
		r.mu.Unlock()
		o.logger.Error().Err(err).Str("instance_id", id).Msg("Failed to park continuation token")
		return
	}
	if !o.transitionLocked(r, StateDispatching) {
		r.mu.Unlock()
		return
	}
	snapshot := r.inst.clone()
	r.mu.Unlock()

	o.save(snapshot)
	if o.current(r, snapshot) {
		o.emit(snapshot, EventTypeStateChanged, EventLevelInfo, "Dispatching build command", map[string]interface{}{
			"from": string(StatePending),
		})
	}

	o.dispatch(r, *worker)
}

// provision creates the worker while holding a provisioning slot.
func (o *Orchestrator) provision(r *run) (*WorkerResource, error) {
	ctx, span := o.tracer.Start(r.ctx, "workflow.provision",
		trace.WithAttributes(attribute.String("instance.id", r.inst.ID)))
	defer span.End()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer o.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.ProvisionTimeout)
	defer cancel()

	r.mu.Lock()
	pc := ProvisionContext{
		InstanceID: r.inst.ID,
		Target:     r.inst.Request.Target,
		Labels:     r.inst.Request.Target.Labels,
	}
	r.mu.Unlock()

	worker, err := o.workers.Provision(ctx, pc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var engineErr *EngineError
		if !errors.As(err, &engineErr) {
			err = NewProvisionError("failed to provision worker", err).WithInstance(pc.InstanceID)
		}
		return worker, err
	}
	if worker == nil {
		return nil, NewProvisionError("worker manager returned no worker", nil).WithInstance(pc.InstanceID)
	}
	if worker.Provider == "" {
		worker.Provider = o.workers.Name()
	}
	if worker.CreatedAt.IsZero() {
		worker.CreatedAt = o.clock.Now()
	}
	span.SetAttributes(attribute.String("worker.id", worker.ID))
	return worker, nil
}

// dispatch runs the retry loop until the worker acknowledges the command,
// the retry budget is spent, or the instance is resolved elsewhere.
func (o *Orchestrator) dispatch(r *run, worker WorkerResource) {
	r.mu.Lock()
	spec := BuildSpec{
		InstanceID:    r.inst.ID,
		WorkerID:      worker.ID,
		Artifacts:     ArtifactKeys(r.inst.Request.ArtifactDestination, worker.ID, r.inst.Request.Target.KernelVersion),
		KernelVersion: r.inst.Request.Target.KernelVersion,
		BuildTimeout:  o.cfg.BuildTimeout,
		CallbackURL:   o.cfg.CallbackURL,
	}
	token := r.inst.Token
	r.mu.Unlock()

	for attempt := 1; ; attempt++ {
		if r.ctx.Err() != nil {
			o.abandonDriver(r)
			return
		}

		err := o.dispatchOnce(r, worker, spec, token, attempt)
		if r.ctx.Err() != nil {
			o.abandonDriver(r)
			return
		}

		if err == nil {
			o.recordAttempt(r, DispatchAttempt{Number: attempt, At: o.clock.Now(), Outcome: AttemptSucceeded}, nil)
			o.park(r)
			return
		}

		delay, retry := o.cfg.Retry.Next(attempt, err)
		outcome := AttemptTransientFailure
		if !IsRetryable(err) {
			outcome = AttemptPermanentFailure
		}
		o.recordAttempt(r, DispatchAttempt{
			Number:  attempt,
			At:      o.clock.Now(),
			Outcome: outcome,
			Error:   err.Error(),
			Backoff: delay,
		}, err)

		if !retry {
			if !o.tokens.revoke(token) {
				// A completion signal already claimed the instance.
				return
			}
			res := Resolution{Kind: ErrorKindDispatch, Message: err.Error()}
			if outcome == AttemptPermanentFailure {
				res.Cause = CauseDispatchRejected
			} else {
				res.Cause = CauseDispatchExhausted
				res.Message = fmt.Sprintf("dispatch failed after %d attempts: %v", attempt, err)
			}
			o.resolve(r, res, nil)
			return
		}

		r.mu.Lock()
		ok := r.inst.State == StateDispatching && o.transitionLocked(r, StateDispatching)
		r.mu.Unlock()
		if !ok {
			return
		}

		if err := o.clock.Sleep(r.ctx, delay); err != nil {
			o.abandonDriver(r)
			return
		}
	}
}

func (o *Orchestrator) dispatchOnce(r *run, worker WorkerResource, spec BuildSpec, token string, attempt int) error {
	ctx, span := o.tracer.Start(r.ctx, "workflow.dispatch", trace.WithAttributes(
		attribute.String("instance.id", spec.InstanceID),
		attribute.String("worker.id", worker.ID),
		attribute.Int("dispatch.attempt", attempt),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.DispatchTimeout)
	defer cancel()

	err := o.dispatcher.Dispatch(ctx, worker, spec, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// park moves a dispatched instance to awaiting and arms its timeout.
func (o *Orchestrator) park(r *run) {
	r.mu.Lock()
	if r.inst.State != StateDispatching {
		// Resolved by an early signal or a cancellation while dispatching.
		r.mu.Unlock()
		return
	}
	if !o.transitionLocked(r, StateAwaitingCompletion) {
		r.mu.Unlock()
		return
	}
	now := o.clock.Now()
	deadline := now.Add(o.cfg.AwaitTimeout)
	r.inst.ParkedAt = &now
	r.inst.Deadline = &deadline
	r.timer = o.clock.AfterFunc(o.cfg.AwaitTimeout, func() { o.expire(r) })
	snapshot := r.inst.clone()
	r.mu.Unlock()

	o.save(snapshot)
	if o.current(r, snapshot) {
		o.emit(snapshot, EventTypeInstanceParked, EventLevelInfo, "Awaiting completion signal", map[string]interface{}{
			"deadline": deadline,
		})
	}
}

// expire resolves an instance whose await deadline passed.
func (o *Orchestrator) expire(r *run) {
	r.mu.Lock()
	if r.inst.State != StateAwaitingCompletion {
		r.mu.Unlock()
		return
	}
	token := r.inst.Token
	r.mu.Unlock()

	if o.baseCtx.Err() != nil || !o.tokens.revoke(token) {
		return
	}
	o.resolve(r, Resolution{
		Cause:   CauseTimeout,
		Kind:    ErrorKindTimeout,
		Message: fmt.Sprintf("no completion signal within %s", o.cfg.AwaitTimeout),
	}, nil)
}

// abandonDriver handles a driver whose context ended. Shutdown leaves the
// instance in the store for RecoverOrphans; otherwise it was resolved
// elsewhere and there is nothing to do.
func (o *Orchestrator) abandonDriver(r *run) {
	if o.baseCtx.Err() != nil {
		o.persist(r)
	}
}

// resolveOwned revokes the token and resolves the instance if this caller
// won the revocation.
func (o *Orchestrator) resolveOwned(r *run, res Resolution, result *SignalResult) {
	r.mu.Lock()
	token := r.inst.Token
	r.mu.Unlock()
	if !o.tokens.revoke(token) {
		return
	}
	o.resolve(r, res, result)
}

// resolve moves an instance into resolving and hands it to cleanup. The
// caller must have removed the instance's token from the table.
func (o *Orchestrator) resolve(r *run, res Resolution, result *SignalResult) {
	r.mu.Lock()
	if !r.inst.State.IsResolvable() {
		r.mu.Unlock()
		return
	}
	previous := r.inst.State
	if !o.transitionLocked(r, StateResolving) {
		r.mu.Unlock()
		return
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	now := o.clock.Now()
	r.inst.Resolution = &res
	r.inst.ResolvedAt = &now
	if result != nil {
		payload := *result
		payload.Artifacts = append([]string(nil), result.Artifacts...)
		r.inst.Result = &payload
	}
	var parkedFor time.Duration
	if r.inst.ParkedAt != nil {
		parkedFor = now.Sub(*r.inst.ParkedAt)
	}
	snapshot := r.inst.clone()
	r.mu.Unlock()

	r.cancel()

	if previous == StateAwaitingCompletion {
		o.observer.AwaitFinished(res.Cause, parkedFor.Seconds())
	}
	o.save(snapshot)

	level := EventLevelInfo
	if !res.Succeeded() {
		level = EventLevelWarning
	}
	o.emit(snapshot, EventTypeStateChanged, level, fmt.Sprintf("Instance resolved: %s", res.Cause), map[string]interface{}{
		"from":  string(previous),
		"cause": string(res.Cause),
		"kind":  string(res.Kind),
	})

	o.spawn(func() { o.cleanup(r) })
}

// cleanup runs the cleanup phase and finishes the instance.
func (o *Orchestrator) cleanup(r *run) {
	r.mu.Lock()
	if !o.transitionLocked(r, StateCleaningUp) {
		r.mu.Unlock()
		return
	}
	var worker *WorkerResource
	if r.inst.Worker != nil {
		w := *r.inst.Worker
		worker = &w
	}
	snapshot := r.inst.clone()
	r.mu.Unlock()

	o.save(snapshot)
	o.emit(snapshot, EventTypeStateChanged, EventLevelInfo, "Cleaning up worker", map[string]interface{}{
		"from":      string(StateResolving),
		"worker_id": snapshot.WorkerID,
	})

	ctx, span := o.tracer.Start(context.Background(), "workflow.cleanup",
		trace.WithAttributes(attribute.String("instance.id", snapshot.ID)))
	report := o.cleaner.Cleanup(ctx, worker)
	if report.Error != "" {
		span.SetStatus(codes.Error, report.Error)
	}
	span.End()

	r.mu.Lock()
	r.inst.Cleanup = &report
	r.inst.Worker = nil
	final := StateFailed
	if r.inst.Resolution != nil && r.inst.Resolution.Succeeded() {
		final = StateSucceeded
	}
	o.transitionLocked(r, final)
	now := o.clock.Now()
	r.inst.CompletedAt = &now
	snapshot = r.inst.clone()
	r.mu.Unlock()

	o.save(snapshot)

	cleanupLevel := EventLevelInfo
	cleanupMsg := "Cleanup completed"
	if report.Error != "" {
		cleanupLevel = EventLevelError
		cleanupMsg = "Cleanup completed with errors"
	}
	o.observer.CleanupFinished(report.Error == "")
	o.emit(snapshot, EventTypeCleanupCompleted, cleanupLevel, cleanupMsg, map[string]interface{}{
		"worker_id": report.WorkerID,
		"destroyed": report.Destroyed,
		"released":  report.Released,
		"error":     report.Error,
	})

	cause := ResolutionCause("")
	if snapshot.Resolution != nil {
		cause = snapshot.Resolution.Cause
	}
	o.observer.InstanceFinished(final, cause, now.Sub(snapshot.CreatedAt).Seconds())

	finishLevel := EventLevelInfo
	if final == StateFailed {
		finishLevel = EventLevelError
	}
	o.emit(snapshot, EventTypeInstanceFinished, finishLevel, fmt.Sprintf("Instance %s", final), map[string]interface{}{
		"cause":         string(cause),
		"cleanup_error": report.Error,
	})

	o.mu.Lock()
	delete(o.active, snapshot.ID)
	o.mu.Unlock()
	close(r.done)
}

// Signal delivers a completion signal. Rejections are reported in the
// acknowledgement, not as errors.
func (o *Orchestrator) Signal(ctx context.Context, sig CompletionSignal) (SignalAck, error) {
	if o.isClosed() {
		return SignalAck{}, ErrShuttingDown
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = o.clock.Now()
	}
	if sig.Token == "" {
		return o.reject(sig, "", RejectMalformed), nil
	}

	id, reason, ok := o.tokens.claim(sig.Token, sig.Result.InstanceIdentifier)
	if !ok {
		return o.reject(sig, id, reason), nil
	}

	r := o.lookup(id)
	if r == nil {
		return o.reject(sig, id, RejectAlreadyResolved), nil
	}

	res := Resolution{Cause: CauseSignal}
	if sig.Status == SignalStatusFailed {
		res.Kind = ErrorKindWorkerFailed
		res.Message = sig.Error
		if res.Message == "" {
			res.Message = "worker reported failure"
		}
	}

	o.observer.SignalReceived(true, "")
	o.emit(r.snapshot(), EventTypeSignalAccepted, EventLevelInfo, "Completion signal accepted", map[string]interface{}{
		"worker_id": sig.Result.InstanceIdentifier,
		"status":    string(sig.Status),
		"artifacts": sig.Result.Artifacts,
	})

	result := sig.Result
	o.resolve(r, res, &result)
	return SignalAck{Accepted: true, InstanceID: id}, nil
}

func (o *Orchestrator) reject(sig CompletionSignal, instanceID string, reason RejectReason) SignalAck {
	o.observer.SignalReceived(false, reason)
	o.logger.Warn().
		Str("instance_id", instanceID).
		Str("worker_id", sig.Result.InstanceIdentifier).
		Str("reason", string(reason)).
		Msg("Completion signal rejected")

	if instanceID != "" {
		o.emit(&WorkflowInstance{ID: instanceID}, EventTypeSignalRejected, EventLevelWarning,
			fmt.Sprintf("Completion signal rejected: %s", reason), map[string]interface{}{
				"reason":    string(reason),
				"worker_id": sig.Result.InstanceIdentifier,
			})
	}
	return SignalAck{Accepted: false, Reason: reason, InstanceID: instanceID}
}

// Cancel drives an active instance through cleanup.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	r := o.lookup(id)
	if r == nil {
		inst, err := o.Get(ctx, id)
		if err != nil {
			return err
		}
		return newError(ErrorClassPermanent, ErrorKindCancelled,
			fmt.Sprintf("instance already %s", inst.State), nil).
			WithCode(ErrCodeConflict).WithInstance(id)
	}

	r.mu.Lock()
	state, token := r.inst.State, r.inst.Token
	if state == StatePending {
		// The driver owns the instance until provisioning returns.
		r.cancelRequested = true
		r.mu.Unlock()
		r.cancel()
		o.logger.Info().Str("instance_id", id).Msg("Cancellation requested during provisioning")
		return nil
	}
	r.mu.Unlock()

	if !state.IsResolvable() || !o.tokens.revoke(token) {
		return newError(ErrorClassPermanent, ErrorKindCancelled, "instance is already resolving", nil).
			WithCode(ErrCodeConflict).WithInstance(id)
	}
	o.resolve(r, Resolution{Cause: CauseCancelled, Kind: ErrorKindCancelled, Message: "cancelled by caller"}, nil)
	return nil
}

// Get returns a snapshot of an instance. Archived instances are read from
// the store.
func (o *Orchestrator) Get(ctx context.Context, id string) (*WorkflowInstance, error) {
	if r := o.lookup(id); r != nil {
		return r.snapshot(), nil
	}
	if o.store == nil {
		return nil, ErrInstanceNotFound
	}
	return o.store.GetInstance(ctx, id)
}

// List returns instances matching the filter.
func (o *Orchestrator) List(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	if o.store != nil {
		return o.store.ListInstances(ctx, filter)
	}

	wanted := make(map[WorkflowState]bool, len(filter.States))
	for _, s := range filter.States {
		wanted[s] = true
	}

	o.mu.RLock()
	runs := make([]*run, 0, len(o.active))
	for _, r := range o.active {
		runs = append(runs, r)
	}
	o.mu.RUnlock()

	result := make([]*WorkflowInstance, 0, len(runs))
	for _, r := range runs {
		snap := r.snapshot()
		if len(wanted) > 0 && !wanted[snap.State] {
			continue
		}
		result = append(result, snap)
	}
	return result, nil
}

// Wait blocks until the instance reaches a terminal state and returns it.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*WorkflowInstance, error) {
	r := o.lookup(id)
	if r == nil {
		return o.Get(ctx, id)
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ActiveCount returns the number of instances that have not finished.
func (o *Orchestrator) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.active)
}

// RecoverOrphans fails every non-terminal instance in the store that this
// process does not own and cleans up its worker. It returns the IDs of the
// recovered instances.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) ([]string, error) {
	if o.store == nil {
		return nil, nil
	}
	stored, err := o.store.ListActiveInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active instances: %w", err)
	}

	var recovered []string
	for _, inst := range stored {
		if o.lookup(inst.ID) != nil {
			continue
		}

		runCtx, cancel := context.WithCancel(o.baseCtx)
		r := &run{inst: inst, ctx: runCtx, cancel: cancel, done: make(chan struct{})}

		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			cancel()
			return recovered, ErrShuttingDown
		}
		o.active[inst.ID] = r
		o.mu.Unlock()

		recovered = append(recovered, inst.ID)
		o.logger.Warn().
			Str("instance_id", inst.ID).
			Str("state", string(inst.State)).
			Str("worker_id", inst.WorkerID).
			Msg("Recovering orphaned instance")

		switch inst.State {
		case StateResolving:
			o.spawn(func() { o.cleanup(r) })
		case StateCleaningUp:
			// Cleanup was interrupted; run it again from the top.
			r.mu.Lock()
			r.inst.State = StateResolving
			o.touchLocked(r)
			r.mu.Unlock()
			o.spawn(func() { o.cleanup(r) })
		default:
			o.resolve(r, Resolution{
				Cause:   CauseAbandoned,
				Kind:    ErrorKindAbandoned,
				Message: fmt.Sprintf("instance found in state %s after restart", inst.State),
			}, nil)
		}
	}
	return recovered, nil
}

// Shutdown stops accepting work, aborts provisioning and dispatch, disarms
// await timers and waits for running cleanups. Instances that were not
// finished remain in the store for RecoverOrphans.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	runs := make([]*run, 0, len(o.active))
	for _, r := range o.active {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	o.cancelBase()
	for _, r := range runs {
		r.mu.Lock()
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
		r.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn runs f on a tracked goroutine, or inline once shutdown has begun.
func (o *Orchestrator) spawn(f func()) {
	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		f()
		return
	}
	o.wg.Add(1)
	o.mu.RUnlock()

	go func() {
		defer o.wg.Done()
		f()
	}()
}

func (o *Orchestrator) lookup(id string) *run {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active[id]
}

func (o *Orchestrator) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

// transitionLocked applies a state change. r.mu must be held.
func (o *Orchestrator) transitionLocked(r *run, next WorkflowState) bool {
	current := r.inst.State
	if !current.CanTransitionTo(next) {
		o.logger.Error().
			Str("instance_id", r.inst.ID).
			Str("from", string(current)).
			Str("to", string(next)).
			Msg("Rejected invalid state transition")
		return false
	}
	r.inst.State = next
	o.touchLocked(r)
	if current != next {
		o.logger.Debug().
			Str("instance_id", r.inst.ID).
			Str("from", string(current)).
			Str("to", string(next)).
			Msg("State transition")
	}
	return true
}

// touchLocked marks the instance as changed. r.mu must be held.
func (o *Orchestrator) touchLocked(r *run) {
	r.inst.UpdatedAt = o.clock.Now()
	r.inst.Revision++
}

func (o *Orchestrator) recordAttempt(r *run, attempt DispatchAttempt, err error) {
	r.mu.Lock()
	r.inst.Attempts = append(r.inst.Attempts, attempt)
	r.inst.UpdatedAt = o.clock.Now()
	snapshot := r.inst.clone()
	r.mu.Unlock()

	o.observer.DispatchAttempted(attempt.Outcome, attempt.Backoff.Seconds())
	if o.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if storeErr := o.store.AppendAttempt(ctx, snapshot.ID, attempt); storeErr != nil {
			o.logger.Error().Err(storeErr).Str("instance_id", snapshot.ID).Msg("Failed to record dispatch attempt")
		}
		cancel()
	}

	level := EventLevelInfo
	msg := fmt.Sprintf("Dispatch attempt %d succeeded", attempt.Number)
	if err != nil {
		level = EventLevelWarning
		msg = fmt.Sprintf("Dispatch attempt %d failed: %v", attempt.Number, err)
	}
	o.emit(snapshot, EventTypeDispatchAttempt, level, msg, map[string]interface{}{
		"attempt": attempt.Number,
		"outcome": string(attempt.Outcome),
		"backoff": attempt.Backoff.String(),
	})
}

func (r *run) snapshot() *WorkflowInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inst.clone()
}

// current reports whether snapshot is still the latest revision of the
// run. A signal or cancellation racing a save supersedes the snapshot, and
// its event would land after the resolution's events.
func (o *Orchestrator) current(r *run, snapshot *WorkflowInstance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inst.Revision != snapshot.Revision {
		o.logger.Debug().
			Str("instance_id", snapshot.ID).
			Str("state", string(snapshot.State)).
			Msg("Skipping superseded event")
		return false
	}
	return true
}

func (o *Orchestrator) persist(r *run) {
	o.save(r.snapshot())
}

func (o *Orchestrator) save(snapshot *WorkflowInstance) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.store.SaveInstance(ctx, snapshot); err != nil {
		o.logger.Error().Err(err).Str("instance_id", snapshot.ID).Msg("Failed to save instance")
	}
}

// emit logs, stores and publishes a workflow event.
func (o *Orchestrator) emit(inst *WorkflowInstance, eventType EventType, level, message string, data map[string]interface{}) {
	event := &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  o.clock.Now(),
		InstanceID: inst.ID,
		State:      inst.State,
		Message:    message,
		Level:      level,
		Data:       data,
	}

	var entry *zerolog.Event
	switch level {
	case EventLevelError:
		entry = o.logger.Error()
	case EventLevelWarning:
		entry = o.logger.Warn()
	default:
		entry = o.logger.Info()
	}
	entry.Str("instance_id", inst.ID).
		Str("event", string(eventType)).
		Str("state", string(inst.State)).
		Fields(data).
		Msg(message)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if o.store != nil {
		if err := o.store.AppendEvent(ctx, event); err != nil {
			o.logger.Error().Err(err).Str("event", string(eventType)).Msg("Failed to store event")
		}
	}
	if o.publisher != nil {
		if err := o.publisher.Publish(ctx, event); err != nil {
			o.logger.Debug().Err(err).Str("event", string(eventType)).Msg("Failed to publish event")
		}
	}
}
