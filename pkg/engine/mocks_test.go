package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeClock is a manually advanced Clock. Sleep returns immediately and
// records the requested duration.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	sleeps []time.Duration
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	fired   bool
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	c.Advance(d)
	return nil
}

// Advance moves the clock forward and runs every timer that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func (c *fakeClock) ArmedTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// fakeWorkers hands out workers named W1, W2, ...
type fakeWorkers struct {
	mu           sync.Mutex
	next         int
	provisionErr error
	partial      *WorkerResource
	destroyErr   error
	releaseErr   error

	// block, when set, holds Provision until it is closed or ctx ends.
	block   chan struct{}
	started chan string

	provisioned []string
	destroyed   []string
	released    []string
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{started: make(chan string, 100)}
}

func (f *fakeWorkers) Name() string { return "fake" }

func (f *fakeWorkers) Provision(ctx context.Context, pc ProvisionContext) (*WorkerResource, error) {
	f.started <- pc.InstanceID
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisionErr != nil {
		return f.partial, f.provisionErr
	}
	f.next++
	id := fmt.Sprintf("W%d", f.next)
	f.provisioned = append(f.provisioned, id)
	return &WorkerResource{
		ID:        id,
		Address:   "10.0.0.1",
		Placement: Placement{Subnet: "subnet-1", SecurityGroup: "sg-1"},
		Identity:  Identity{Role: "builder"},
	}, nil
}

func (f *fakeWorkers) Destroy(ctx context.Context, worker WorkerResource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, worker.ID)
	return f.destroyErr
}

func (f *fakeWorkers) Release(ctx context.Context, worker WorkerResource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, worker.ID)
	return f.releaseErr
}

func (f *fakeWorkers) Destroyed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

type dispatchCall struct {
	worker WorkerResource
	spec   BuildSpec
	token  string
}

// fakeDispatcher returns errs[n] for the n-th call and nil once errs runs out.
type fakeDispatcher struct {
	mu         sync.Mutex
	errs       []error
	calls      []dispatchCall
	onDispatch func(call dispatchCall)
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, worker WorkerResource, spec BuildSpec, token string) error {
	call := dispatchCall{worker: worker, spec: spec, token: token}

	d.mu.Lock()
	n := len(d.calls)
	d.calls = append(d.calls, call)
	var err error
	if n < len(d.errs) {
		err = d.errs[n]
	}
	hook := d.onDispatch
	d.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return err
}

func (d *fakeDispatcher) Calls() []dispatchCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatchCall(nil), d.calls...)
}

// memStore is an in-memory StateStore.
type memStore struct {
	mu        sync.Mutex
	instances map[string]*WorkflowInstance
	attempts  map[string][]DispatchAttempt
	events    []*Event

	// beforeSave, if set, runs before each SaveInstance takes the lock.
	beforeSave func(instance *WorkflowInstance)
}

func newMemStore() *memStore {
	return &memStore{
		instances: make(map[string]*WorkflowInstance),
		attempts:  make(map[string][]DispatchAttempt),
	}
}

func (s *memStore) SaveInstance(ctx context.Context, instance *WorkflowInstance) error {
	s.mu.Lock()
	hook := s.beforeSave
	s.mu.Unlock()
	if hook != nil {
		hook(instance)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.instances[instance.ID]; ok && existing.Revision > instance.Revision {
		return nil
	}
	s.instances[instance.ID] = instance.clone()
	return nil
}

func (s *memStore) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.clone(), nil
}

func (s *memStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[WorkflowState]bool)
	for _, st := range filter.States {
		wanted[st] = true
	}
	var out []*WorkflowInstance
	for _, inst := range s.instances {
		if len(wanted) > 0 && !wanted[inst.State] {
			continue
		}
		out = append(out, inst.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) ListActiveInstances(ctx context.Context) ([]*WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*WorkflowInstance
	for _, inst := range s.instances {
		if !inst.State.IsTerminal() {
			out = append(out, inst.clone())
		}
	}
	return out, nil
}

func (s *memStore) AppendAttempt(ctx context.Context, instanceID string, attempt DispatchAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[instanceID] = append(s.attempts[instanceID], attempt)
	return nil
}

func (s *memStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memStore) ListEvents(ctx context.Context, instanceID string, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events {
		if instanceID == "" || e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) eventTypes(instanceID string) []EventType {
	events, _ := s.ListEvents(context.Background(), instanceID, 0)
	types := make([]EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

type policyFunc func(ctx context.Context, req BuildRequest) error

func (f policyFunc) Admit(ctx context.Context, req BuildRequest) error { return f(ctx, req) }

// harness bundles an orchestrator with its fakes.
type harness struct {
	orch       *Orchestrator
	clock      *fakeClock
	workers    *fakeWorkers
	dispatcher *fakeDispatcher
	store      *memStore
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()

	h := &harness{
		clock:      newFakeClock(),
		workers:    newFakeWorkers(),
		dispatcher: &fakeDispatcher{},
		store:      newMemStore(),
	}
	opts := Options{
		Config:     DefaultConfig(),
		Workers:    h.workers,
		Dispatcher: h.dispatcher,
		Store:      h.store,
		Clock:      h.clock,
		Logger:     zerolog.Nop(),
	}
	if configure != nil {
		configure(&opts)
	}

	orch, err := NewOrchestrator(opts)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}
	h.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return h
}

func validRequest() BuildRequest {
	return BuildRequest{
		Target: TargetContext{
			ImageID:       "ami-0123456789",
			Architecture:  "x86_64",
			KernelVersion: "5.10.0-1057-aws",
		},
		ArtifactDestination: "file:///srv/artifacts",
		RequestedBy:         "tester",
	}
}

func (h *harness) start(t *testing.T) *WorkflowInstance {
	t.Helper()
	inst, err := h.orch.Start(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return inst
}

func (h *harness) waitForState(t *testing.T, id string, state WorkflowState) *WorkflowInstance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := h.orch.Get(context.Background(), id)
		if err == nil && inst.State == state {
			return inst
		}
		time.Sleep(2 * time.Millisecond)
	}
	inst, _ := h.orch.Get(context.Background(), id)
	t.Fatalf("Instance %s did not reach state %s (last: %+v)", id, state, inst)
	return nil
}

func (h *harness) wait(t *testing.T, id string) *WorkflowInstance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := h.orch.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !inst.State.IsTerminal() {
		t.Fatalf("Expected terminal state, got %s", inst.State)
	}
	return inst
}
