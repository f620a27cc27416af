package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/modulefactory/pkg/engine"
	"github.com/openfroyo/modulefactory/pkg/protocol"
	"github.com/openfroyo/modulefactory/pkg/telemetry"
)

type stubWorkers struct {
	mu        sync.Mutex
	destroyed []string
}

func (w *stubWorkers) Provision(_ context.Context, pc engine.ProvisionContext) (*engine.WorkerResource, error) {
	return &engine.WorkerResource{ID: "W1", Provider: w.Name(), Address: "10.0.0.5", InstanceType: pc.Target.InstanceType}, nil
}

func (w *stubWorkers) Destroy(_ context.Context, worker engine.WorkerResource) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.destroyed = append(w.destroyed, worker.ID)
	return nil
}

func (w *stubWorkers) Name() string { return "stub" }

// tokenDispatcher hands every dispatched token to the test.
type tokenDispatcher struct {
	tokens chan string
	specs  chan engine.BuildSpec
}

func (d *tokenDispatcher) Dispatch(_ context.Context, _ engine.WorkerResource, spec engine.BuildSpec, token string) error {
	d.specs <- spec
	d.tokens <- token
	return nil
}

func TestEndToEnd_SubmitSignalComplete(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := setupStore(t)
	publisher := telemetry.NewEventPublisher(telemetry.EventsConfig{BufferSize: 64}, zerolog.Nop())
	workers := &stubWorkers{}
	dispatcher := &tokenDispatcher{tokens: make(chan string, 1), specs: make(chan engine.BuildSpec, 1)}

	orch, err := engine.NewOrchestrator(engine.Options{
		Config:     engine.Config{CallbackURL: "http://factory.test/v1/callbacks"},
		Workers:    workers,
		Dispatcher: dispatcher,
		Store:      store,
		Publisher:  publisher,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	defer func() { _ = orch.Shutdown(context.Background()) }()

	srv := setupServer(t, orch, Options{Store: store, Events: publisher, APIToken: "operator-secret"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	operator := NewClient(ts.URL, WithToken("operator-secret"))
	worker := NewClient(ts.URL)

	submitted, err := operator.Submit(ctx, SubmitRequest{
		TargetContext:       TargetContext{ImageID: "ami-0abc", KernelVersion: "5.10.0-1057-aws"},
		ArtifactDestination: "file:///srv/artifacts",
		RequestedBy:         "analyst@ir",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	var token string
	select {
	case spec := <-dispatcher.specs:
		if spec.WorkerID != "W1" || spec.Artifacts.ModuleKey != "tools/LiME/W1/lime-5.10.0-1057-aws.ko" {
			t.Errorf("unexpected build spec %+v", spec)
		}
		token = <-dispatcher.tokens
	case <-ctx.Done():
		t.Fatal("dispatch never happened")
	}

	// A signal from the wrong worker must not resolve the instance.
	ack, err := worker.Signal(ctx, protocol.CallbackRequest{
		Token:  token,
		Result: protocol.CallbackResult{InstanceIdentifier: "W2"},
	})
	if err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	if ack.Accepted || ack.Reason != string(engine.RejectContextMismatch) {
		t.Errorf("expected context mismatch, got %+v", ack)
	}

	ack, err = worker.Signal(ctx, protocol.CallbackRequest{
		Token: token,
		Result: protocol.CallbackResult{
			InstanceIdentifier: "W1",
			Artifacts:          []string{"tools/LiME/W1/lime-5.10.0-1057-aws.ko", "tools/vol2/W1/5.10.0-1057-aws.zip"},
		},
	})
	if err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	if !ack.Accepted || ack.InstanceID != submitted.InstanceID {
		t.Fatalf("expected signal to be accepted, got %+v", ack)
	}

	final, err := orch.Wait(ctx, submitted.InstanceID)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if final.State != engine.StateSucceeded {
		t.Fatalf("expected succeeded, got %s", final.State)
	}

	// Duplicate deliveries are acknowledged without effect.
	ack, err = worker.Signal(ctx, protocol.CallbackRequest{Token: token, Result: protocol.CallbackResult{InstanceIdentifier: "W1"}})
	if err != nil {
		t.Fatalf("duplicate Signal failed: %v", err)
	}
	if ack.Accepted || ack.Reason != string(engine.RejectAlreadyResolved) {
		t.Errorf("expected already_resolved for duplicate, got %+v", ack)
	}

	got, err := operator.Get(ctx, submitted.InstanceID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != engine.StateSucceeded || got.Result == nil || len(got.Result.Artifacts) != 2 {
		t.Errorf("unexpected instance over the API: %+v", got)
	}
	if len(workers.destroyed) != 1 {
		t.Errorf("expected one destroyed worker, got %v", workers.destroyed)
	}

	if _, err := operator.Cancel(ctx, submitted.InstanceID); err == nil {
		t.Error("expected cancelling a finished instance to fail")
	} else {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
			t.Errorf("expected 409, got %v", err)
		}
	}

	audit, err := operator.Audit(ctx, submitted.InstanceID, 0)
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	var actions []string
	for _, e := range audit.Entries {
		actions = append(actions, e.Action+":"+string(e.Outcome))
	}
	want := []string{"build.submit:allowed", "signal:rejected", "signal:allowed", "signal:rejected", "build.cancel:rejected"}
	if len(actions) != len(want) {
		t.Fatalf("audit trail = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("audit[%d] = %s, want %s", i, actions[i], want[i])
		}
	}

	events, err := operator.Events(ctx, submitted.InstanceID, 0)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	seen := make(map[engine.EventType]bool)
	for _, e := range events {
		seen[e.Type] = true
	}
	for _, typ := range []engine.EventType{engine.EventTypeInstanceAccepted, engine.EventTypeSignalRejected, engine.EventTypeSignalAccepted, engine.EventTypeInstanceFinished} {
		if !seen[typ] {
			t.Errorf("expected a %s event in the trail", typ)
		}
	}

	if _, err := NewClient(ts.URL).List(ctx, engine.InstanceFilter{}); err == nil {
		t.Error("expected list without a token to fail")
	}
	list, err := operator.List(ctx, engine.InstanceFilter{States: []engine.WorkflowState{engine.StateSucceeded}})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != submitted.InstanceID {
		t.Errorf("unexpected list result %+v", list)
	}
}
