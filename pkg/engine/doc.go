// Package engine implements the build workflow orchestrator of the module factory.
//
// # Overview
//
// A build request produces two forensic artifacts for one kernel: a LiME
// memory acquisition module and a Volatility symbol profile archive. The
// orchestrator runs each request as a WorkflowInstance through a fixed state
// machine:
//
//	pending -> dispatching -> awaiting_completion -> resolving -> cleaning_up -> succeeded|failed
//
//  1. Pending - a worker is provisioned through the WorkerManager
//  2. Dispatching - the build command is sent through the Dispatcher, with retries
//  3. AwaitingCompletion - the instance is parked on its continuation token
//  4. Resolving - the outcome is known (signal, exhaustion, timeout, cancellation)
//  5. CleaningUp - the CleanupExecutor destroys the worker
//  6. Succeeded or Failed - the instance is archived
//
// Every path into resolving continues into cleaning_up. No instance reaches a
// terminal state without its worker having been handed to cleanup.
//
// # Continuation Tokens
//
// Start mints an opaque token per instance. The token is parked in a table
// just before the first dispatch attempt and is removed exactly once: by the
// first matching completion signal (Signal), or by the orchestrator when it
// resolves the instance for another reason. Whoever removes the token owns
// the resolution; duplicate or late signals are rejected with a reason and
// never returned as errors.
//
// # Retry Policy
//
// Dispatch errors are classified with NewTransientDispatchError and
// NewPermanentDispatchError. Transient and unclassified errors are retried
// with exponential backoff (10s, 20s, 40s, 80s, 160s by default); permanent
// errors end the instance immediately. Retries reuse the provisioned worker
// and the minted token.
//
// # Usage
//
//	orch, err := engine.NewOrchestrator(engine.Options{
//	    Config:     engine.DefaultConfig(),
//	    Workers:    pool,
//	    Dispatcher: dispatcher,
//	    Store:      store,
//	    Logger:     logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer orch.Shutdown(ctx)
//
//	inst, err := orch.Start(ctx, engine.BuildRequest{
//	    Target:              engine.TargetContext{ImageID: "ami-0abc", Architecture: "x86_64"},
//	    ArtifactDestination: "file:///srv/artifacts",
//	})
//
// The worker later reports completion:
//
//	ack, err := orch.Signal(ctx, engine.CompletionSignal{
//	    Token:  token,
//	    Result: engine.SignalResult{InstanceIdentifier: workerID},
//	})
package engine
