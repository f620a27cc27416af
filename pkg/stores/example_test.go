package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/modulefactory/pkg/engine"
	"github.com/openfroyo/modulefactory/pkg/stores"
)

// ExampleOpen demonstrates opening a migrated store and saving an instance.
func ExampleOpen() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	inst := &engine.WorkflowInstance{
		ID:    "inst-001",
		State: engine.StatePending,
		Request: engine.BuildRequest{
			Target:              engine.TargetContext{ImageID: "ami-0abc"},
			ArtifactDestination: "file:///srv/artifacts",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.SaveInstance(ctx, inst); err != nil {
		log.Fatal(err)
	}

	active, err := store.ListActiveInstances(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Active instances: %d (%s)\n", len(active), active[0].State)
	// Output: Active instances: 1 (pending)
}
