package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/modulefactory/pkg/engine"
)

func testRequest() engine.BuildRequest {
	return engine.BuildRequest{
		Target: engine.TargetContext{
			ImageID:       "ami-0abc1234",
			Architecture:  "x86_64",
			KernelVersion: "5.10.0-1057-aws",
		},
		ArtifactDestination: "sftp://store.internal/forensics",
		RequestedBy:         "analyst",
	}
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		if !p.Builtin {
			t.Errorf("Expected only built-in policies, found %s", p.Name)
		}
		names = append(names, p.Name)
	}
	want := []string{"destination-allowlist", "image-allowlist", "label-limit", "requester-identified"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("Built-in policies mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluate_Builtins(t *testing.T) {
	data := AdmissionData{
		AllowedImagePrefixes: []string{"ami-0abc", "ami-0def"},
		AllowedDestinations:  []string{"sftp://store.internal/", "file:///srv/"},
		MaxLabels:            2,
	}
	eng := newTestEngine(t, WithData(data))

	tests := []struct {
		name         string
		mutate       func(*engine.BuildRequest)
		wantAllowed  bool
		wantPolicy   string
		wantWarnings int
	}{
		{"allowed", func(*engine.BuildRequest) {}, true, "", 0},
		{"image not allowed", func(r *engine.BuildRequest) { r.Target.ImageID = "ami-9999" }, false, "image-allowlist", 0},
		{"destination not allowed", func(r *engine.BuildRequest) { r.ArtifactDestination = "sftp://elsewhere/x" }, false, "destination-allowlist", 0},
		{"too many labels", func(r *engine.BuildRequest) {
			r.Target.Labels = map[string]string{"a": "1", "b": "2", "c": "3"}
		}, false, "label-limit", 0},
		{"labels within limit", func(r *engine.BuildRequest) {
			r.Target.Labels = map[string]string{"a": "1", "b": "2"}
		}, true, "", 0},
		{"anonymous request warns", func(r *engine.BuildRequest) { r.RequestedBy = "" }, true, "", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest()
			tt.mutate(&req)

			decision, err := eng.Evaluate(context.Background(), req)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if decision.Allowed != tt.wantAllowed {
				t.Fatalf("Allowed = %v, want %v (violations %+v)", decision.Allowed, tt.wantAllowed, decision.Violations)
			}
			if tt.wantPolicy != "" {
				if len(decision.Violations) != 1 || decision.Violations[0].Policy != tt.wantPolicy {
					t.Errorf("Expected one violation from %s, got %+v", tt.wantPolicy, decision.Violations)
				}
			}
			if len(decision.Warnings) != tt.wantWarnings {
				t.Errorf("Warnings = %+v, want %d", decision.Warnings, tt.wantWarnings)
			}
			if len(decision.EvaluatedPolicies) != 4 {
				t.Errorf("Expected 4 evaluated policies, got %v", decision.EvaluatedPolicies)
			}
		})
	}
}

func TestEvaluate_EmptyAllowlistsAdmitAll(t *testing.T) {
	eng := newTestEngine(t)

	req := testRequest()
	req.Target.ImageID = "ami-anything"
	req.ArtifactDestination = "file:///anywhere"
	req.Target.Labels = map[string]string{"a": "1", "b": "2", "c": "3"}

	if err := eng.Admit(context.Background(), req); err != nil {
		t.Fatalf("Expected request to be admitted, got %v", err)
	}
}

func TestAdmit_Denied(t *testing.T) {
	eng := newTestEngine(t, WithData(AdmissionData{AllowedImagePrefixes: []string{"ami-0def"}}))

	err := eng.Admit(context.Background(), testRequest())
	if err == nil {
		t.Fatal("Expected admission to be denied")
	}
	var engineErr *engine.EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("Expected an EngineError, got %T", err)
	}
	if engineErr.Kind != engine.ErrorKindPolicyDenied || engineErr.Code != engine.ErrCodePermissionDenied {
		t.Errorf("Unexpected error kind/code %s/%s", engineErr.Kind, engineErr.Code)
	}
	if !strings.Contains(err.Error(), "ami-0abc1234 is not in the allowed image list") {
		t.Errorf("Expected violation message in error, got %q", err.Error())
	}
}

func TestSetData(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Admit(ctx, testRequest()); err != nil {
		t.Fatalf("Expected admission before data change, got %v", err)
	}
	if err := eng.SetData(ctx, AdmissionData{AllowedDestinations: []string{"file:///srv/"}}); err != nil {
		t.Fatalf("SetData failed: %v", err)
	}
	if err := eng.Admit(ctx, testRequest()); err == nil {
		t.Fatal("Expected denial after restricting destinations")
	}
}

func TestCustomPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{
		Name:    "no-legacy-kernels",
		Enabled: true,
		Rego: `package factory.admission.kernels

import rego.v1

deny contains {"message": msg, "severity": "critical"} if {
	startswith(input.request.target_context.kernel_version, "2.")
	msg := sprintf("kernel %s is too old", [input.request.target_context.kernel_version])
}
`,
	}
	if err := eng.ReplacePolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}

	req := testRequest()
	req.Target.KernelVersion = "2.6.32-754.el6.x86_64"
	decision, err := eng.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected custom policy to deny the request")
	}
	want := []Violation{{Policy: "no-legacy-kernels", Message: "kernel 2.6.32-754.el6.x86_64 is too old", Severity: SeverityCritical}}
	if diff := cmp.Diff(want, decision.Violations); diff != "" {
		t.Errorf("Violations mismatch (-want +got):\n%s", diff)
	}

	if err := eng.DisablePolicy("no-legacy-kernels"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if err := eng.Admit(ctx, req); err != nil {
		t.Errorf("Expected admission with the policy disabled, got %v", err)
	}
	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected an error enabling an unknown policy")
	}

	if err := eng.ReplacePolicies(ctx, nil); err != nil {
		t.Fatalf("ReplacePolicies(nil) failed: %v", err)
	}
	if _, err := eng.GetPolicy("no-legacy-kernels"); err == nil {
		t.Error("Expected custom policy to be removed")
	}
	if _, err := eng.GetPolicy("image-allowlist"); err != nil {
		t.Errorf("Built-in policy must survive replacement: %v", err)
	}
}

func TestReplacePolicies_Errors(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	valid := Policy{Name: "ok", Enabled: true, Rego: "package factory.ok\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"}
	if err := eng.ReplacePolicies(ctx, []Policy{valid}); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}

	broken := Policy{Name: "broken", Enabled: true, Rego: "package factory.broken\n\ndeny contains"}
	if err := eng.ReplacePolicies(ctx, []Policy{broken}); err == nil {
		t.Fatal("Expected a compile error")
	}
	if _, err := eng.GetPolicy("ok"); err != nil {
		t.Error("A failed replacement must keep the current set")
	}

	shadow := Policy{Name: "image-allowlist", Enabled: true, Rego: valid.Rego}
	if err := eng.ReplacePolicies(ctx, []Policy{shadow}); err == nil {
		t.Error("Expected an error for a policy shadowing a built-in")
	}
}

func TestEvaluate_RuntimeErrorDenies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// Conflicting values for a complete rule are an evaluation error.
	conflict := Policy{
		Name:    "conflict",
		Enabled: true,
		Rego: `package factory.conflict

import rego.v1

level = "a" if { input.request.artifact_destination }

level = "b" if { input.request.target_context.image_id }

deny contains msg if { msg := level }
`,
	}
	if err := eng.ReplacePolicies(ctx, []Policy{conflict}); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}

	decision, err := eng.Evaluate(ctx, testRequest())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected a failing policy to deny admission")
	}
	if decision.Violations[0].Severity != SeverityCritical || !strings.Contains(decision.Violations[0].Message, "evaluation failed") {
		t.Errorf("Unexpected violation %+v", decision.Violations[0])
	}
}
