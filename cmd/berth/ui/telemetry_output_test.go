package ui

import (
	"testing"

	"berth/pkg/sdk/telemetry"
)

func TestStepObserverFanoutCountersForPlannedParent(t *testing.T) {
	t.Parallel()

	snapshots := make([]stepSnapshot, 0, 8)
	observer := newStepObserver(func(snapshot stepSnapshot) {
		copied := stepSnapshot{Steps: append([]stepState(nil), snapshot.Steps...)}
		snapshots = append(snapshots, copied)
	})

	observer.onPlan(telemetry.Plan{Steps: []telemetry.PlannedStep{
		{ID: "stack_up", Title: "starting services"},
		{ID: "record", Title: "recording run"},
	}})
	observer.onStepStart("stack_up")
	observer.onStepStart("stack_up/postgres")
	observer.onStepEnd("stack_up/postgres", false, "")
	observer.onStepStart("stack_up/redis")
	observer.onStepEnd("stack_up/redis", false, "")
	observer.onStepEnd("stack_up", false, "")

	if len(snapshots) == 0 {
		t.Fatal("expected telemetry snapshots")
	}

	final := snapshots[len(snapshots)-1]
	parent, ok := stepByID(final, "stack_up")
	if !ok {
		t.Fatal("missing parent step stack_up")
	}
	if parent.Status != stepDone {
		t.Fatalf("parent status = %q, want done", parent.Status)
	}
	if parent.Message != "2/2 done" {
		t.Fatalf("parent message = %q, want 2/2 done", parent.Message)
	}
}

func TestStepObserverCreatesSyntheticParentForDynamicChildren(t *testing.T) {
	t.Parallel()

	snapshots := make([]stepSnapshot, 0, 4)
	observer := newStepObserver(func(snapshot stepSnapshot) {
		copied := stepSnapshot{Steps: append([]stepState(nil), snapshot.Steps...)}
		snapshots = append(snapshots, copied)
	})

	observer.onStepStart("preflight/docker")
	observer.onStepEnd("preflight/docker", false, "")

	if len(snapshots) == 0 {
		t.Fatal("expected telemetry snapshots")
	}

	final := snapshots[len(snapshots)-1]
	parent, ok := stepByID(final, "preflight")
	if !ok {
		t.Fatal("missing synthetic parent step")
	}
	if parent.Status != stepDone {
		t.Fatalf("synthetic parent status = %q, want done", parent.Status)
	}
	if parent.Message != "1/1 done" {
		t.Fatalf("synthetic parent message = %q, want 1/1 done", parent.Message)
	}

	child, ok := stepByID(final, "preflight/docker")
	if !ok {
		t.Fatal("missing child step")
	}
	if child.ParentID != "preflight" {
		t.Fatalf("child parent id = %q, want preflight", child.ParentID)
	}
}

func TestStepObserverKeepsFanoutCountersOnParentFailure(t *testing.T) {
	t.Parallel()

	snapshots := make([]stepSnapshot, 0, 6)
	observer := newStepObserver(func(snapshot stepSnapshot) {
		copied := stepSnapshot{Steps: append([]stepState(nil), snapshot.Steps...)}
		snapshots = append(snapshots, copied)
	})

	observer.onPlan(telemetry.Plan{Steps: []telemetry.PlannedStep{{
		ID:    "stack_up",
		Title: "starting services",
	}}})
	observer.onStepStart("stack_up")
	observer.onStepStart("stack_up/proxy")
	observer.onStepEnd("stack_up/proxy", true, "timeout")
	observer.onStepEnd("stack_up", true, "stack start failed")

	if len(snapshots) == 0 {
		t.Fatal("expected telemetry snapshots")
	}

	final := snapshots[len(snapshots)-1]
	parent, ok := stepByID(final, "stack_up")
	if !ok {
		t.Fatal("missing parent step stack_up")
	}
	if parent.Status != stepFailed {
		t.Fatalf("parent status = %q, want failed", parent.Status)
	}
	if parent.Message != "0/1 done, 1 failed; stack start failed" {
		t.Fatalf("parent message = %q", parent.Message)
	}
}

func stepByID(snapshot stepSnapshot, id string) (stepState, bool) {
	for _, step := range snapshot.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return stepState{}, false
}
