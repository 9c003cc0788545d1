package engine

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/flowline/model"
)

func TestSweep_marksOverdueFlowsStalled(t *testing.T) {
	e, store := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")

	// Backdate the pending task past the stall threshold.
	backdateTask(t, store, detail.ID, -100*time.Hour)

	monitor := NewStallMonitor(store, tplSource{"tpl-1": testTemplate()}, 72*time.Hour, time.Minute)
	n, err := monitor.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 {
		t.Errorf("stalled = %d, want 1", n)
	}

	inst, _ := store.GetInstance(context.Background(), detail.ID)
	if inst.Status != model.FlowStatusStalled {
		t.Errorf("status = %q, want stalled", inst.Status)
	}
	// Stage and assignee pointers survive a stall.
	if inst.CurrentStageID != "st-1" || inst.CurrentAssigneeID != "u-alice" {
		t.Errorf("pointers cleared: %q/%q", inst.CurrentStageID, inst.CurrentAssigneeID)
	}

	logs, _ := store.LogsForInstance(context.Background(), detail.ID)
	if logs[0].Type != model.ActivityFlowStalled {
		t.Fatalf("log = %q, want flow_stalled", logs[0].Type)
	}
	if logs[0].ActorID != "" {
		t.Errorf("stall should be system-generated, actor = %q", logs[0].ActorID)
	}
	if logs[0].Details["stage_name"] != "Submit request" {
		t.Errorf("stage_name = %v", logs[0].Details["stage_name"])
	}
	if _, ok := logs[0].Details["pending_since"]; !ok {
		t.Error("pending_since missing from details")
	}
}

func TestSweep_skipsFreshTasks(t *testing.T) {
	e, store := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")

	monitor := NewStallMonitor(store, tplSource{"tpl-1": testTemplate()}, 72*time.Hour, time.Minute)
	n, err := monitor.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("stalled = %d, want 0", n)
	}

	inst, _ := store.GetInstance(context.Background(), detail.ID)
	if inst.Status != model.FlowStatusActive {
		t.Errorf("status = %q, want active", inst.Status)
	}
}

func TestSweep_stalledFlowResumesOnCompletion(t *testing.T) {
	e, store := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")
	backdateTask(t, store, detail.ID, -100*time.Hour)

	monitor := NewStallMonitor(store, tplSource{"tpl-1": testTemplate()}, 72*time.Hour, time.Minute)
	if _, err := monitor.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	advanced, _, err := e.CompleteTask(context.Background(), asUser("u-alice"),
		pendingTask(t, detail).ID, map[string]any{"f-amount": 10})
	if err != nil {
		t.Fatalf("CompleteTask() error = %v", err)
	}
	if advanced.Status != model.FlowStatusActive {
		t.Errorf("status = %q, want active", advanced.Status)
	}
	if advanced.CurrentStageID != "st-2" {
		t.Errorf("stage = %q, want st-2", advanced.CurrentStageID)
	}
}

func TestSweep_idempotent(t *testing.T) {
	e, store := newTestEngine(t)
	detail := mustStart(t, e, "u-alice")
	backdateTask(t, store, detail.ID, -100*time.Hour)

	monitor := NewStallMonitor(store, tplSource{"tpl-1": testTemplate()}, 72*time.Hour, time.Minute)
	if _, err := monitor.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	// A second sweep sees the flow already stalled and leaves it alone.
	n, err := monitor.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second sweep stalled = %d, want 0", n)
	}

	logs, _ := store.LogsForInstance(context.Background(), detail.ID)
	stalls := 0
	for _, l := range logs {
		if l.Type == model.ActivityFlowStalled {
			stalls++
		}
	}
	if stalls != 1 {
		t.Errorf("flow_stalled entries = %d, want 1", stalls)
	}
}

func TestRun_stopsOnContextCancel(t *testing.T) {
	store := NewMemoryStore()
	monitor := NewStallMonitor(store, tplSource{}, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

// backdateTask shifts the pending task's assignment time so the stall
// monitor treats it as overdue.
func backdateTask(t *testing.T, store *MemoryStore, instanceID string, delta time.Duration) {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	for id, task := range store.tasks {
		if task.FlowInstanceID == instanceID && task.Status == model.TaskStatusPending {
			task.AssignedAt = time.Now().UTC().Add(delta)
			store.tasks[id] = task
		}
	}
}
