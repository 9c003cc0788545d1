package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/flowline/model"
)

// MemoryStore is an in-memory Store for tests and the memory driver. A single
// mutex is held for the whole of each ExecTx, so transactions serialize; a
// snapshot taken at entry restores the store when the callback errors.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]model.FlowInstance
	tasks     map[string]model.TaskInstance
	taskSeq   map[string]uint64
	values    map[string][]model.FormDataValue
	logs      []model.ActivityLog
	seq       uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: map[string]model.FlowInstance{},
		tasks:     map[string]model.TaskInstance{},
		taskSeq:   map[string]uint64{},
		values:    map[string][]model.FormDataValue{},
	}
}

type memSnapshot struct {
	instances map[string]model.FlowInstance
	tasks     map[string]model.TaskInstance
	taskSeq   map[string]uint64
	values    map[string][]model.FormDataValue
	logs      []model.ActivityLog
	seq       uint64
}

func (s *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		instances: make(map[string]model.FlowInstance, len(s.instances)),
		tasks:     make(map[string]model.TaskInstance, len(s.tasks)),
		taskSeq:   make(map[string]uint64, len(s.taskSeq)),
		values:    make(map[string][]model.FormDataValue, len(s.values)),
		logs:      append([]model.ActivityLog(nil), s.logs...),
		seq:       s.seq,
	}
	for k, v := range s.instances {
		snap.instances[k] = v
	}
	for k, v := range s.tasks {
		snap.tasks[k] = v
	}
	for k, v := range s.taskSeq {
		snap.taskSeq[k] = v
	}
	for k, v := range s.values {
		snap.values[k] = append([]model.FormDataValue(nil), v...)
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.instances = snap.instances
	s.tasks = snap.tasks
	s.taskSeq = snap.taskSeq
	s.values = snap.values
	s.logs = snap.logs
	s.seq = snap.seq
}

// ExecTx runs fn under the store mutex. On error every write fn made is
// rolled back by restoring the entry snapshot.
func (s *MemoryStore) ExecTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx, &memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// GetInstance implements Store.
func (s *MemoryStore) GetInstance(ctx context.Context, instanceID string) (model.FlowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getInstance(instanceID)
}

func (s *MemoryStore) getInstance(instanceID string) (model.FlowInstance, error) {
	inst, ok := s.instances[instanceID]
	if !ok {
		return model.FlowInstance{}, model.Errorf(model.ErrFlowNotFound, "flow instance %q not found", instanceID)
	}
	return inst, nil
}

// ListInstances implements Store: newest first by StartedAt, ID as tiebreak.
func (s *MemoryStore) ListInstances(ctx context.Context, filters Filters) ([]model.FlowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.FlowInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		if filters.TemplateID != "" && inst.TemplateID != filters.TemplateID {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return []model.FlowInstance{}, nil
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(out) {
		out = out[:filters.Limit]
	}
	return out, nil
}

// TasksForInstance implements Store: oldest first, in creation order.
func (s *MemoryStore) TasksForInstance(ctx context.Context, instanceID string) ([]model.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.TaskInstance
	for _, task := range s.tasks {
		if task.FlowInstanceID == instanceID {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.taskSeq[out[i].ID] < s.taskSeq[out[j].ID]
	})
	return out, nil
}

// PendingTasksForAssignee implements Store: oldest first, in creation order.
func (s *MemoryStore) PendingTasksForAssignee(ctx context.Context, userID string) ([]model.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.TaskInstance
	for _, task := range s.tasks {
		if task.AssigneeID == userID && task.Status == model.TaskStatusPending {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.taskSeq[out[i].ID] < s.taskSeq[out[j].ID]
	})
	return out, nil
}

// ValuesForTask implements Store, in submission order.
func (s *MemoryStore) ValuesForTask(ctx context.Context, taskID string) ([]model.FormDataValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.FormDataValue(nil), s.values[taskID]...), nil
}

// LogsForInstance implements Store: newest first.
func (s *MemoryStore) LogsForInstance(ctx context.Context, instanceID string) ([]model.ActivityLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.ActivityLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		if s.logs[i].FlowInstanceID == instanceID {
			out = append(out, s.logs[i])
		}
	}
	return out, nil
}

// StallCandidates implements Store.
func (s *MemoryStore) StallCandidates(ctx context.Context, cutoff time.Time) ([]model.FlowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.FlowInstance
	for _, task := range s.tasks {
		if task.Status != model.TaskStatusPending || !task.AssignedAt.Before(cutoff) {
			continue
		}
		inst, ok := s.instances[task.FlowInstanceID]
		if ok && inst.Status == model.FlowStatusActive {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteByTemplate implements Store.
func (s *MemoryStore) DeleteByTemplate(ctx context.Context, templateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doomed := map[string]bool{}
	for id, inst := range s.instances {
		if inst.TemplateID == templateID {
			doomed[id] = true
			delete(s.instances, id)
		}
	}
	for id, task := range s.tasks {
		if doomed[task.FlowInstanceID] {
			delete(s.tasks, id)
			delete(s.taskSeq, id)
			delete(s.values, id)
		}
	}
	kept := s.logs[:0]
	for _, l := range s.logs {
		if !doomed[l.FlowInstanceID] {
			kept = append(kept, l)
		}
	}
	s.logs = kept
	return nil
}

// memTx performs writes directly against the store; the store mutex is held
// by ExecTx for the transaction's whole lifetime.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) GetTask(ctx context.Context, taskID string) (model.TaskInstance, error) {
	task, ok := t.s.tasks[taskID]
	if !ok {
		return model.TaskInstance{}, model.Errorf(model.ErrTaskNotFound, "task %q not found", taskID)
	}
	return task, nil
}

func (t *memTx) GetTaskForUpdate(ctx context.Context, taskID string) (model.TaskInstance, error) {
	return t.GetTask(ctx, taskID)
}

func (t *memTx) GetInstanceForUpdate(ctx context.Context, instanceID string) (model.FlowInstance, error) {
	return t.s.getInstance(instanceID)
}

func (t *memTx) GetPendingTaskForUpdate(ctx context.Context, instanceID string) (model.TaskInstance, error) {
	for _, task := range t.s.tasks {
		if task.FlowInstanceID == instanceID && task.Status == model.TaskStatusPending {
			return task, nil
		}
	}
	return model.TaskInstance{}, model.Errorf(model.ErrTaskNotFound, "no pending task for flow instance %q", instanceID)
}

func (t *memTx) CreateInstance(ctx context.Context, inst model.FlowInstance) error {
	if _, ok := t.s.instances[inst.ID]; ok {
		return model.NewConflictError("flow instance already exists")
	}
	t.s.instances[inst.ID] = inst
	return nil
}

func (t *memTx) UpdateInstance(ctx context.Context, inst model.FlowInstance) error {
	stored, ok := t.s.instances[inst.ID]
	if !ok {
		return model.Errorf(model.ErrFlowNotFound, "flow instance %q not found", inst.ID)
	}
	if stored.Version != inst.Version {
		return model.NewConflictError("flow instance was modified concurrently")
	}
	inst.Version++
	t.s.instances[inst.ID] = inst
	return nil
}

func (t *memTx) CreateTask(ctx context.Context, task model.TaskInstance) error {
	if _, ok := t.s.tasks[task.ID]; ok {
		return model.NewConflictError("task already exists")
	}
	t.s.seq++
	t.s.tasks[task.ID] = task
	t.s.taskSeq[task.ID] = t.s.seq
	return nil
}

func (t *memTx) CompleteTask(ctx context.Context, taskID string, at time.Time) error {
	return t.resolveTask(taskID, model.TaskStatusCompleted, at)
}

func (t *memTx) RejectTask(ctx context.Context, taskID string, at time.Time) error {
	return t.resolveTask(taskID, model.TaskStatusRejected, at)
}

func (t *memTx) resolveTask(taskID, status string, at time.Time) error {
	task, ok := t.s.tasks[taskID]
	if !ok {
		return model.Errorf(model.ErrTaskNotFound, "task %q not found", taskID)
	}
	if task.Status != model.TaskStatusPending {
		return model.Errorf(model.ErrTaskAlreadyResolved, "task is already %s", task.Status)
	}
	task.Status = status
	task.CompletedAt = &at
	task.UpdatedAt = at
	t.s.tasks[taskID] = task
	return nil
}

func (t *memTx) ReassignTask(ctx context.Context, taskID, assigneeID string) error {
	task, ok := t.s.tasks[taskID]
	if !ok {
		return model.Errorf(model.ErrTaskNotFound, "task %q not found", taskID)
	}
	if task.Status != model.TaskStatusPending {
		return model.Errorf(model.ErrTaskAlreadyResolved, "task is already %s", task.Status)
	}
	task.AssigneeID = assigneeID
	task.UpdatedAt = time.Now().UTC()
	t.s.tasks[taskID] = task
	return nil
}

func (t *memTx) InsertValue(ctx context.Context, v model.FormDataValue) error {
	// One value per (task, field), same as the unique constraint in the
	// postgres schema.
	for _, existing := range t.s.values[v.TaskInstanceID] {
		if existing.FormFieldID == v.FormFieldID {
			return model.NewConflictError("form value already recorded for this field")
		}
	}
	t.s.values[v.TaskInstanceID] = append(t.s.values[v.TaskInstanceID], v)
	return nil
}

func (t *memTx) AppendLog(ctx context.Context, l model.ActivityLog) error {
	t.s.logs = append(t.s.logs, l)
	return nil
}
