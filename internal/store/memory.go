package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/stateflow/pkg/schema"
)

// MemoryStore is an in-process Store with the same semantics as
// LibSQLStore. Used by tests and by ephemeral CLI runs.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*Workflow
	executions map[string]*WorkflowExecution
	states     map[string][]*StateExecution
	stateIndex map[string]*StateExecution
	bps        map[string][]*Breakpoint
	events     map[string][]*Event
	jobs       map[string]*ScheduledJob
	seq        int64
	eventID    int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*Workflow),
		executions: make(map[string]*WorkflowExecution),
		states:     make(map[string][]*StateExecution),
		stateIndex: make(map[string]*StateExecution),
		bps:        make(map[string][]*Breakpoint),
		events:     make(map[string][]*Event),
		jobs:       make(map[string]*ScheduledJob),
	}
}

func (m *MemoryStore) Close() error { return nil }

// --- Workflows ---

func (m *MemoryStore) CreateWorkflow(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.workflows {
		if existing.Name == wf.Name {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow named %q already exists", wf.Name)
		}
	}
	if _, ok := m.workflows[wf.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID)
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = time.Now().UTC()
	if wf.Version == 0 {
		wf.Version = 1
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowActive
	}
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *MemoryStore) GetWorkflowByName(_ context.Context, name string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, wf := range m.workflows {
		if wf.Name == name {
			cp := *wf
			return &cp, nil
		}
	}
	return nil, storeNotFound("workflow", name)
}

func (m *MemoryStore) UpdateWorkflow(_ context.Context, id string, update WorkflowUpdate) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	changed := false
	if update.Description != nil {
		wf.Description = *update.Description
		changed = true
	}
	if update.Status != nil {
		wf.Status = *update.Status
		changed = true
	}
	if update.Definition != nil {
		wf.Definition = *update.Definition
		wf.Version++
		changed = true
	}
	if update.TimeoutSec != nil {
		wf.TimeoutSec = *update.TimeoutSec
		changed = true
	}
	if changed {
		wf.UpdatedAt = time.Now().UTC()
	}
	cp := *wf
	return &cp, nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Workflow
	for _, wf := range m.workflows {
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		if filter.Name != "" && wf.Name != filter.Name {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return page(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(m.workflows, id)
	for jid, j := range m.jobs {
		if j.WorkflowID == id {
			delete(m.jobs, jid)
		}
	}
	return nil
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(_ context.Context, exec *WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = exec.CreatedAt
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if e.Status.IsTerminal() {
		return terminalConflict(id, string(e.Status))
	}
	if update.Status != nil {
		e.Status = *update.Status
	}
	if update.Output != nil {
		e.Output = update.Output
	}
	if update.Error != nil {
		e.Error = *update.Error
	}
	if update.ErrorCode != nil {
		e.ErrorCode = *update.ErrorCode
	}
	if update.CurrentState != nil {
		e.CurrentState = *update.CurrentState
	}
	if update.StartedAt != nil {
		e.StartedAt = ptr(*update.StartedAt)
	}
	if update.CompletedAt != nil {
		e.CompletedAt = ptr(*update.CompletedAt)
	}
	if update.TimeoutAt != nil {
		e.TimeoutAt = ptr(*update.TimeoutAt)
	}
	if update.ClearPause {
		e.PausedAtState = ""
		e.PausedInput = nil
		e.PausedAt = nil
	} else {
		if update.PausedAtState != nil {
			e.PausedAtState = *update.PausedAtState
		}
		if update.PausedInput != nil {
			e.PausedInput = update.PausedInput
		}
		if update.PausedAt != nil {
			e.PausedAt = ptr(*update.PausedAt)
		}
	}
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WorkflowExecution
	for _, e := range m.executions {
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && e.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, filter.Limit, filter.Offset), nil
}

// --- State executions ---

func (m *MemoryStore) CreateStateExecution(_ context.Context, rec *StateExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[rec.ExecutionID]; !ok {
		return storeNotFound("execution", rec.ExecutionID)
	}
	if _, ok := m.stateIndex[rec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "state execution %q already exists", rec.ID)
	}
	m.seq++
	rec.Seq = m.seq
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	cp := *rec
	m.states[rec.ExecutionID] = append(m.states[rec.ExecutionID], &cp)
	m.stateIndex[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateStateExecution(_ context.Context, id string, update StateExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.stateIndex[id]
	if !ok {
		return storeNotFound("state execution", id)
	}
	if r.Status != schema.StateRunning {
		return schema.NewErrorf(schema.ErrCodeConflict, "state execution %q is %s and can no longer change", id, r.Status)
	}
	if update.Status != nil {
		r.Status = *update.Status
	}
	if update.Output != nil {
		r.Output = update.Output
	}
	if update.Error != nil {
		r.Error = *update.Error
	}
	if update.ErrorCode != nil {
		r.ErrorCode = *update.ErrorCode
	}
	if update.RetryCount != nil {
		r.RetryCount = *update.RetryCount
	}
	if update.InvocationID != nil {
		r.InvocationID = *update.InvocationID
	}
	if update.CompletedAt != nil {
		r.CompletedAt = ptr(*update.CompletedAt)
	}
	return nil
}

func (m *MemoryStore) ListStateExecutions(_ context.Context, executionID string) ([]*StateExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.states[executionID]
	out := make([]*StateExecution, 0, len(recs))
	for _, r := range recs {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// --- Breakpoints ---

func (m *MemoryStore) UpsertBreakpoint(_ context.Context, bp *Breakpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[bp.ExecutionID]; !ok {
		return storeNotFound("execution", bp.ExecutionID)
	}
	for _, existing := range m.bps[bp.ExecutionID] {
		if existing.BeforeState == bp.BeforeState {
			existing.Enabled = bp.Enabled
			bp.ID = existing.ID
			bp.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	bp.CreatedAt = timeOrNow(bp.CreatedAt)
	cp := *bp
	m.bps[bp.ExecutionID] = append(m.bps[bp.ExecutionID], &cp)
	return nil
}

func (m *MemoryStore) ListBreakpoints(_ context.Context, executionID string) ([]*Breakpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Breakpoint
	for _, bp := range m.bps[executionID] {
		cp := *bp
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) DeleteBreakpoint(_ context.Context, executionID, beforeState string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.bps[executionID]
	for i, bp := range list {
		if bp.BeforeState == beforeState {
			m.bps[executionID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return storeNotFound("breakpoint", executionID+"/"+beforeState)
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.events[event.ExecutionID]
	event.Sequence = int64(len(log)) + 1
	event.Timestamp = timeOrNow(event.Timestamp)
	m.eventID++
	event.ID = m.eventID
	cp := *event
	m.events[event.ExecutionID] = append(log, &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetEventsByType(_ context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for execID, log := range m.events {
		if filter.ExecutionID != "" && execID != filter.ExecutionID {
			continue
		}
		for _, e := range log {
			if e.Type != eventType {
				continue
			}
			if filter.State != "" && e.State != filter.State {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, filter.Limit, 0), nil
}

// --- Scheduled jobs ---

func (m *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[job.WorkflowID]; !ok {
		return storeNotFound("workflow", job.WorkflowID)
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled job", id)
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = ptr(*update.LastRunAt)
	}
	if update.NextRunAt != nil {
		j.NextRunAt = ptr(*update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ScheduledJob
	for _, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		if filter.WorkflowID != "" && j.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return page(out, filter.Limit, 0), nil
}

func (m *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(m.jobs, id)
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
