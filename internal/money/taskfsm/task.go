// Package taskfsm implements the Task, Escrow, and Proof state machines as
// static transition tables plus per-edge guards. Every
// transition appends a row to its state's log table; callers are expected
// to hold the task's money_state_lock row (SELECT ... FOR UPDATE) for the
// duration of a transition, mirroring an escrow.Service-style pattern
// of mutating state only while holding a per-id lock.
package taskfsm

import (
	"context"
	"time"

	"github.com/hustlexp/money-core/internal/money/dbtx"
	"github.com/hustlexp/money-core/internal/money/merr"
)

type TaskState string

const (
	TaskOpen           TaskState = "OPEN"
	TaskAccepted       TaskState = "ACCEPTED"
	TaskProofSubmitted TaskState = "PROOF_SUBMITTED"
	TaskDisputed       TaskState = "DISPUTED"
	TaskCompleted      TaskState = "COMPLETED"
	TaskCancelled      TaskState = "CANCELLED"
	TaskExpired        TaskState = "EXPIRED"
)

var taskTerminal = map[TaskState]bool{
	TaskCompleted: true,
	TaskCancelled: true,
	TaskExpired:   true,
}

func (s TaskState) Terminal() bool { return taskTerminal[s] }

// TaskGuardInput carries everything a Task transition's guard needs to
// evaluate, gathered by the caller under the money_state_lock hold.
type TaskGuardInput struct {
	WorkerID    string
	ProofID     string
	ProofState  ProofState
	EscrowState EscrowState
	Reason      string
	AdminID     string
}

// taskEdge is one allowed (from, to) transition plus its guard.
type taskEdge struct {
	from, to TaskState
	guard    func(TaskGuardInput) error
}

var taskEdges = []taskEdge{
	{TaskOpen, TaskAccepted, func(in TaskGuardInput) error {
		if in.WorkerID == "" {
			return merr.Validation("WORKER_ID_REQUIRED", "worker_id is required to accept a task", nil)
		}
		if in.EscrowState != EscrowFunded {
			return merr.IllegalTransition("ESCROW_NOT_FUNDED", "escrow must be funded before a task can be accepted", map[string]any{"escrow_state": in.EscrowState})
		}
		return nil
	}},
	{TaskOpen, TaskCancelled, noGuard},
	{TaskOpen, TaskExpired, noGuard},
	{TaskAccepted, TaskProofSubmitted, func(in TaskGuardInput) error {
		if in.ProofID == "" {
			return merr.Validation("PROOF_ID_REQUIRED", "proof_id is required", nil)
		}
		return nil
	}},
	{TaskAccepted, TaskCancelled, noGuard},
	{TaskAccepted, TaskExpired, noGuard},
	{TaskProofSubmitted, TaskCompleted, func(in TaskGuardInput) error {
		if in.ProofState != ProofVerified {
			return merr.IllegalTransition("PROOF_NOT_VERIFIED", "proof must be verified", map[string]any{"proof_state": in.ProofState})
		}
		if in.EscrowState != EscrowFunded {
			return merr.IllegalTransition("ESCROW_NOT_FUNDED", "escrow must be funded", map[string]any{"escrow_state": in.EscrowState})
		}
		return nil
	}},
	{TaskProofSubmitted, TaskDisputed, func(in TaskGuardInput) error {
		if in.Reason == "" {
			return merr.Validation("DISPUTE_REASON_REQUIRED", "a dispute reason is required", nil)
		}
		return nil
	}},
	{TaskDisputed, TaskCompleted, requireAdmin},
	{TaskDisputed, TaskCancelled, requireAdmin},
}

func noGuard(TaskGuardInput) error { return nil }

func requireAdmin(in TaskGuardInput) error {
	if in.AdminID == "" {
		return merr.Validation("ADMIN_ID_REQUIRED", "an admin_id is required to resolve a dispute", nil)
	}
	return nil
}

// TaskTransitionLog is one append-only row in the task_state_log table.
type TaskTransitionLog struct {
	TaskID    string
	From      TaskState
	To        TaskState
	Context   map[string]any
	CreatedAt time.Time
}

// TaskLogStore persists TaskTransitionLog rows.
type TaskLogStore interface {
	AppendTaskTransition(ctx context.Context, q dbtx.Querier, entry TaskTransitionLog) error
}

// TaskMachine evaluates and records Task transitions.
type TaskMachine struct {
	log TaskLogStore
}

func NewTaskMachine(log TaskLogStore) *TaskMachine {
	return &TaskMachine{log: log}
}

// Transition validates that (from, to) is an allowed edge, runs its guard,
// and appends the transition log row. It does not persist the task's own
// row — the caller does that as part of the same database transaction,
// typically alongside a money_state_lock version bump.
func (m *TaskMachine) Transition(ctx context.Context, q dbtx.Querier, taskID string, from, to TaskState, in TaskGuardInput) error {
	if from.Terminal() {
		return merr.IllegalTransition("TASK_TERMINAL", "task is in a terminal state", map[string]any{"task_id": taskID, "state": from})
	}
	var edge *taskEdge
	for i := range taskEdges {
		if taskEdges[i].from == from && taskEdges[i].to == to {
			edge = &taskEdges[i]
			break
		}
	}
	if edge == nil {
		return merr.IllegalTransition("TASK_EDGE_NOT_ALLOWED", "no such task transition", map[string]any{"from": from, "to": to})
	}
	if err := edge.guard(in); err != nil {
		return err
	}
	return m.log.AppendTaskTransition(ctx, q, TaskTransitionLog{
		TaskID: taskID, From: from, To: to,
		Context:   map[string]any{"worker_id": in.WorkerID, "proof_id": in.ProofID, "reason": in.Reason, "admin_id": in.AdminID},
		CreatedAt: time.Now().UTC(),
	})
}
