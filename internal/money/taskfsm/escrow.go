package taskfsm

import (
	"context"
	"time"

	"github.com/hustlexp/money-core/internal/money/dbtx"
	"github.com/hustlexp/money-core/internal/money/merr"
)

type EscrowState string

const (
	EscrowPending        EscrowState = "pending"
	EscrowFunded         EscrowState = "funded"
	EscrowHeld           EscrowState = "held"
	EscrowReleased       EscrowState = "released"
	EscrowRefunded       EscrowState = "refunded"
	EscrowPendingDispute EscrowState = "pending_dispute"
)

var escrowTerminal = map[EscrowState]bool{
	EscrowReleased: true,
	EscrowRefunded: true,
}

func (s EscrowState) Terminal() bool { return escrowTerminal[s] }

// escrowEdges is the escrow state map: pending -> funded -> {held, released,
// refunded, pending_dispute}; pending_dispute -> released|refunded.
var escrowEdges = map[EscrowState]map[EscrowState]bool{
	EscrowPending: {EscrowFunded: true},
	EscrowFunded: {
		EscrowHeld:           true,
		EscrowReleased:       true,
		EscrowRefunded:       true,
		EscrowPendingDispute: true,
	},
	EscrowHeld: {
		EscrowReleased:       true,
		EscrowRefunded:       true,
		EscrowPendingDispute: true,
	},
	EscrowPendingDispute: {
		EscrowReleased: true,
		EscrowRefunded: true,
	},
}

// EscrowTransitionLog is one append-only row in the escrow_state_log table.
type EscrowTransitionLog struct {
	TaskID    string
	From      EscrowState
	To        EscrowState
	Context   map[string]any
	CreatedAt time.Time
}

type EscrowLogStore interface {
	AppendEscrowTransition(ctx context.Context, q dbtx.Querier, entry EscrowTransitionLog) error
}

// EscrowMachine evaluates and records Escrow transitions. Every edge is
// additionally guarded by the caller's money_state_lock.next_allowed_events
// check — this machine only knows the static shape of the graph.
type EscrowMachine struct {
	log EscrowLogStore
}

func NewEscrowMachine(log EscrowLogStore) *EscrowMachine {
	return &EscrowMachine{log: log}
}

func (m *EscrowMachine) Allowed(from, to EscrowState) bool {
	return escrowEdges[from][to]
}

func (m *EscrowMachine) Transition(ctx context.Context, q dbtx.Querier, taskID string, from, to EscrowState, reasonCtx map[string]any) error {
	if from.Terminal() {
		return merr.IllegalTransition("ESCROW_TERMINAL", "escrow is in a terminal state", map[string]any{"task_id": taskID, "state": from})
	}
	if !m.Allowed(from, to) {
		return merr.IllegalTransition("ESCROW_EDGE_NOT_ALLOWED", "no such escrow transition", map[string]any{"from": from, "to": to})
	}
	return m.log.AppendEscrowTransition(ctx, q, EscrowTransitionLog{
		TaskID: taskID, From: from, To: to, Context: reasonCtx, CreatedAt: time.Now().UTC(),
	})
}

// NextAllowedEvents lists the escrow states reachable from state, the set
// the money_state_lock.next_allowed_events column stores for the Saga's
// Guard step to check action membership against.
func NextAllowedEvents(state EscrowState) []string {
	edges := escrowEdges[state]
	out := make([]string, 0, len(edges))
	for to := range edges {
		out = append(out, string(to))
	}
	return out
}
