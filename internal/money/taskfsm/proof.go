package taskfsm

import (
	"context"
	"time"

	"github.com/hustlexp/money-core/internal/money/dbtx"
	"github.com/hustlexp/money-core/internal/money/merr"
)

type ProofState string

const (
	ProofNone      ProofState = "NONE"
	ProofRequested ProofState = "REQUESTED"
	ProofSubmitted ProofState = "SUBMITTED"
	ProofAnalyzing ProofState = "ANALYZING"
	ProofVerified  ProofState = "VERIFIED"
	ProofRejected  ProofState = "REJECTED"
	ProofEscalated ProofState = "ESCALATED"
	ProofLocked    ProofState = "LOCKED"
)

// proofEdges is the proof state map:
// NONE->REQUESTED->SUBMITTED->ANALYZING->{VERIFIED|REJECTED|ESCALATED};
// VERIFIED->LOCKED (terminal); REJECTED->REQUESTED allowed;
// ESCALATED->{VERIFIED|REJECTED} admin only.
var proofEdges = map[ProofState]map[ProofState]bool{
	ProofNone:      {ProofRequested: true},
	ProofRequested: {ProofSubmitted: true},
	ProofSubmitted: {ProofAnalyzing: true},
	ProofAnalyzing: {ProofVerified: true, ProofRejected: true, ProofEscalated: true},
	ProofVerified:  {ProofLocked: true},
	ProofRejected:  {ProofRequested: true},
	ProofEscalated: {ProofVerified: true, ProofRejected: true}, // admin only
}

func (s ProofState) Terminal() bool { return s == ProofLocked }

type ProofTransitionLog struct {
	TaskID    string
	ProofID   string
	From      ProofState
	To        ProofState
	Context   map[string]any
	CreatedAt time.Time
}

type ProofLogStore interface {
	AppendProofTransition(ctx context.Context, q dbtx.Querier, entry ProofTransitionLog) error
}

type ProofMachine struct {
	log ProofLogStore
}

func NewProofMachine(log ProofLogStore) *ProofMachine {
	return &ProofMachine{log: log}
}

// Transition validates (from, to). isAdmin must be true for edges out of
// ESCALATED, which only an admin override may reach.
func (m *ProofMachine) Transition(ctx context.Context, q dbtx.Querier, taskID, proofID string, from, to ProofState, isAdmin bool, reasonCtx map[string]any) error {
	if from.Terminal() {
		return merr.IllegalTransition("PROOF_TERMINAL", "proof is in a terminal state", map[string]any{"proof_id": proofID})
	}
	if !proofEdges[from][to] {
		return merr.IllegalTransition("PROOF_EDGE_NOT_ALLOWED", "no such proof transition", map[string]any{"from": from, "to": to})
	}
	if from == ProofEscalated && !isAdmin {
		return merr.IllegalTransition("PROOF_ESCALATION_REQUIRES_ADMIN", "resolving an escalated proof requires an admin", map[string]any{"proof_id": proofID})
	}
	return m.log.AppendProofTransition(ctx, q, ProofTransitionLog{
		TaskID: taskID, ProofID: proofID, From: from, To: to, Context: reasonCtx, CreatedAt: time.Now().UTC(),
	})
}
