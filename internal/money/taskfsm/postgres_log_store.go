package taskfsm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hustlexp/money-core/internal/idgen"
	"github.com/hustlexp/money-core/internal/money/dbtx"
)

// PostgresLogStore implements TaskLogStore, EscrowLogStore, and
// ProofLogStore against the task_state_log/escrow_state_log/proof_state_log
// tables — one struct since all three are append-only rows with the same
// shape (id, subject id(s), from, to, context, created_at), mirroring how
// append-only audit writers are grouped together.
type PostgresLogStore struct{}

func NewPostgresLogStore() *PostgresLogStore { return &PostgresLogStore{} }

func (s *PostgresLogStore) AppendTaskTransition(ctx context.Context, q dbtx.Querier, entry TaskTransitionLog) error {
	ctxJSON, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("taskfsm: marshal task transition context: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO task_state_log (id, task_id, from_state, to_state, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, idgen.NewMonotonicULID().String(), entry.TaskID, entry.From, entry.To, ctxJSON, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("taskfsm: append task transition: %w", err)
	}
	return nil
}

func (s *PostgresLogStore) AppendEscrowTransition(ctx context.Context, q dbtx.Querier, entry EscrowTransitionLog) error {
	ctxJSON, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("taskfsm: marshal escrow transition context: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO escrow_state_log (id, task_id, from_state, to_state, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, idgen.NewMonotonicULID().String(), entry.TaskID, entry.From, entry.To, ctxJSON, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("taskfsm: append escrow transition: %w", err)
	}
	return nil
}

func (s *PostgresLogStore) AppendProofTransition(ctx context.Context, q dbtx.Querier, entry ProofTransitionLog) error {
	ctxJSON, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("taskfsm: marshal proof transition context: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO proof_state_log (id, task_id, proof_id, from_state, to_state, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, idgen.NewMonotonicULID().String(), entry.TaskID, entry.ProofID, entry.From, entry.To, ctxJSON, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("taskfsm: append proof transition: %w", err)
	}
	return nil
}
