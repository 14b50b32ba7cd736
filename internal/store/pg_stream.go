package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sitegov/governor/internal/models"
)

// Streaming bookkeeping for proposal actions. The action payload itself stays
// immutable; only stream_status/attempts/streamed_at move. The DB remains the
// source of truth for retries: a claim that is never marked streamed is picked
// up again after it falls back to pending.

const maxStreamAttempts = 5

// ClaimPendingActions selects up to batch pending actions with
// FOR UPDATE SKIP LOCKED and marks them in_progress, so concurrent streamer
// replicas never claim the same action twice.
func (s *PGStore) ClaimPendingActions(ctx context.Context, batch int) ([]models.ProposalAction, error) {
	if batch <= 0 {
		batch = 10
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const selectPending = `
		SELECT id FROM proposal_actions
		WHERE stream_status='pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.QueryContext(ctx, selectPending, batch)
	if err != nil {
		return nil, fmt.Errorf("select pending actions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending action id: %w", err)
		}
		ids = append(ids, id.String())
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	const claim = `
		UPDATE proposal_actions
		SET stream_status='in_progress', attempts=attempts+1
		WHERE id = ANY($1)
		RETURNING id, proposal_id, kind, actor, reason, metadata, created_at
	`
	claimed, err := tx.QueryContext(ctx, claim, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("claim pending actions: %w", err)
	}
	var actions []models.ProposalAction
	for claimed.Next() {
		var (
			a        models.ProposalAction
			metadata []byte
		)
		if err := claimed.Scan(&a.ID, &a.ProposalID, &a.Kind, &a.Actor, &a.Reason, &metadata, &a.CreatedAt); err != nil {
			claimed.Close()
			return nil, fmt.Errorf("scan claimed action: %w", err)
		}
		a.Metadata = append(json.RawMessage(nil), metadata...)
		actions = append(actions, a)
	}
	claimed.Close()
	if err := claimed.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return actions, nil
}

// MarkActionStreamed records a successful produce+archive for one action.
func (s *PGStore) MarkActionStreamed(ctx context.Context, id uuid.UUID) error {
	const query = `
		UPDATE proposal_actions
		SET stream_status='streamed', streamed_at=NOW()
		WHERE id=$1
	`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark action streamed: %w", err)
	}
	return requireAffected(res)
}

// MarkActionStreamFailed returns the action to pending for retry, or parks it
// as failed once it has exhausted its attempts.
func (s *PGStore) MarkActionStreamFailed(ctx context.Context, id uuid.UUID) error {
	const query = `
		UPDATE proposal_actions
		SET stream_status = CASE WHEN attempts >= $2 THEN 'failed' ELSE 'pending' END
		WHERE id=$1
	`
	res, err := s.db.ExecContext(ctx, query, id, maxStreamAttempts)
	if err != nil {
		return fmt.Errorf("mark action stream failed: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
