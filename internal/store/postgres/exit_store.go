package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solhedge/exitpilot/internal/domain"
)

// ExitStore implements domain.ExitStore using PostgreSQL.
type ExitStore struct {
	pool *pgxpool.Pool
}

var _ domain.ExitStore = (*ExitStore)(nil)

// NewExitStore creates an ExitStore backed by the given connection pool.
func NewExitStore(pool *pgxpool.Pool) *ExitStore {
	return &ExitStore{pool: pool}
}

// CreateExecution inserts a freshly submitted exit execution.
func (s *ExitStore) CreateExecution(ctx context.Context, exec domain.ExitExecution) error {
	const query = `
		INSERT INTO exit_executions (
			id, position_id, tx_hash, trigger_type, classification,
			sell_amount_token, proceeds_usd, realized_pnl_usd, realized_pnl_pct,
			total_fees, status, submitted_at, confirmed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13
		)`

	_, err := s.pool.Exec(ctx, query,
		exec.ID, exec.PositionID, exec.TxHash, string(exec.Trigger), string(exec.Classification),
		exec.SellAmountToken, exec.ProceedsUsd, exec.RealizedPnlUsd, exec.RealizedPnlPct,
		exec.TotalFees, string(exec.Status), exec.SubmittedAt, exec.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create execution %s: %w", exec.ID, err)
	}
	return nil
}

// UpdateExecution replaces the mutable fields of an execution record.
func (s *ExitStore) UpdateExecution(ctx context.Context, exec domain.ExitExecution) error {
	const query = `
		UPDATE exit_executions SET
			tx_hash           = $2,
			classification    = $3,
			sell_amount_token = $4,
			proceeds_usd      = $5,
			realized_pnl_usd  = $6,
			realized_pnl_pct  = $7,
			total_fees        = $8,
			status            = $9,
			confirmed_at      = $10
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		exec.ID, exec.TxHash, string(exec.Classification),
		exec.SellAmountToken, exec.ProceedsUsd, exec.RealizedPnlUsd, exec.RealizedPnlPct,
		exec.TotalFees, string(exec.Status), exec.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update execution %s: %w", exec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByPosition returns all executions for a position, newest first.
func (s *ExitStore) ListByPosition(ctx context.Context, positionID string) ([]domain.ExitExecution, error) {
	const query = `
		SELECT id, position_id, tx_hash, trigger_type, classification,
			sell_amount_token, proceeds_usd, realized_pnl_usd, realized_pnl_pct,
			total_fees, status, submitted_at, confirmed_at
		FROM exit_executions
		WHERE position_id = $1
		ORDER BY submitted_at DESC`

	rows, err := s.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions for %s: %w", positionID, err)
	}
	defer rows.Close()

	var execs []domain.ExitExecution
	for rows.Next() {
		var e domain.ExitExecution
		var trigger, classification, status string

		if err := rows.Scan(
			&e.ID, &e.PositionID, &e.TxHash, &trigger, &classification,
			&e.SellAmountToken, &e.ProceedsUsd, &e.RealizedPnlUsd, &e.RealizedPnlPct,
			&e.TotalFees, &status, &e.SubmittedAt, &e.ConfirmedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		e.Trigger = domain.ExitTrigger(trigger)
		e.Classification = domain.ExitTrigger(classification)
		e.Status = domain.ExecutionStatus(status)
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// CountReverted returns how many executions for a position ended in an
// on-chain revert.
func (s *ExitStore) CountReverted(ctx context.Context, positionID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM exit_executions WHERE position_id = $1 AND status = 'reverted'`,
		positionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count reverts for %s: %w", positionID, err)
	}
	return count, nil
}

// AppendPartialSell inserts one row of ladder history.
func (s *ExitStore) AppendPartialSell(ctx context.Context, rec domain.PartialSellRecord) error {
	const query = `
		INSERT INTO partial_sells (
			id, position_id, rule_index, trigger_price, sell_percent,
			sell_amount_token, sell_amount_usd, tx_hash, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.PositionID, rec.RuleIndex, rec.TriggerPrice, rec.SellPercent,
		rec.SellAmountToken, rec.SellAmountUsd, rec.TxHash, string(rec.Status), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append partial sell for %s: %w", rec.PositionID, err)
	}
	return nil
}

// ListPartialSells returns the ladder history for a position, oldest first.
func (s *ExitStore) ListPartialSells(ctx context.Context, positionID string) ([]domain.PartialSellRecord, error) {
	const query = `
		SELECT id, position_id, rule_index, trigger_price, sell_percent,
			sell_amount_token, sell_amount_usd, tx_hash, status, created_at
		FROM partial_sells
		WHERE position_id = $1
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list partial sells for %s: %w", positionID, err)
	}
	defer rows.Close()

	var recs []domain.PartialSellRecord
	for rows.Next() {
		var r domain.PartialSellRecord
		var status string

		if err := rows.Scan(
			&r.ID, &r.PositionID, &r.RuleIndex, &r.TriggerPrice, &r.SellPercent,
			&r.SellAmountToken, &r.SellAmountUsd, &r.TxHash, &status, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan partial sell: %w", err)
		}
		r.Status = domain.ExecutionStatus(status)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// FillPartialSell writes post-confirmation proceeds onto the ladder row
// identified by its transaction hash.
func (s *ExitStore) FillPartialSell(ctx context.Context, txHash string, soldUsd float64, status domain.ExecutionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE partial_sells SET sell_amount_usd = $2, status = $3 WHERE tx_hash = $1`,
		txHash, soldUsd, string(status))
	if err != nil {
		return fmt.Errorf("postgres: fill partial sell %s: %w", txHash, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
