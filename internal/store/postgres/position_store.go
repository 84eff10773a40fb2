package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solhedge/exitpilot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `p.id, p.signal_id, p.owner_id, p.token_symbol, p.chain,
	p.contract_address, p.wallet_address,
	p.entry_price, p.entry_amount_token, p.entry_amount_usd, p.current_token_balance,
	p.stop_loss_price, p.stop_loss_type, p.take_profit_price, p.peak_price,
	p.partial_tp_enabled, p.partial_tp_rules, p.partial_tp_triggered,
	p.partial_sold_pct, p.partial_sold_usd,
	p.venue_class, p.status, p.last_error,
	p.opened_at, p.updated_at, p.closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var stopType, venueClass, status string
	var rulesJSON, triggeredJSON []byte

	err := row.Scan(
		&p.ID, &p.SignalID, &p.OwnerID, &p.TokenSymbol, &p.Chain,
		&p.ContractAddress, &p.WalletAddress,
		&p.EntryPrice, &p.EntryAmountToken, &p.EntryAmountUsd, &p.CurrentTokenBalance,
		&p.StopLossPrice, &stopType, &p.TakeProfitPrice, &p.PeakPrice,
		&p.PartialTPEnabled, &rulesJSON, &triggeredJSON,
		&p.PartialSoldPct, &p.PartialSoldUsd,
		&venueClass, &status, &p.LastError,
		&p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.StopLossType = domain.StopLossType(stopType)
	p.VenueClass = domain.VenueClass(venueClass)
	p.Status = domain.PositionStatus(status)

	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &p.PartialTPRules); err != nil {
			return domain.Position{}, fmt.Errorf("decode partial_tp_rules: %w", err)
		}
	}
	if len(triggeredJSON) > 0 {
		if err := json.Unmarshal(triggeredJSON, &p.PartialTPTriggered); err != nil {
			return domain.Position{}, fmt.Errorf("decode partial_tp_triggered: %w", err)
		}
	}
	return p, nil
}

// GetRecord returns the position joined with its originating signal and
// wallet context. This is the authoritative snapshot a monitor tick reads.
func (s *PositionStore) GetRecord(ctx context.Context, id string) (domain.PositionRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+positionSelectCols+`,
			sig.id, sig.source, sig.token_symbol, sig.chain, sig.contract_address,
			sig.take_profit_pct, sig.stop_loss_pct, sig.created_at,
			w.owner_id, w.chain, w.address
		FROM positions p
		JOIN signals sig ON sig.id = p.signal_id
		JOIN wallets w ON w.owner_id = p.owner_id AND w.chain = p.chain
		WHERE p.id = $1`, id)

	var rec domain.PositionRecord
	var p domain.Position
	var stopType, venueClass, status string
	var rulesJSON, triggeredJSON []byte

	err := row.Scan(
		&p.ID, &p.SignalID, &p.OwnerID, &p.TokenSymbol, &p.Chain,
		&p.ContractAddress, &p.WalletAddress,
		&p.EntryPrice, &p.EntryAmountToken, &p.EntryAmountUsd, &p.CurrentTokenBalance,
		&p.StopLossPrice, &stopType, &p.TakeProfitPrice, &p.PeakPrice,
		&p.PartialTPEnabled, &rulesJSON, &triggeredJSON,
		&p.PartialSoldPct, &p.PartialSoldUsd,
		&venueClass, &status, &p.LastError,
		&p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
		&rec.Signal.ID, &rec.Signal.Source, &rec.Signal.TokenSymbol, &rec.Signal.Chain,
		&rec.Signal.ContractAddress, &rec.Signal.TakeProfitPct, &rec.Signal.StopLossPct,
		&rec.Signal.CreatedAt,
		&rec.Wallet.OwnerID, &rec.Wallet.Chain, &rec.Wallet.Address,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PositionRecord{}, domain.ErrNotFound
		}
		return domain.PositionRecord{}, fmt.Errorf("postgres: get position record %s: %w", id, err)
	}

	p.StopLossType = domain.StopLossType(stopType)
	p.VenueClass = domain.VenueClass(venueClass)
	p.Status = domain.PositionStatus(status)

	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &p.PartialTPRules); err != nil {
			return domain.PositionRecord{}, fmt.Errorf("postgres: decode partial_tp_rules for %s: %w", id, err)
		}
	}
	if len(triggeredJSON) > 0 {
		if err := json.Unmarshal(triggeredJSON, &p.PartialTPTriggered); err != nil {
			return domain.PositionRecord{}, fmt.Errorf("postgres: decode partial_tp_triggered for %s: %w", id, err)
		}
	}

	rec.Position = p
	return rec, nil
}

// ListOpen returns every position in holding state.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions p
		 WHERE p.status = 'holding'
		 ORDER BY p.opened_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

// ListTerminalBefore returns exited/failed positions closed before the cutoff.
func (s *PositionStore) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions p
		 WHERE p.status IN ('exited', 'failed') AND p.closed_at < $1
		 ORDER BY p.closed_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal positions: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpdateStops persists the stop-ratchet state computed on a tick.
func (s *PositionStore) UpdateStops(ctx context.Context, id string, stopPrice float64, stopType domain.StopLossType, peakPrice float64) error {
	const query = `
		UPDATE positions SET
			stop_loss_price = $2,
			stop_loss_type  = $3,
			peak_price      = $4,
			updated_at      = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, stopPrice, string(stopType), peakPrice)
	if err != nil {
		return fmt.Errorf("postgres: update stops for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetTakeProfit repairs the stored take-profit level.
func (s *PositionStore) SetTakeProfit(ctx context.Context, id string, price float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET take_profit_price = $2, updated_at = NOW() WHERE id = $1`,
		id, price)
	if err != nil {
		return fmt.Errorf("postgres: set take profit for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetVenueClass persists a repaired venue classification.
func (s *PositionStore) SetVenueClass(ctx context.Context, id string, class domain.VenueClass) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET venue_class = $2, updated_at = NOW() WHERE id = $1`,
		id, string(class))
	if err != nil {
		return fmt.Errorf("postgres: set venue class for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetStatus transitions the lifecycle state. Terminal states stamp closed_at.
func (s *PositionStore) SetStatus(ctx context.Context, id string, status domain.PositionStatus, lastError string) error {
	const query = `
		UPDATE positions SET
			status     = $2,
			last_error = $3,
			closed_at  = CASE WHEN $2 IN ('exited', 'failed') THEN NOW() ELSE closed_at END,
			updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, string(status), lastError)
	if err != nil {
		return fmt.Errorf("postgres: set status for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ApplyFill applies a confirmed sale atomically: balance decrement, sold
// accounting, the triggered-rule set, and the resulting status. The balance
// is clamped at zero so rounding drift can never take it negative, and the
// sold percentage accumulates the fill's increment capped at 100 so the
// running total never regresses.
func (s *PositionStore) ApplyFill(ctx context.Context, fill domain.PositionFill) error {
	triggeredJSON, err := json.Marshal(fill.NewTriggered)
	if err != nil {
		return fmt.Errorf("postgres: marshal triggered set: %w", err)
	}
	if fill.NewTriggered == nil {
		triggeredJSON = []byte("[]")
	}

	const query = `
		UPDATE positions SET
			current_token_balance = GREATEST(current_token_balance - $2, 0),
			partial_sold_usd      = partial_sold_usd + $3,
			partial_sold_pct      = LEAST(partial_sold_pct + $4, 100),
			partial_tp_triggered  = $5,
			status                = $6,
			closed_at             = CASE WHEN $6 IN ('exited', 'failed') THEN NOW() ELSE closed_at END,
			updated_at            = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		fill.PositionID, fill.SoldToken, fill.SoldUsd, fill.SoldPct,
		triggeredJSON, string(fill.NewStatus),
	)
	if err != nil {
		return fmt.Errorf("postgres: apply fill for %s: %w", fill.PositionID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
