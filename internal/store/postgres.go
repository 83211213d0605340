package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aibaverse/arena-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// counters that must move atomically live in single rows updated with
// conditional statements, so correctness does not depend on the number of
// service replicas.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Subjects and owners ---

func (s *PostgresStore) CreateSubject(ctx context.Context, sub *model.Subject) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subjects (id, owner_id, level, attack, defense, stamina, cooldown_until)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.OwnerID, sub.Level, sub.Attack, sub.Defense, sub.Stamina, sub.CooldownUntil,
	)
	return err
}

func (s *PostgresStore) GetSubject(ctx context.Context, id string) (*model.Subject, error) {
	var sub model.Subject
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, level, attack, defense, stamina, cooldown_until
		 FROM subjects WHERE id = $1`, id).
		Scan(&sub.ID, &sub.OwnerID, &sub.Level, &sub.Attack, &sub.Defense,
			&sub.Stamina, &sub.CooldownUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subject %s: %w", id, err)
	}
	return &sub, nil
}

func (s *PostgresStore) SpendSubjectResources(ctx context.Context, id string, staminaCost int, cooldownUntil time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subjects SET stamina = stamina - $2, cooldown_until = $3
		 WHERE id = $1 AND stamina >= $2`,
		id, staminaCost, cooldownUntil,
	)
	if err != nil {
		return fmt.Errorf("spend resources %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientStamina
	}
	return nil
}

func (s *PostgresStore) UpsertOwner(ctx context.Context, o *model.Owner) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO owners (id, withdrawal_address, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET withdrawal_address = EXCLUDED.withdrawal_address`,
		o.ID, o.WithdrawalAddress, o.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetOwner(ctx context.Context, id string) (*model.Owner, error) {
	var o model.Owner
	err := s.pool.QueryRow(ctx,
		`SELECT id, withdrawal_address, created_at FROM owners WHERE id = $1`, id).
		Scan(&o.ID, &o.WithdrawalAddress, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get owner %s: %w", id, err)
	}
	return &o, nil
}

// --- Balances ---

func (s *PostgresStore) GetBalances(ctx context.Context, ownerID string) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner_id, currency, amount::TEXT
		 FROM balances WHERE owner_id = $1 ORDER BY currency`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []model.Balance
	for rows.Next() {
		var b model.Balance
		var amountS string
		if err := rows.Scan(&b.OwnerID, &b.Currency, &amountS); err != nil {
			return nil, err
		}
		b.Amount, _ = decimal.NewFromString(amountS)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// CreditBalance credits in a single statement: the dedup row insert and the
// balance upsert are tied together through a data-modifying CTE, so a
// retried sourceID credits nothing.
func (s *PostgresStore) CreditBalance(ctx context.Context, ownerID, currency string, amount decimal.Decimal, sourceID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`WITH src AS (
		     INSERT INTO credit_sources (source_id, owner_id, currency, amount, created_at)
		     VALUES ($1, $2, $3, $4::NUMERIC, now())
		     ON CONFLICT (source_id) DO NOTHING
		     RETURNING source_id
		 )
		 INSERT INTO balances (owner_id, currency, amount)
		 SELECT $2, $3, $4::NUMERIC FROM src
		 ON CONFLICT (owner_id, currency)
		 DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		sourceID, ownerID, currency, amount.String(),
	)
	if err != nil {
		return false, fmt.Errorf("credit %s %s: %w", ownerID, currency, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) DebitBalance(ctx context.Context, ownerID, currency string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE balances SET amount = amount - $3::NUMERIC
		 WHERE owner_id = $1 AND currency = $2 AND amount >= $3::NUMERIC`,
		ownerID, currency, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("debit %s %s: %w", ownerID, currency, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// --- Emission ledger ---

// ensureEmissionDay lazily creates the (day, currency) row. Idempotent;
// separate from the conditional increment because a data-modifying CTE's
// rows are not visible to the outer statement.
func (s *PostgresStore) ensureEmissionDay(ctx context.Context, day, currency string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO emission_days (day, currency, global_emitted, category_emitted, burned, spent)
		 VALUES ($1, $2, 0, '{}'::JSONB, 0, 0)
		 ON CONFLICT (day, currency) DO NOTHING`,
		day, currency,
	)
	return err
}

// EmitAndCredit runs the dedup insert, the cap check with both counter
// increments, and the balance credit in one transaction. The conditional
// UPDATE moves the global counter and the category counter together or not
// at all; a rollback on cap breach also removes the dedup row, so the same
// source can be proposed again tomorrow.
func (s *PostgresStore) EmitAndCredit(ctx context.Context, day, currency, scope string, amount, globalCap, categoryCap decimal.Decimal, ownerID, sourceID string) (bool, error) {
	if err := s.ensureEmissionDay(ctx, day, currency); err != nil {
		return false, fmt.Errorf("ensure emission day: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("emit and credit: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO credit_sources (source_id, owner_id, currency, amount, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, now())
		 ON CONFLICT (source_id) DO NOTHING`,
		sourceID, ownerID, currency, amount.String(),
	)
	if err != nil {
		return false, fmt.Errorf("emit source %s: %w", sourceID, err)
	}
	if tag.RowsAffected() == 0 {
		// A prior attempt already emitted and credited this source. The
		// amount is deterministic per token, so there is nothing to redo.
		return true, nil
	}

	tag, err = tx.Exec(ctx,
		`UPDATE emission_days
		 SET global_emitted = global_emitted + $4::NUMERIC,
		     category_emitted = jsonb_set(category_emitted, ARRAY[$3],
		         to_jsonb(COALESCE((category_emitted->>$3)::NUMERIC, 0) + $4::NUMERIC))
		 WHERE day = $1 AND currency = $2
		   AND global_emitted + $4::NUMERIC <= $5::NUMERIC
		   AND COALESCE((category_emitted->>$3)::NUMERIC, 0) + $4::NUMERIC <= $6::NUMERIC`,
		day, currency, scope, amount.String(), globalCap.String(), categoryCap.String(),
	)
	if err != nil {
		return false, fmt.Errorf("emit %s/%s: %w", currency, scope, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO balances (owner_id, currency, amount)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (owner_id, currency)
		 DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		ownerID, currency, amount.String(),
	)
	if err != nil {
		return false, fmt.Errorf("credit reward %s %s: %w", ownerID, currency, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit emit %s: %w", sourceID, err)
	}
	return true, nil
}

func (s *PostgresStore) RecordSpend(ctx context.Context, day, currency string, amount decimal.Decimal) error {
	if err := s.ensureEmissionDay(ctx, day, currency); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE emission_days SET spent = spent + $3::NUMERIC
		 WHERE day = $1 AND currency = $2`,
		day, currency, amount.String(),
	)
	return err
}

func (s *PostgresStore) RecordBurn(ctx context.Context, day, currency string, amount decimal.Decimal) error {
	if err := s.ensureEmissionDay(ctx, day, currency); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE emission_days SET burned = burned + $3::NUMERIC
		 WHERE day = $1 AND currency = $2`,
		day, currency, amount.String(),
	)
	return err
}

func (s *PostgresStore) GetEmissionDay(ctx context.Context, day, currency string) (*model.EmissionDay, error) {
	var e model.EmissionDay
	var globalS, burnedS, spentS string
	var categoryJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT day, currency, global_emitted::TEXT, category_emitted, burned::TEXT, spent::TEXT
		 FROM emission_days WHERE day = $1 AND currency = $2`, day, currency).
		Scan(&e.Day, &e.Currency, &globalS, &categoryJSON, &burnedS, &spentS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get emission day %s/%s: %w", day, currency, err)
	}

	e.GlobalEmitted, _ = decimal.NewFromString(globalS)
	e.Burned, _ = decimal.NewFromString(burnedS)
	e.Spent, _ = decimal.NewFromString(spentS)
	if err := json.Unmarshal(categoryJSON, &e.CategoryEmitted); err != nil {
		return nil, fmt.Errorf("decode category totals: %w", err)
	}
	return &e, nil
}

// --- Idempotency locks ---

func (s *PostgresStore) InsertLock(ctx context.Context, lock *model.IdempotencyLock) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_locks (scope, token, owner_id, status, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (scope, token, owner_id) DO NOTHING`,
		lock.Scope, lock.Token, lock.OwnerID, lock.Status, lock.ExpiresAt, lock.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetLock(ctx context.Context, scope, token, ownerID string) (*model.IdempotencyLock, error) {
	var l model.IdempotencyLock
	err := s.pool.QueryRow(ctx,
		`SELECT scope, token, owner_id, status, COALESCE(response, ''), COALESCE(last_error, ''), expires_at, created_at
		 FROM idempotency_locks WHERE scope = $1 AND token = $2 AND owner_id = $3`,
		scope, token, ownerID).
		Scan(&l.Scope, &l.Token, &l.OwnerID, &l.Status, &l.Response, &l.LastError,
			&l.ExpiresAt, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) ResetFailedLock(ctx context.Context, scope, token, ownerID string, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE idempotency_locks
		 SET status = $4, last_error = '', expires_at = $5
		 WHERE scope = $1 AND token = $2 AND owner_id = $3 AND status = $6`,
		scope, token, ownerID, model.LockInProgress, expiresAt, model.LockFailed,
	)
	if err != nil {
		return false, fmt.Errorf("reset lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompleteLock(ctx context.Context, scope, token, ownerID string, response []byte, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE idempotency_locks
		 SET status = $4, response = $5, expires_at = $6
		 WHERE scope = $1 AND token = $2 AND owner_id = $3`,
		scope, token, ownerID, model.LockCompleted, response, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("complete lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailLock(ctx context.Context, scope, token, ownerID, cause string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE idempotency_locks
		 SET status = $4, last_error = $5, expires_at = $6
		 WHERE scope = $1 AND token = $2 AND owner_id = $3`,
		scope, token, ownerID, model.LockFailed, cause, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("fail lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_locks WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Settlements ---

func (s *PostgresStore) InsertSettlement(ctx context.Context, r *model.SettlementRecord) error {
	flags, err := json.Marshal(r.Flags)
	if err != nil {
		return err
	}
	rewards, err := json.Marshal(r.Rewards)
	if err != nil {
		return err
	}
	var claimJSON []byte
	if r.Claim != nil {
		if claimJSON, err = json.Marshal(r.Claim); err != nil {
			return err
		}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO settlements (request_token, owner_id, subject_id, category, sub_category,
		                          seed, score, flags, rewards, claim, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::JSONB, $9::JSONB, $10::JSONB, $11)`,
		r.RequestToken, r.OwnerID, r.SubjectID, r.Category, r.SubCategory,
		r.Seed, r.Score, flags, rewards, claimJSON, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert settlement %s: %w", r.RequestToken, err)
	}
	return nil
}

func (s *PostgresStore) GetSettlement(ctx context.Context, requestToken string) (*model.SettlementRecord, error) {
	var r model.SettlementRecord
	var flags, rewards, claimJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT request_token, owner_id, subject_id, category, sub_category,
		        seed, score, flags, rewards, claim, created_at
		 FROM settlements WHERE request_token = $1`, requestToken).
		Scan(&r.RequestToken, &r.OwnerID, &r.SubjectID, &r.Category, &r.SubCategory,
			&r.Seed, &r.Score, &flags, &rewards, &claimJSON, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", requestToken, err)
	}

	if err := json.Unmarshal(flags, &r.Flags); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rewards, &r.Rewards); err != nil {
		return nil, err
	}
	if len(claimJSON) > 0 {
		r.Claim = &model.Claim{}
		if err := json.Unmarshal(claimJSON, r.Claim); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// --- Pool events ---

func (s *PostgresStore) CreatePoolEvent(ctx context.Context, e *model.PoolEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pool_events (id, subject_a, subject_b, category, status,
		                          total_a, total_b, fee_rate, fee_amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, 0, $9)`,
		e.ID, e.SubjectA, e.SubjectB, e.Category, e.Status,
		e.TotalA.String(), e.TotalB.String(), e.FeeRate.String(), e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetPoolEvent(ctx context.Context, id string) (*model.PoolEvent, error) {
	var e model.PoolEvent
	var totalA, totalB, feeRate, feeAmount string
	var winner *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, subject_a, subject_b, category, status,
		        total_a::TEXT, total_b::TEXT, fee_rate::TEXT, fee_amount::TEXT,
		        winner, resolved_at, created_at
		 FROM pool_events WHERE id = $1`, id).
		Scan(&e.ID, &e.SubjectA, &e.SubjectB, &e.Category, &e.Status,
			&totalA, &totalB, &feeRate, &feeAmount,
			&winner, &e.ResolvedAt, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pool event %s: %w", id, err)
	}

	e.TotalA, _ = decimal.NewFromString(totalA)
	e.TotalB, _ = decimal.NewFromString(totalB)
	e.FeeRate, _ = decimal.NewFromString(feeRate)
	e.FeeAmount, _ = decimal.NewFromString(feeAmount)
	if winner != nil {
		e.Winner = *winner
	}
	return &e, nil
}

// StakeBet places one bet in a single transaction. The bet row is the
// idempotency anchor: its uniqueness over (event_id, request_token) means a
// retried token cannot debit or add to the side total a second time, and a
// rollback on any failure leaves no partial placement to refund.
func (s *PostgresStore) StakeBet(ctx context.Context, b *model.Bet) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("stake bet: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO bets (id, event_id, owner_id, side, amount, request_token, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)
		 ON CONFLICT (event_id, request_token) DO NOTHING`,
		b.ID, b.EventID, b.OwnerID, b.Side, b.Amount.String(), b.RequestToken, b.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert bet %s: %w", b.RequestToken, err)
	}
	if tag.RowsAffected() == 0 {
		// A prior attempt committed the full placement; surface its row ID.
		err := tx.QueryRow(ctx,
			`SELECT id FROM bets WHERE event_id = $1 AND request_token = $2`,
			b.EventID, b.RequestToken).Scan(&b.ID)
		if err != nil {
			return false, fmt.Errorf("read existing bet %s: %w", b.RequestToken, err)
		}
		return false, nil
	}

	tag, err = tx.Exec(ctx,
		`UPDATE pool_events
		 SET total_a = total_a + CASE WHEN $2 = 'A' THEN $3::NUMERIC ELSE 0 END,
		     total_b = total_b + CASE WHEN $2 = 'B' THEN $3::NUMERIC ELSE 0 END
		 WHERE id = $1 AND status = 'open'`,
		b.EventID, b.Side, b.Amount.String(),
	)
	if err != nil {
		return false, fmt.Errorf("add pool stake %s: %w", b.EventID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrPoolNotOpen
	}

	tag, err = tx.Exec(ctx,
		`UPDATE balances SET amount = amount - $3::NUMERIC
		 WHERE owner_id = $1 AND currency = $2 AND amount >= $3::NUMERIC`,
		b.OwnerID, model.CurrencyAIBA, b.Amount.String(),
	)
	if err != nil {
		return false, fmt.Errorf("debit stake %s: %w", b.OwnerID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrInsufficientFunds
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit stake %s: %w", b.RequestToken, err)
	}
	return true, nil
}

func (s *PostgresStore) ListBetsBySide(ctx context.Context, eventID, side string) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, owner_id, side, amount::TEXT, request_token, created_at
		 FROM bets WHERE event_id = $1 AND side = $2 ORDER BY created_at`, eventID, side)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var amountS string
		if err := rows.Scan(&b.ID, &b.EventID, &b.OwnerID, &b.Side, &amountS,
			&b.RequestToken, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Amount, _ = decimal.NewFromString(amountS)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func (s *PostgresStore) GetOwnerOpenStakes(ctx context.Context, ownerID string) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.category, COALESCE(SUM(b.amount), 0)::TEXT
		 FROM bets b
		 JOIN pool_events p ON p.id = b.event_id
		 WHERE b.owner_id = $1 AND p.status = 'open'
		 GROUP BY p.category`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stakes := make(map[string]decimal.Decimal)
	for rows.Next() {
		var cat, amountS string
		if err := rows.Scan(&cat, &amountS); err != nil {
			return nil, err
		}
		amount, _ := decimal.NewFromString(amountS)
		stakes[cat] = amount
	}
	return stakes, rows.Err()
}

// BeginPoolResolution runs the open → resolving guard and the treasury fee
// credit in one transaction: two concurrent resolvers cannot both succeed,
// and the fee entry never exists without the status transition. The fee is
// computed from the row's own totals inside the guard UPDATE, so a stake
// that commits right before the transition is still part of the pot.
func (s *PostgresStore) BeginPoolResolution(ctx context.Context, eventID, winner, treasuryID, feeSourceID string, resolvedAt time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin pool resolution: %w", err)
	}
	defer tx.Rollback(ctx)

	var feeS string
	err = tx.QueryRow(ctx,
		`UPDATE pool_events
		 SET status = 'resolving', winner = $2,
		     fee_amount = trunc((total_a + total_b) * fee_rate, 9),
		     resolved_at = $3
		 WHERE id = $1 AND status = 'open'
		 RETURNING fee_amount::TEXT`,
		eventID, winner, resolvedAt,
	).Scan(&feeS)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark resolving %s: %w", eventID, err)
	}

	_, err = tx.Exec(ctx,
		`WITH src AS (
		     INSERT INTO credit_sources (source_id, owner_id, currency, amount, created_at)
		     VALUES ($1, $2, $3, $4::NUMERIC, now())
		     ON CONFLICT (source_id) DO NOTHING
		     RETURNING source_id
		 )
		 INSERT INTO balances (owner_id, currency, amount)
		 SELECT $2, $3, $4::NUMERIC FROM src
		 ON CONFLICT (owner_id, currency)
		 DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		feeSourceID, treasuryID, model.CurrencyAIBA, feeS,
	)
	if err != nil {
		return false, fmt.Errorf("book treasury fee %s: %w", eventID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit pool resolution %s: %w", eventID, err)
	}
	return true, nil
}

func (s *PostgresStore) FinishPoolResolution(ctx context.Context, eventID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pool_events SET status = 'resolved'
		 WHERE id = $1 AND status = 'resolving'`, eventID)
	if err != nil {
		return fmt.Errorf("finish pool resolution %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPoolNotOpen
	}
	return nil
}

func (s *PostgresStore) CancelPoolEvent(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pool_events SET status = 'cancelled'
		 WHERE id = $1 AND status = 'open'`, eventID)
	if err != nil {
		return false, fmt.Errorf("cancel pool event %s: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Policies ---

func (s *PostgresStore) ListPolicies(ctx context.Context) ([]model.Policy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT currency, scope, daily_cap::TEXT, multiplier::TEXT FROM policies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []model.Policy
	for rows.Next() {
		var p model.Policy
		var capS, multS string
		if err := rows.Scan(&p.Currency, &p.Scope, &capS, &multS); err != nil {
			return nil, err
		}
		p.DailyCap, _ = decimal.NewFromString(capS)
		p.Multiplier, _ = decimal.NewFromString(multS)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (s *PostgresStore) UpsertPolicy(ctx context.Context, p *model.Policy) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO policies (currency, scope, daily_cap, multiplier)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (currency, scope)
		 DO UPDATE SET daily_cap = EXCLUDED.daily_cap, multiplier = EXCLUDED.multiplier`,
		p.Currency, p.Scope, p.DailyCap.String(), p.Multiplier.String(),
	)
	return err
}
