package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otplane/settler/internal/domain"
)

const uniqueViolation = "23505"

// Postgres implements Store on pgx. Schema: db/schema.sql.
type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

var _ Store = (*Postgres)(nil)

func (s *Postgres) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	acc := domain.Account{UserID: userID}
	err := s.Db.QueryRow(ctx,
		"SELECT user_id, balance, free_verifications, created_at FROM accounts WHERE user_id = $1",
		userID,
	).Scan(&acc.UserID, &acc.Balance, &acc.FreeVerifications, &acc.CreatedAt)
	if err == pgx.ErrNoRows {
		// Accounts materialize on first ledger activity.
		return &acc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get account: %v", domain.ErrPersistence, err)
	}
	return &acc, nil
}

const verificationColumns = `id, user_id, service_name, country, capability, phone_number,
	provider, activation_id, cost, status, idempotency_key,
	COALESCE(sms_code, ''), COALESCE(sms_text, ''), COALESCE(failure_reason, ''),
	created_at, completed_at`

func scanVerification(row pgx.Row) (*domain.Verification, error) {
	var v domain.Verification
	err := row.Scan(&v.ID, &v.UserID, &v.ServiceName, &v.Country, &v.Capability,
		&v.PhoneNumber, &v.Provider, &v.ActivationID, &v.Cost, &v.Status,
		&v.IdempotencyKey, &v.SMSCode, &v.SMSText, &v.FailureReason,
		&v.CreatedAt, &v.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Postgres) GetVerification(ctx context.Context, id string) (*domain.Verification, error) {
	v, err := scanVerification(s.Db.QueryRow(ctx,
		"SELECT "+verificationColumns+" FROM verifications WHERE id = $1", id))
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get verification: %v", domain.ErrPersistence, err)
	}
	return v, nil
}

func (s *Postgres) GetVerificationByKey(ctx context.Context, userID, key string) (*domain.Verification, error) {
	v, err := scanVerification(s.Db.QueryRow(ctx,
		"SELECT "+verificationColumns+" FROM verifications WHERE user_id = $1 AND idempotency_key = $2",
		userID, key))
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get verification by key: %v", domain.ErrPersistence, err)
	}
	return v, nil
}

func (s *Postgres) ListPending(ctx context.Context) ([]domain.Verification, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+verificationColumns+" FROM verifications WHERE status = 'pending' ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("%w: list pending: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var out []domain.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan pending: %v", domain.ErrPersistence, err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (s *Postgres) ListUnrefundedTerminal(ctx context.Context) ([]domain.Verification, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT `+verificationColumns+` FROM verifications
		 WHERE status IN ('timeout', 'cancelled', 'failed') AND cost > 0
		   AND NOT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE idempotency_key = 'refund:' || verifications.id)
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("%w: list unrefunded: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var out []domain.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan unrefunded: %v", domain.ErrPersistence, err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateVerificationWithDebit(ctx context.Context, v *domain.Verification, entry *domain.LedgerEntry) (*domain.Verification, bool, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, false, fmt.Errorf("%w: tx begin: %v", domain.ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		"INSERT INTO accounts (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING",
		v.UserID,
	); err != nil {
		return nil, false, fmt.Errorf("%w: ensure account: %v", domain.ErrPersistence, err)
	}

	var balance int64
	var free int
	if err := tx.QueryRow(ctx,
		"SELECT balance, free_verifications FROM accounts WHERE user_id = $1 FOR UPDATE",
		v.UserID,
	).Scan(&balance, &free); err != nil {
		return nil, false, fmt.Errorf("%w: lock account: %v", domain.ErrPersistence, err)
	}

	useFree := entry == nil
	if useFree {
		if free < 1 {
			return nil, false, domain.ErrInsufficientCredits
		}
	} else if balance+entry.Amount < 0 {
		return nil, false, domain.ErrInsufficientCredits
	}

	_, err = tx.Exec(ctx, `INSERT INTO verifications
		(id, user_id, service_name, country, capability, phone_number, provider,
		 activation_id, cost, status, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		v.ID, v.UserID, v.ServiceName, v.Country, v.Capability, v.PhoneNumber,
		v.Provider, v.ActivationID, v.Cost, v.Status, v.IdempotencyKey, v.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// Replay race: another purchase with the same key committed
			// first. Return its row; this caller applied nothing.
			tx.Rollback(ctx)
			existing, lookupErr := s.GetVerificationByKey(ctx, v.UserID, v.IdempotencyKey)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("%w: insert verification: %v", domain.ErrPersistence, err)
	}

	if useFree {
		if _, err := tx.Exec(ctx,
			"UPDATE accounts SET free_verifications = free_verifications - 1 WHERE user_id = $1",
			v.UserID,
		); err != nil {
			return nil, false, fmt.Errorf("%w: consume free verification: %v", domain.ErrPersistence, err)
		}
	} else {
		if _, err := applyEntryTx(ctx, tx, entry); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("%w: tx commit: %v", domain.ErrPersistence, err)
	}
	return v, true, nil
}

func (s *Postgres) TransitionVerification(ctx context.Context, id string, to domain.Status, upd TransitionUpdate) (bool, error) {
	tag, err := s.Db.Exec(ctx, `UPDATE verifications SET
		status = $2,
		sms_code = COALESCE(NULLIF($3, ''), sms_code),
		sms_text = COALESCE(NULLIF($4, ''), sms_text),
		failure_reason = COALESCE(NULLIF($5, ''), failure_reason),
		completed_at = COALESCE($6, completed_at)
		WHERE id = $1 AND status = 'pending'`,
		id, to, upd.SMSCode, upd.SMSText, upd.FailureReason, upd.CompletedAt)
	if err != nil {
		return false, fmt.Errorf("%w: transition: %v", domain.ErrPersistence, err)
	}
	return tag.RowsAffected() == 1, nil
}

// applyEntryTx inserts the entry and moves the balance inside an open
// transaction. applied=false means the key already existed.
func applyEntryTx(ctx context.Context, tx pgx.Tx, entry *domain.LedgerEntry) (bool, error) {
	tag, err := tx.Exec(ctx, `INSERT INTO ledger_entries
		(id, user_id, amount, kind, idempotency_key, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		entry.ID, entry.UserID, entry.Amount, entry.Kind, entry.IdempotencyKey,
		entry.Reference, entry.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("%w: insert entry: %v", domain.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO accounts (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING",
		entry.UserID,
	); err != nil {
		return false, fmt.Errorf("%w: ensure account: %v", domain.ErrPersistence, err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1 WHERE user_id = $2",
		entry.Amount, entry.UserID,
	); err != nil {
		return false, fmt.Errorf("%w: move balance: %v", domain.ErrPersistence, err)
	}
	return true, nil
}

func (s *Postgres) ApplyEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, bool, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("%w: tx begin: %v", domain.ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	applied, err := applyEntryTx(ctx, tx, entry)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		tx.Rollback(ctx)
		existing, err := s.entryByKey(ctx, entry.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("%w: tx commit: %v", domain.ErrPersistence, err)
	}
	return entry, true, nil
}

const entryColumns = "id, user_id, amount, kind, idempotency_key, reference, created_at"

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := row.Scan(&e.ID, &e.UserID, &e.Amount, &e.Kind, &e.IdempotencyKey,
		&e.Reference, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Postgres) entryByKey(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	e, err := scanEntry(s.Db.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE idempotency_key = $1", key))
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: entry by key: %v", domain.ErrPersistence, err)
	}
	return e, nil
}

func (s *Postgres) entriesWhere(ctx context.Context, clause string, arg any) ([]domain.LedgerEntry, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE "+clause+" ORDER BY created_at DESC", arg)
	if err != nil {
		return nil, fmt.Errorf("%w: list entries: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan entry: %v", domain.ErrPersistence, err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *Postgres) EntriesByUser(ctx context.Context, userID string) ([]domain.LedgerEntry, error) {
	return s.entriesWhere(ctx, "user_id = $1", userID)
}

func (s *Postgres) EntriesByReference(ctx context.Context, reference string) ([]domain.LedgerEntry, error) {
	return s.entriesWhere(ctx, "reference = $1", reference)
}

func (s *Postgres) CreateIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	_, err := s.Db.Exec(ctx, `INSERT INTO payment_intents
		(id, user_id, reference, idempotency_key, amount, state, credited, lock_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		intent.ID, intent.UserID, intent.Reference, intent.IdempotencyKey,
		intent.Amount, intent.State, intent.Credited, intent.LockVersion, intent.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: intent reference or key exists", domain.ErrValidation)
		}
		return fmt.Errorf("%w: insert intent: %v", domain.ErrPersistence, err)
	}
	return nil
}

const intentColumns = "id, user_id, reference, idempotency_key, amount, state, credited, lock_version, created_at"

func scanIntent(row pgx.Row) (*domain.PaymentIntent, error) {
	var in domain.PaymentIntent
	err := row.Scan(&in.ID, &in.UserID, &in.Reference, &in.IdempotencyKey,
		&in.Amount, &in.State, &in.Credited, &in.LockVersion, &in.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *Postgres) GetIntentByReference(ctx context.Context, reference string) (*domain.PaymentIntent, error) {
	in, err := scanIntent(s.Db.QueryRow(ctx,
		"SELECT "+intentColumns+" FROM payment_intents WHERE reference = $1", reference))
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: intent by reference: %v", domain.ErrPersistence, err)
	}
	return in, nil
}

func (s *Postgres) ListUnsettledIntents(ctx context.Context, olderThan time.Time) ([]domain.PaymentIntent, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT `+intentColumns+` FROM payment_intents
		 WHERE state IN ('pending', 'processing') AND credited = FALSE AND created_at < $1
		 ORDER BY created_at`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("%w: list unsettled: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var out []domain.PaymentIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan intent: %v", domain.ErrPersistence, err)
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

func (s *Postgres) SettleIntent(ctx context.Context, intent *domain.PaymentIntent, entry *domain.LedgerEntry) (bool, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("%w: tx begin: %v", domain.ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE payment_intents
		SET state = 'settled', credited = TRUE, lock_version = lock_version + 1
		WHERE id = $1 AND credited = FALSE AND lock_version = $2`,
		intent.ID, intent.LockVersion)
	if err != nil {
		return false, fmt.Errorf("%w: settle intent: %v", domain.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the optimistic-lock race; the winner applied the credit.
		return false, nil
	}

	if _, err := applyEntryTx(ctx, tx, entry); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("%w: tx commit: %v", domain.ErrPersistence, err)
	}
	return true, nil
}

func (s *Postgres) FailIntent(ctx context.Context, intent *domain.PaymentIntent) (bool, error) {
	tag, err := s.Db.Exec(ctx, `UPDATE payment_intents
		SET state = 'failed', lock_version = lock_version + 1
		WHERE id = $1 AND credited = FALSE AND state IN ('pending', 'processing') AND lock_version = $2`,
		intent.ID, intent.LockVersion)
	if err != nil {
		return false, fmt.Errorf("%w: fail intent: %v", domain.ErrPersistence, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) MarkIntentProcessing(ctx context.Context, intent *domain.PaymentIntent) (bool, error) {
	tag, err := s.Db.Exec(ctx, `UPDATE payment_intents
		SET state = 'processing', lock_version = lock_version + 1
		WHERE id = $1 AND credited = FALSE AND state = 'pending' AND lock_version = $2`,
		intent.ID, intent.LockVersion)
	if err != nil {
		return false, fmt.Errorf("%w: mark intent processing: %v", domain.ErrPersistence, err)
	}
	return tag.RowsAffected() == 1, nil
}
