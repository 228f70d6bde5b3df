package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/digkill/astronote-billing/internal/models"
)

// ErrDuplicateSession is returned when an attempt for the session already exists.
var ErrDuplicateSession = errors.New("attempt for session already exists")

const mysqlDuplicateEntry = 1062

// AttemptRepository stores attempts in MySQL. Timestamps come from the
// application clock so they compare with time.Now on read.
type AttemptRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewAttemptRepository(db *sql.DB) *AttemptRepository {
	return &AttemptRepository{db: db, now: time.Now}
}

func (r *AttemptRepository) Create(ctx context.Context, attempt *models.Attempt) error {
	const query = `
INSERT INTO checkout_attempts (id, shop, session_id, kind, state, rechecks, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`
	now := r.now().UTC()
	_, err := r.db.ExecContext(ctx, query, attempt.ID, attempt.Shop, attempt.SessionID, string(attempt.Kind), string(attempt.State), attempt.Rechecks, attempt.LastError, now, now)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return ErrDuplicateSession
		}
		return fmt.Errorf("insert attempt: %w", err)
	}
	attempt.CreatedAt = now
	attempt.UpdatedAt = now
	return nil
}

func (r *AttemptRepository) GetByID(ctx context.Context, id string) (*models.Attempt, error) {
	const query = `
SELECT id, shop, session_id, kind, state, rechecks, COALESCE(last_error, ''), created_at, COALESCE(updated_at, created_at)
FROM checkout_attempts WHERE id = ?`
	return r.scan(r.db.QueryRowContext(ctx, query, id))
}

func (r *AttemptRepository) FindBySession(ctx context.Context, sessionID string) (*models.Attempt, error) {
	const query = `
SELECT id, shop, session_id, kind, state, rechecks, COALESCE(last_error, ''), created_at, COALESCE(updated_at, created_at)
FROM checkout_attempts WHERE session_id = ? LIMIT 1`
	return r.scan(r.db.QueryRowContext(ctx, query, sessionID))
}

// CompareAndSwap persists attempt only if the stored state still equals from.
func (r *AttemptRepository) CompareAndSwap(ctx context.Context, attempt *models.Attempt, from models.AttemptState) (bool, error) {
	const query = `
UPDATE checkout_attempts SET state = ?, rechecks = ?, last_error = NULLIF(?, ''), updated_at = ?
WHERE id = ? AND state = ?`
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, query, string(attempt.State), attempt.Rechecks, attempt.LastError, now, attempt.ID, string(from))
	if err != nil {
		return false, fmt.Errorf("update attempt state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("attempt rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	attempt.UpdatedAt = now
	return true, nil
}

func (r *AttemptRepository) scan(row *sql.Row) (*models.Attempt, error) {
	var a models.Attempt
	var kind, state string
	if err := row.Scan(&a.ID, &a.Shop, &a.SessionID, &kind, &state, &a.Rechecks, &a.LastError, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan attempt: %w", err)
	}
	a.Kind = models.PurchaseKind(kind)
	a.State = models.AttemptState(state)
	return &a, nil
}
