package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/store"
)

const credentialColumns = `id, name, secret, active, usage_today, limit_per_day, last_used_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*domain.Credential, error) {
	var (
		c                    domain.Credential
		lastUsed             sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Secret, &c.Active, &c.UsageToday, &c.LimitPerDay,
		&lastUsed, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if c.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return nil, fmt.Errorf("parse last_used_at for %s: %w", c.ID, err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", c.ID, err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for %s: %w", c.ID, err)
	}
	return &c, nil
}

// ListCredentials returns every credential ordered by creation time.
func (s *Store) ListCredentials(ctx context.Context) ([]*domain.Credential, error) {
	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials ORDER BY created_at, id`)
	if err != nil {
		return nil, wrapErr("list credentials", err)
	}
	defer rows.Close()

	creds := []*domain.Credential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, wrapErr("scan credential", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate credentials", err)
	}
	return creds, nil
}

// GetCredential returns one credential by ID.
func (s *Store) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	row := s.db.Reader.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	c, err := scanCredential(row)
	if err != nil {
		return nil, wrapErr("get credential "+id, err)
	}
	return c, nil
}

// CreateCredential inserts c; the UNIQUE index on secret rejects duplicates.
func (s *Store) CreateCredential(ctx context.Context, c *domain.Credential) error {
	now := s.now().UTC()
	c.ID = uuid.NewString()
	c.CreatedAt = now
	c.UpdatedAt = now

	const query = `INSERT INTO credentials (` + credentialColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Writer.ExecContext(ctx, query,
		c.ID, c.Name, c.Secret, c.Active, c.UsageToday, c.LimitPerDay,
		nullTime(c.LastUsedAt), formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if isUniqueViolation(err) {
		return domain.ErrDuplicateCredential
	}
	return wrapErr("create credential", err)
}

// UpdateCredential applies patch in a single transaction.
func (s *Store) UpdateCredential(ctx context.Context, id string, patch domain.CredentialPatch) (*domain.Credential, error) {
	var updated *domain.Credential
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanCredential(tx.QueryRowContext(ctx,
			`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id))
		if err != nil {
			return err
		}
		patch.Apply(cur)
		cur.UpdatedAt = s.now().UTC()

		_, err = tx.ExecContext(ctx,
			`UPDATE credentials SET name = ?, secret = ?, active = ?, limit_per_day = ?, updated_at = ? WHERE id = ?`,
			cur.Name, cur.Secret, cur.Active, cur.LimitPerDay, formatTime(cur.UpdatedAt), id)
		if err != nil {
			return err
		}
		updated = cur
		return nil
	})
	if isUniqueViolation(err) {
		return nil, domain.ErrDuplicateCredential
	}
	if err != nil {
		return nil, wrapErr("update credential "+id, err)
	}
	return updated, nil
}

// DeleteCredential removes the row; usage history goes with it via ON DELETE CASCADE.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.Writer.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return wrapErr("delete credential "+id, err)
	}
	return affectedOne(res, "delete credential "+id)
}

// SetCredentialsActive flips active on every listed id and counts the rows found.
func (s *Store) SetCredentialsActive(ctx context.Context, ids []string, active bool) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{active, formatTime(s.now())}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.Writer.ExecContext(ctx,
		`UPDATE credentials SET active = ?, updated_at = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, wrapErr("set active", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrapErr("set active", err)
}

// ResetUsage zeroes usage_today for ids, or for every credential.
func (s *Store) ResetUsage(ctx context.Context, ids ...string) (int, error) {
	query := `UPDATE credentials SET usage_today = 0, updated_at = ?`
	args := []any{formatTime(s.now())}
	if len(ids) > 0 {
		query += ` WHERE id IN (` + placeholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := s.db.Writer.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrapErr("reset usage", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrapErr("reset usage", err)
}

// IncrementUsage bumps usage_today and the day's history row in one
// transaction. Both counters saturate at math.MaxInt64.
func (s *Store) IncrementUsage(ctx context.Context, id string, amount int64, usedAt time.Time) error {
	op := "increment usage " + id
	if amount < 0 {
		amount = 0
	}
	headroom := int64(math.MaxInt64) - amount
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE credentials
			 SET usage_today = CASE WHEN usage_today > ? THEN ? ELSE usage_today + ? END,
			     last_used_at = ?
			 WHERE id = ?`,
			headroom, int64(math.MaxInt64), amount, formatTime(usedAt), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO usage_history (credential_id, day, count) VALUES (?, ?, ?)
			 ON CONFLICT(credential_id, day) DO UPDATE
			 SET count = CASE WHEN count > ? THEN ? ELSE count + excluded.count END`,
			id, store.DayKey(usedAt), amount, headroom, int64(math.MaxInt64))
		return err
	})
	return wrapErr(op, err)
}

// TouchCredential only sets last_used_at.
func (s *Store) TouchCredential(ctx context.Context, id string, usedAt time.Time) error {
	res, err := s.db.Writer.ExecContext(ctx,
		`UPDATE credentials SET last_used_at = ? WHERE id = ?`, formatTime(usedAt), id)
	if err != nil {
		return wrapErr("touch credential "+id, err)
	}
	return affectedOne(res, "touch credential "+id)
}

// UsageHistory returns per-day usage for one credential.
func (s *Store) UsageHistory(ctx context.Context, id string) (map[string]int64, error) {
	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT day, count FROM usage_history WHERE credential_id = ? ORDER BY day`, id)
	if err != nil {
		return nil, wrapErr("usage history "+id, err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			day   string
			count int64
		)
		if err := rows.Scan(&day, &count); err != nil {
			return nil, wrapErr("scan usage history", err)
		}
		out[day] = count
	}
	return out, wrapErr("iterate usage history", rows.Err())
}

// PruneUsageHistory deletes history rows older than before's day.
func (s *Store) PruneUsageHistory(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.Writer.ExecContext(ctx,
		`DELETE FROM usage_history WHERE day < ?`, store.DayKey(before))
	if err != nil {
		return 0, wrapErr("prune usage history", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrapErr("prune usage history", err)
}

func affectedOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
