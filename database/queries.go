package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db        DBTX
	tableName string
}

// NewQueries creates a new Queries instance with the given table name.
func NewQueries(db DBTX, tableName string) *Queries {
	return &Queries{
		db:        db,
		tableName: tableName,
	}
}

var (
	// The conditional update only fires for a free or expired lock; otherwise
	// no row is returned.
	acquireLockSQL = `
INSERT INTO %s_locks AS l (cluster_id, lock_key, holder, fencing_token, expires_at)
VALUES ($1, $2, $3, 1, $4)
ON CONFLICT (cluster_id, lock_key)
DO UPDATE SET
    holder = EXCLUDED.holder,
    fencing_token = l.fencing_token + 1,
    expires_at = EXCLUDED.expires_at
WHERE l.holder = '' OR l.expires_at <= $5
RETURNING fencing_token;`

	releaseLockSQL = `
UPDATE %s_locks
SET holder = ''
WHERE cluster_id = $1 AND lock_key = $2 AND holder = $3;`

	getLockSQL = `
SELECT cluster_id, lock_key, holder, fencing_token, expires_at
FROM %s_locks
WHERE cluster_id = $1 AND lock_key = $2;`

	setMemberSQL = `
INSERT INTO %s_members (cluster_id, node_id, address, weight, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (cluster_id, node_id)
DO UPDATE SET
    address = EXCLUDED.address,
    weight = EXCLUDED.weight,
    expires_at = EXCLUDED.expires_at;`

	renewMemberSQL = `
UPDATE %s_members
SET expires_at = $3
WHERE cluster_id = $1 AND node_id = $2;`

	listMembersSQL = `
SELECT cluster_id, node_id, address, weight, expires_at
FROM %s_members
WHERE cluster_id = $1 AND expires_at > $2
ORDER BY node_id ASC;`

	deleteMemberSQL = `
DELETE FROM %s_members
WHERE cluster_id = $1 AND node_id = $2;`

	deleteExpiredMembersSQL = `
DELETE FROM %s_members
WHERE cluster_id = $1 AND expires_at <= $2;`
)

// AcquireLock takes the lock for holder when it is free or expired at now.
// It returns the new fencing token and whether the lock was acquired.
func (q *Queries) AcquireLock(ctx context.Context, clusterID, lockKey, holder string, expiresAt, now time.Time) (int64, bool, error) {
	var (
		query = fmt.Sprintf(acquireLockSQL, q.tableName)
		token int64
		err   = q.db.QueryRowContext(ctx, query, clusterID, lockKey, holder, expiresAt, now).Scan(&token)
	)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return token, true, nil
}

// ReleaseLock frees the lock if holder still owns it.
func (q *Queries) ReleaseLock(ctx context.Context, clusterID, lockKey, holder string) (bool, error) {
	var query = fmt.Sprintf(releaseLockSQL, q.tableName)
	result, err := q.db.ExecContext(ctx, query, clusterID, lockKey, holder)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read released rows: %w", err)
	}
	return affected > 0, nil
}

// GetLock retrieves a lock row, or nil if the key was never locked.
func (q *Queries) GetLock(ctx context.Context, clusterID, lockKey string) (*LockRecord, error) {
	var (
		query  = fmt.Sprintf(getLockSQL, q.tableName)
		record LockRecord
		err    = q.db.QueryRowContext(ctx, query, clusterID, lockKey).Scan(
			&record.ClusterID, &record.LockKey, &record.Holder, &record.FencingToken, &record.ExpiresAt,
		)
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	return &record, nil
}

// SetMember inserts or updates a member lease.
func (q *Queries) SetMember(ctx context.Context, member *MemberRecord) error {
	var query = fmt.Sprintf(setMemberSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query,
		member.ClusterID, member.NodeID, member.Address, member.Weight, member.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set member: %w", err)
	}
	return nil
}

// RenewMember extends a member lease. It reports false when the row is
// gone, for example after another node expired it.
func (q *Queries) RenewMember(ctx context.Context, clusterID, nodeID string, expiresAt time.Time) (bool, error) {
	var query = fmt.Sprintf(renewMemberSQL, q.tableName)
	result, err := q.db.ExecContext(ctx, query, clusterID, nodeID, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to renew member: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read renewed rows: %w", err)
	}
	return affected > 0, nil
}

// ListMembers returns the members whose lease is live at now, ordered by node ID.
func (q *Queries) ListMembers(ctx context.Context, clusterID string, now time.Time) ([]*MemberRecord, error) {
	var (
		query     = fmt.Sprintf(listMembersSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, clusterID, now)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*MemberRecord
	for rows.Next() {
		var member MemberRecord
		if err := rows.Scan(&member.ClusterID, &member.NodeID, &member.Address, &member.Weight, &member.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, &member)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return members, nil
}

// DeleteMember removes a member lease.
func (q *Queries) DeleteMember(ctx context.Context, clusterID, nodeID string) error {
	var query = fmt.Sprintf(deleteMemberSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, clusterID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to delete member: %w", err)
	}
	return nil
}

// DeleteExpiredMembers removes every member lease expired at now.
func (q *Queries) DeleteExpiredMembers(ctx context.Context, clusterID string, now time.Time) (int64, error) {
	var query = fmt.Sprintf(deleteExpiredMembersSQL, q.tableName)
	result, err := q.db.ExecContext(ctx, query, clusterID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired members: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read deleted rows: %w", err)
	}
	return deleted, nil
}
