package cachering

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go-cachering/database"
)

// validClusterIDPattern validates PostgreSQL-safe identifiers
var validClusterIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateClusterID checks if the clusterID is valid for use as a PostgreSQL identifier.
func ValidateClusterID(clusterID string) error {
	if clusterID == "" {
		return errors.New("clusterID cannot be empty")
	}

	if len(clusterID) > 63 {
		return errors.New("clusterID must be 63 characters or less")
	}

	if !validClusterIDPattern.MatchString(clusterID) {
		return ErrInvalidClusterID
	}

	return nil
}

// PostgresLockStore is a FencedStore backed by a <clusterID>_locks table,
// shared by every node of the cluster.
type PostgresLockStore struct {
	clusterID string
	queries   *database.Queries
	now       func() time.Time

	mu     sync.Mutex
	tokens map[string]heldLock // By holder token, until released
}

// heldLock is an acquisition made through this store.
type heldLock struct {
	key   string
	token uint64
}

// NewPostgresLockStore validates clusterID and creates the lock tables if needed.
func NewPostgresLockStore(db *sql.DB, clusterID string) (*PostgresLockStore, error) {
	if err := ValidateClusterID(clusterID); err != nil {
		return nil, fmt.Errorf("invalid clusterID: %w", err)
	}

	if err := database.Migrate(db, clusterID); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &PostgresLockStore{
		clusterID: clusterID,
		queries:   database.NewQueries(db, clusterID),
		now:       time.Now,
		tokens:    make(map[string]heldLock),
	}, nil
}

func (s *PostgresLockStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var now = s.now()
	token, acquired, err := s.queries.AcquireLock(ctx, s.clusterID, key, value, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %q: %w", key, err)
	}

	if acquired {
		s.mu.Lock()
		s.tokens[value] = heldLock{key: key, token: uint64(token)}
		s.mu.Unlock()
	}
	return acquired, nil
}

func (s *PostgresLockStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	if held, ok := s.tokens[expected]; ok && held.key == key {
		delete(s.tokens, expected)
	}
	s.mu.Unlock()

	var released, err = s.queries.ReleaseLock(ctx, s.clusterID, key, expected)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %q: %w", key, err)
	}
	return released, nil
}

// FencingToken returns the token handed out when holder acquired key. The
// token stays valid after the lock expires: a later holder always gets a
// higher one, so stores still reject the older write.
func (s *PostgresLockStore) FencingToken(ctx context.Context, key, holder string) (uint64, error) {
	s.mu.Lock()
	var held, ok = s.tokens[holder]
	s.mu.Unlock()
	if ok && held.key == key {
		return held.token, nil
	}

	var record, err = s.queries.GetLock(ctx, s.clusterID, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read lock %q: %w", key, err)
	}

	if record == nil || record.Holder != holder || !s.now().Before(record.ExpiresAt) {
		return 0, fmt.Errorf("%w: %s", ErrLockNotHeld, key)
	}
	return uint64(record.FencingToken), nil
}
