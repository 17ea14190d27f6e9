package database

import (
	"database/sql"
	"fmt"
)

var (
	createLocksTableSQL = `
CREATE TABLE IF NOT EXISTS %s_locks (
    cluster_id      VARCHAR       NOT NULL,
    lock_key        VARCHAR       NOT NULL,
    holder          VARCHAR       NOT NULL,
    fencing_token   BIGINT        NOT NULL,
    expires_at      TIMESTAMPTZ   NOT NULL,

    PRIMARY KEY (cluster_id, lock_key)
);`

	createMembersTableSQL = `
CREATE TABLE IF NOT EXISTS %s_members (
    cluster_id    VARCHAR       NOT NULL,
    node_id       VARCHAR       NOT NULL,
    address       VARCHAR       NOT NULL,
    weight        INTEGER       NOT NULL,
    expires_at    TIMESTAMPTZ   NOT NULL,

    PRIMARY KEY (cluster_id, node_id)
);`

	createMembersIndexSQL = `
CREATE INDEX IF NOT EXISTS %s
ON %s_members (cluster_id, expires_at);`
)

// Migrate creates the locks and members tables with indexes.
func Migrate(db *sql.DB, tableName string) error {
	if err := createLocksTable(db, tableName); err != nil {
		return err
	}

	if err := createMembersTable(db, tableName); err != nil {
		return err
	}

	if err := createMembersIndex(db, tableName); err != nil {
		return err
	}

	return nil
}

func createLocksTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createLocksTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create locks table: %w", err)
	}
	return nil
}

func createMembersTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createMembersTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create members table: %w", err)
	}
	return nil
}

func createMembersIndex(db *sql.DB, tableName string) error {
	var (
		indexName = fmt.Sprintf("%s_members_expires_idx", tableName)
		query     = fmt.Sprintf(createMembersIndexSQL, indexName, tableName)
	)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create members index: %w", err)
	}
	return nil
}
