package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ClearScope selects which tables Clear empties.
type ClearScope uint8

const (
	ClearHistory ClearScope = 1 << iota
	ClearDevices

	ClearAll = ClearHistory | ClearDevices
)

func (s ClearScope) tables() []string {
	var tables []string
	if s&ClearHistory != 0 {
		tables = append(tables, "transfers")
	}
	if s&ClearDevices != 0 {
		tables = append(tables, "devices")
	}

	return tables
}

// Clear deletes every row of the tables in scope in one transaction.
func Clear(ctx context.Context, db *sql.DB, scope ClearScope) error {
	if db == nil {
		return errors.New("database is not initialized")
	}
	tables := scope.tables()
	if len(tables) == 0 {
		return fmt.Errorf("empty clear scope %d", scope)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range tables {
		//goland:noinspection SqlWithoutWhere
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	return tx.Commit()
}
