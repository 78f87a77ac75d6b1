package nonce

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS used_nonces (
	chain_id TEXT NOT NULL,
	account  TEXT NOT NULL,
	nonce    TEXT NOT NULL,
	used_at  INTEGER NOT NULL,
	PRIMARY KEY (chain_id, account, nonce)
)`

// SQLiteLedger is a durable Ledger backed by a SQLite database file.
// Atomicity of CheckAndMark comes from the primary key: the insert either
// creates the row or is ignored, and RowsAffected tells the two apart.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLiteLedger opens (or creates) the ledger database at path.
// Use ":memory:" for a throwaway database in tests.
func OpenSQLiteLedger(ctx context.Context, path string) (*SQLiteLedger, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open nonce database: %w", err)
	}
	// SQLite serializes writers; one connection also keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create nonce schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) Has(ctx context.Context, key Key) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM used_nonces WHERE chain_id = ? AND account = ? AND nonce = ?`,
		key.ChainID.String(), strings.ToLower(key.Account.Hex()), key.Nonce.String(),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query nonce %s: %w", key, err)
	}
	return true, nil
}

func (l *SQLiteLedger) CheckAndMark(ctx context.Context, key Key) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO used_nonces (chain_id, account, nonce, used_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (chain_id, account, nonce) DO NOTHING`,
		key.ChainID.String(), strings.ToLower(key.Account.Hex()), key.Nonce.String(), time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark nonce %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark nonce %s: %w", key, err)
	}
	return n == 1, nil
}

// Close closes the underlying database
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
