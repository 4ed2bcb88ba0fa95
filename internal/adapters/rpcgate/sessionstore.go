package rpcgate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "dmwatch/pkg/logx"
)

// sessionStore persists the authenticated session for one monitor in a
// small SQLite file. The format is private to this adapter.
//
// A corrupted file must never permanently block startup: when SQLite
// reports the file is not a database, the store deletes it and starts
// fresh (re-authentication will follow).
type sessionStore struct {
	db   *sql.DB
	path string
}

const sessionSchema = `
CREATE TABLE IF NOT EXISTS session (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;
`

func openSessionStore(path string, log logx.Logger) (*sessionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	st, err := tryOpenSessionStore(path)
	if err == nil {
		return st, nil
	}
	if !isCorruptDB(err) {
		return nil, err
	}

	log.Error("session store is corrupted, recreating", logx.String("path", path), logx.Err(err))
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("remove corrupted session store: %w", err)
	}
	return tryOpenSessionStore(path)
}

func tryOpenSessionStore(path string) (*sessionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Schema creation doubles as the corruption probe: SQLite only reads
	// the file header on first real statement.
	if _, err := db.Exec(sessionSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sessionStore{db: db, path: path}, nil
}

func isCorruptDB(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "not a database") || strings.Contains(s, "(26)")
}

func (s *sessionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sessionStore) get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM session WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sessionStore) put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// Session store keys.
const (
	keyAuthToken = "auth_token"
	keyUserID    = "user_id"
)

func (s *sessionStore) AuthToken(ctx context.Context) (string, error) {
	v, _, err := s.get(ctx, keyAuthToken)
	return v, err
}

func (s *sessionStore) SaveAuth(ctx context.Context, token, userID string) error {
	if err := s.put(ctx, keyAuthToken, token); err != nil {
		return err
	}
	return s.put(ctx, keyUserID, userID)
}
