package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	logx "busping/pkg/logx"

	_ "github.com/lib/pq"
)

// postgresStore serializes Update per (bucket, key) with a transaction-scoped
// advisory lock, which also covers keys that do not exist yet.
type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	schema, err := migrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newPostgres(db, log), nil
}

// newPostgres wraps an already-migrated database handle.
func newPostgres(db *sql.DB, log logx.Logger) *postgresStore {
	return &postgresStore{db: db, log: log}
}

const (
	pgSelect = `SELECT value FROM blobs WHERE bucket = $1 AND key = $2`
	pgUpsert = `INSERT INTO blobs (bucket, key, value, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (bucket, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	pgDelete = `DELETE FROM blobs WHERE bucket = $1 AND key = $2`
	pgLock   = `SELECT pg_advisory_xact_lock(hashtext($1))`
)

func (s *postgresStore) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, pgSelect, bucket, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *postgresStore) Put(ctx context.Context, bucket, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, pgUpsert, bucket, key, value)
	return err
}

func (s *postgresStore) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.db.ExecContext(ctx, pgDelete, bucket, key)
	return err
}

func (s *postgresStore) Update(ctx context.Context, bucket, key string, fn UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, pgLock, bucket+"/"+key); err != nil {
		return err
	}

	var cur []byte
	ok := true
	err = tx.QueryRowContext(ctx, pgSelect, bucket, key).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		ok, err = false, nil
	}
	if err != nil {
		return err
	}

	next, write, err := applyUpdate(fn, cur, ok)
	if err != nil || !write {
		return err
	}
	if next == nil {
		_, err = tx.ExecContext(ctx, pgDelete, bucket, key)
	} else {
		_, err = tx.ExecContext(ctx, pgUpsert, bucket, key, next)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *postgresStore) Close() error { return s.db.Close() }
