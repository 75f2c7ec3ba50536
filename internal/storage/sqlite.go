package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dmcast/internal/jobstore"
	logx "dmcast/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteMigrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite archive opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := sqliteMigrationsFS.ReadFile("migrations_sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ArchiveJob(ctx context.Context, j jobstore.Job) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	failures, err := encodeFailures(j.Failures)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, guild_id, status, filter, message, total, sent, failed, failures, err, created_at, started_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, total=excluded.total, sent=excluded.sent,
		   failed=excluded.failed, failures=excluded.failures, err=excluded.err,
		   started_at=excluded.started_at, completed_at=excluded.completed_at`,
		j.ID, j.GuildID, string(j.Status), j.Filter, j.Message,
		j.TotalMembers, j.SentCount, j.FailedCount, failures, nullStr(j.Error),
		formatTime(j.CreatedAt), formatTime(j.StartedAt), formatTime(j.CompletedAt),
	)
	return err
}

func (s *sqliteStore) WalletBalance(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM wallet WHERE id = 1`).Scan(&balance)
	return balance, err
}

func (s *sqliteStore) CreditWallet(ctx context.Context, amount int64, reference string) (int64, error) {
	return s.adjustWallet(ctx, amount, reference)
}

func (s *sqliteStore) DebitWallet(ctx context.Context, amount int64, reference string) (int64, error) {
	return s.adjustWallet(ctx, -amount, reference)
}

// adjustWallet applies a signed delta inside one transaction so the balance
// check and the update cannot interleave with another writer.
func (s *sqliteStore) adjustWallet(ctx context.Context, delta int64, reference string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM wallet WHERE id = 1`).Scan(&balance); err != nil {
		return 0, err
	}
	next := balance + delta
	if next < 0 {
		return balance, ErrInsufficientCredits
	}
	if _, err := tx.ExecContext(ctx, `UPDATE wallet SET balance = ? WHERE id = 1`, next); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallet_log(at, delta, balance, reference) VALUES(?,?,?,?)`,
		formatTime(time.Now()), delta, next, nullStr(reference),
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *sqliteStore) AppendPayment(ctx context.Context, p PaymentEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if p.At.IsZero() {
		p.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments(at, reference, amount, source, note) VALUES(?,?,?,?,?)`,
		formatTime(p.At), p.Reference, p.Amount, nullStr(p.Source), nullStr(p.Note),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
