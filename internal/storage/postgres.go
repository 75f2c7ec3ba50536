package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"dmcast/internal/jobstore"
	logx "dmcast/pkg/logx"
)

//go:embed migrations_postgres.sql
var pgMigrationsFS embed.FS

type pgStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	st := &pgStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("postgres archive opened")
	return st, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	b, err := pgMigrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *pgStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *pgStore) ArchiveJob(ctx context.Context, j jobstore.Job) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	failures, err := encodeFailures(j.Failures)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, guild_id, status, filter, message, total, sent, failed, failures, err, created_at, started_at, completed_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (id) DO UPDATE SET
		   status=excluded.status, total=excluded.total, sent=excluded.sent,
		   failed=excluded.failed, failures=excluded.failures, err=excluded.err,
		   started_at=excluded.started_at, completed_at=excluded.completed_at`,
		j.ID, j.GuildID, string(j.Status), j.Filter, j.Message,
		j.TotalMembers, j.SentCount, j.FailedCount, failures, nullStr(j.Error),
		formatTime(j.CreatedAt), formatTime(j.StartedAt), formatTime(j.CompletedAt),
	)
	return err
}

func (s *pgStore) WalletBalance(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM wallet WHERE id = 1`).Scan(&balance)
	return balance, err
}

func (s *pgStore) CreditWallet(ctx context.Context, amount int64, reference string) (int64, error) {
	return s.adjustWallet(ctx, amount, reference)
}

func (s *pgStore) DebitWallet(ctx context.Context, amount int64, reference string) (int64, error) {
	return s.adjustWallet(ctx, -amount, reference)
}

// adjustWallet applies a signed delta. The guarded UPDATE enforces the
// non-negative balance without an explicit row lock.
func (s *pgStore) adjustWallet(ctx context.Context, delta int64, reference string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`UPDATE wallet SET balance = balance + $1 WHERE id = 1 AND balance + $1 >= 0 RETURNING balance`,
		delta,
	).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallet_log(at, delta, balance, reference) VALUES($1,$2,$3,$4)`,
		formatTime(time.Now()), delta, next, nullStr(reference),
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *pgStore) AppendPayment(ctx context.Context, p PaymentEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if p.At.IsZero() {
		p.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments(at, reference, amount, source, note) VALUES($1,$2,$3,$4,$5)`,
		formatTime(p.At), p.Reference, p.Amount, nullStr(p.Source), nullStr(p.Note),
	)
	return err
}
