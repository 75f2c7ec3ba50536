package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"dmcast/internal/jobstore"
	logx "dmcast/pkg/logx"
)

// Store is the minimal persistence API used by the dispatch engine and the
// credit ledger.
type Store interface {
	ArchiveJob(ctx context.Context, j jobstore.Job) error
	WalletBalance(ctx context.Context) (int64, error)
	CreditWallet(ctx context.Context, amount int64, reference string) (int64, error)
	DebitWallet(ctx context.Context, amount int64, reference string) (int64, error)
	AppendPayment(ctx context.Context, p PaymentEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeFailures(fs []jobstore.Failure) (any, error) {
	if len(fs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(fs)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
