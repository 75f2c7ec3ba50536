package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled            = errors.New("storage disabled")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string        // sqlite only
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PaymentEntry records one external payment that topped up the wallet.
// Keep it compact and schema-stable.
type PaymentEntry struct {
	At        time.Time
	Reference string
	Amount    int64
	Source    string
	Note      string
}
