package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"dmcast/internal/jobstore"
	logx "dmcast/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "dmcast.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) returned a store, want nil", driver)
		}
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestArchiveJobUpsert(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	j := jobstore.Job{
		ID:           "job-1",
		GuildID:      "g1",
		Message:      "hello",
		Filter:       "all",
		Status:       jobstore.StatusCompleted,
		TotalMembers: 3,
		SentCount:    2,
		FailedCount:  1,
		Failures: []jobstore.Failure{
			{Recipient: "ana#0001", Reason: "Failed to create DM channel"},
		},
		CreatedAt:   time.Now().Add(-time.Minute),
		StartedAt:   time.Now().Add(-50 * time.Second),
		CompletedAt: time.Now(),
	}
	if err := st.ArchiveJob(ctx, j); err != nil {
		t.Fatalf("ArchiveJob: %v", err)
	}

	// Archiving the same job again replaces the row instead of erroring.
	j.SentCount = 3
	j.FailedCount = 0
	j.Failures = nil
	if err := st.ArchiveJob(ctx, j); err != nil {
		t.Fatalf("ArchiveJob upsert: %v", err)
	}
}

func TestWalletCreditDebit(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	balance, err := st.WalletBalance(ctx)
	if err != nil {
		t.Fatalf("WalletBalance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("fresh balance = %d, want 0", balance)
	}

	if balance, err = st.CreditWallet(ctx, 100, "order-1"); err != nil {
		t.Fatalf("CreditWallet: %v", err)
	}
	if balance != 100 {
		t.Fatalf("balance after credit = %d, want 100", balance)
	}

	if balance, err = st.DebitWallet(ctx, 40, "broadcast"); err != nil {
		t.Fatalf("DebitWallet: %v", err)
	}
	if balance != 60 {
		t.Fatalf("balance after debit = %d, want 60", balance)
	}

	_, err = st.DebitWallet(ctx, 61, "broadcast")
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("overdraw err = %v, want ErrInsufficientCredits", err)
	}
	if balance, err = st.WalletBalance(ctx); err != nil || balance != 60 {
		t.Fatalf("balance after failed debit = %d, %v; want 60", balance, err)
	}
}

func TestAppendPayment(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	err := st.AppendPayment(ctx, PaymentEntry{
		Reference: "order-1",
		Amount:    100,
		Source:    "shop",
		Note:      "first top-up",
	})
	if err != nil {
		t.Fatalf("AppendPayment: %v", err)
	}
	// Zero At is stamped on insert.
	err = st.AppendPayment(ctx, PaymentEntry{Reference: "order-2", Amount: 5})
	if err != nil {
		t.Fatalf("AppendPayment without timestamp: %v", err)
	}
}
