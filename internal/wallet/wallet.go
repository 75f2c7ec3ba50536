// Package wallet gates broadcast admission on a prepaid credit balance.
// Credits arrive from an external payment system through the credit
// endpoint; each delivered message consumes credits.
package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"dmcast/internal/storage"
	logx "dmcast/pkg/logx"
)

// Ledger tracks credits in the archive store. A nil Ledger means credit
// gating is off and every broadcast is admitted.
type Ledger struct {
	store             storage.Store
	creditsPerMessage int64
	log               logx.Logger
}

// New builds a ledger. Returns nil when the store is absent or the
// per-message cost is zero, which disables gating entirely.
func New(store storage.Store, creditsPerMessage int64, log logx.Logger) *Ledger {
	if store == nil || creditsPerMessage <= 0 {
		return nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{store: store, creditsPerMessage: creditsPerMessage, log: log}
}

// Balance reports the current credit balance.
func (l *Ledger) Balance(ctx context.Context) (int64, error) {
	if l == nil {
		return 0, storage.ErrDisabled
	}
	return l.store.WalletBalance(ctx)
}

// Credit tops up the wallet and records the payment that funded it.
// An empty reference gets a generated one so the log stays traceable.
func (l *Ledger) Credit(ctx context.Context, amount int64, reference, source string) (int64, error) {
	if l == nil {
		return 0, storage.ErrDisabled
	}
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive")
	}
	if reference == "" {
		reference = uuid.NewString()
	}
	balance, err := l.store.CreditWallet(ctx, amount, reference)
	if err != nil {
		return 0, err
	}
	if err := l.store.AppendPayment(ctx, storage.PaymentEntry{
		Reference: reference,
		Amount:    amount,
		Source:    source,
	}); err != nil {
		l.log.Warn("payment log append failed", logx.String("ref", reference), logx.Err(err))
	}
	l.log.Info("wallet credited",
		logx.Int64("amount", amount),
		logx.Int64("balance", balance),
		logx.String("ref", reference),
	)
	return balance, nil
}

// Authorize admits a broadcast when the balance covers every resolved
// recipient. Nothing is reserved; the debit happens at completion for the
// messages actually delivered.
func (l *Ledger) Authorize(ctx context.Context, recipients int) error {
	if l == nil {
		return nil
	}
	balance, err := l.store.WalletBalance(ctx)
	if err != nil {
		return fmt.Errorf("wallet balance: %w", err)
	}
	need := int64(recipients) * l.creditsPerMessage
	if balance < need {
		return fmt.Errorf("%w: need %d, have %d", storage.ErrInsufficientCredits, need, balance)
	}
	return nil
}

// Consume debits credits for delivered messages. A failure is logged by the
// caller and never rolls back deliveries that already happened.
func (l *Ledger) Consume(ctx context.Context, sent int) error {
	if l == nil || sent <= 0 {
		return nil
	}
	_, err := l.store.DebitWallet(ctx, int64(sent)*l.creditsPerMessage, "broadcast")
	return err
}
