package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"subshop-bot/internal/models"

	"gorm.io/gorm"
)

// Policy holds the knobs the product owner keeps changing their mind about.
type Policy struct {
	ReferralPercent   int           // share of the plan price credited to the referrer
	RenewalExtends    bool          // renewal extends the current end instead of restarting from now
	PendingPaymentTTL time.Duration // pending_payment older than this is swept to cancelled
}

func DefaultPolicy() Policy {
	return Policy{
		ReferralPercent:   15,
		RenewalExtends:    true,
		PendingPaymentTTL: 24 * time.Hour,
	}
}

// Engine owns every mutation of balances, subscriptions, codes and the
// delivery pool. The bot, webhook and worker layers only call into it; none
// of them write those tables directly.
type Engine struct {
	db     *gorm.DB
	policy Policy
	now    func() time.Time

	// afterDebit, when set, runs between the purchase debit and the
	// subscription activation. Fault injection seam for tests.
	afterDebit func() error
}

func New(db *gorm.DB, policy Policy) *Engine {
	return &Engine{
		db:     db,
		policy: policy,
		now:    time.Now,
	}
}

const (
	txMaxAttempts = 3
	txBackoff     = 25 * time.Millisecond
)

// inTx runs fn in one transaction, retrying on ErrConcurrentConflict with
// bounded backoff. A conflicting write (duplicate idempotency key, stolen
// delivery link) aborts the transaction; the retry re-reads and either
// observes the winner's result or applies cleanly.
func (e *Engine) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < txMaxAttempts; attempt++ {
		err = e.db.WithContext(ctx).Transaction(fn)
		if !errors.Is(err, ErrConcurrentConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(txBackoff << attempt):
		}
	}
	return err
}

// lockAccounts takes row write locks in ascending id order. The referral
// credit step is the only operation touching two accounts; a fixed total
// order keeps two mutual-referrer purchases from deadlocking.
func lockAccounts(tx *gorm.DB, ids ...uint) error {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		res := tx.Model(&models.Account{}).Where("id = ?", id).
			Update("updated_at", time.Now())
		if res.Error != nil {
			return storageErr(res.Error)
		}
	}
	return nil
}
