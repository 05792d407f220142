package engine

import (
	"context"
	"errors"
	"fmt"

	"subshop-bot/internal/models"

	"gorm.io/gorm"
)

// priorEntry is the idempotency guard: a ledger entry with the same key means
// the operation already applied and its result must be returned unchanged.
// The lookup runs inside the same transaction as the effect, so a reserved
// key can never exist without its entry.
func priorEntry(tx *gorm.DB, key string) (*models.LedgerEntry, bool, error) {
	var entry models.LedgerEntry
	err := tx.Where("idempotency_key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr(err)
	}
	return &entry, true, nil
}

func creditTx(tx *gorm.DB, accountID uint, amount int64, kind models.EntryKind, key, ref string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	if prior, applied, err := priorEntry(tx, key); err != nil || applied {
		return prior, err
	}

	res := tx.Model(&models.Account{}).Where("id = ?", accountID).
		Update("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return nil, storageErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("account %d: %w", accountID, ErrNotFound)
	}

	entry := &models.LedgerEntry{
		AccountID:      accountID,
		Delta:          amount,
		Kind:           kind,
		IdempotencyKey: key,
		Reference:      ref,
	}
	if err := tx.Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// lost the race for this key; retry returns the winner's entry
			return nil, ErrConcurrentConflict
		}
		return nil, storageErr(err)
	}
	return entry, nil
}

// debitTx never partially applies: the balance check and the decrement are a
// single guarded UPDATE, so a concurrent debit cannot drive the balance
// below zero.
func debitTx(tx *gorm.DB, accountID uint, amount int64, kind models.EntryKind, key, ref string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	if prior, applied, err := priorEntry(tx, key); err != nil || applied {
		return prior, err
	}

	res := tx.Model(&models.Account{}).
		Where("id = ? AND balance >= ?", accountID, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return nil, storageErr(res.Error)
	}
	if res.RowsAffected == 0 {
		var account models.Account
		err := tx.Select("id").First(&account, accountID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account %d: %w", accountID, ErrNotFound)
		}
		if err != nil {
			return nil, storageErr(err)
		}
		return nil, ErrInsufficientFunds
	}

	entry := &models.LedgerEntry{
		AccountID:      accountID,
		Delta:          -amount,
		Kind:           kind,
		IdempotencyKey: key,
		Reference:      ref,
	}
	if err := tx.Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrConcurrentConflict
		}
		return nil, storageErr(err)
	}
	return entry, nil
}

// Credit adds amount to the account balance, keyed for at-most-once
// application. Replays return the original entry as a no-op.
func (e *Engine) Credit(ctx context.Context, accountID uint, amount int64, kind models.EntryKind, key, ref string) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		var err error
		entry, err = creditTx(tx, accountID, amount, kind, key, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Debit removes amount from the account balance or fails with
// ErrInsufficientFunds without touching anything.
func (e *Engine) Debit(ctx context.Context, accountID uint, amount int64, kind models.EntryKind, key, ref string) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	err := e.inTx(ctx, func(tx *gorm.DB) error {
		var err error
		entry, err = debitTx(tx, accountID, amount, kind, key, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Engine) BalanceOf(ctx context.Context, accountID uint) (int64, error) {
	var account models.Account
	err := e.db.WithContext(ctx).Select("id", "balance").First(&account, accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("account %d: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return 0, storageErr(err)
	}
	return account.Balance, nil
}

// EntriesOf returns the account's ledger trail, newest first.
func (e *Engine) EntriesOf(ctx context.Context, accountID uint, limit int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := e.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, storageErr(err)
	}
	return entries, nil
}

// Refund is an explicit credit; cancelling a subscription never issues one
// automatically.
func (e *Engine) Refund(ctx context.Context, accountID uint, amount int64, key, ref string) (*models.LedgerEntry, error) {
	return e.Credit(ctx, accountID, amount, models.EntryRefund, key, ref)
}
