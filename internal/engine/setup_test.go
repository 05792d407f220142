package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"subshop-bot/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// one connection, or each pooled conn gets its own :memory: database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Account{},
		&models.LedgerEntry{},
		&models.Plan{},
		&models.Subscription{},
		&models.RedeemableCode{},
		&models.Redemption{},
		&models.DeliveryLink{},
	))

	return New(db, DefaultPolicy())
}

var testTelegramID int64 = 1000

func newAccount(t *testing.T, e *Engine) *models.Account {
	t.Helper()
	testTelegramID++
	account, err := e.UpsertAccount(context.Background(), testTelegramID, fmt.Sprintf("user%d", testTelegramID))
	require.NoError(t, err)
	return account
}

func newPlan(t *testing.T, e *Engine, name string, price int64, days int) *models.Plan {
	t.Helper()
	plan := &models.Plan{Name: name, Price: price, DurationDays: days, Active: true}
	require.NoError(t, e.db.Create(plan).Error)
	return plan
}

// fund tops up the account outside the flow under test.
func fund(t *testing.T, e *Engine, accountID uint, amount int64) {
	t.Helper()
	key := fmt.Sprintf("fund-%d-%d", accountID, time.Now().UnixNano())
	_, err := e.Credit(context.Background(), accountID, amount, models.EntryDeposit, key, "test")
	require.NoError(t, err)
}

// entrySum recomputes the balance from the ledger trail.
func entrySum(t *testing.T, e *Engine, accountID uint) int64 {
	t.Helper()
	var sum int64
	err := e.db.Model(&models.LedgerEntry{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(delta), 0)").Scan(&sum).Error
	require.NoError(t, err)
	return sum
}

func balance(t *testing.T, e *Engine, accountID uint) int64 {
	t.Helper()
	bal, err := e.BalanceOf(context.Background(), accountID)
	require.NoError(t, err)
	return bal
}
