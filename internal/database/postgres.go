package database

import (
	"fmt"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"subshop-bot/internal/config"
	"subshop-bot/internal/models"
)

func ConnectPostgres(cfg *config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)

	// TranslateError maps unique violations to gorm.ErrDuplicatedKey, which
	// the engine relies on for idempotency-key and redemption races.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Println("Connected to PostgreSQL")

	err = db.AutoMigrate(
		&models.Account{},
		&models.LedgerEntry{},
		&models.Plan{},
		&models.Subscription{},
		&models.RedeemableCode{},
		&models.Redemption{},
		&models.DeliveryLink{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// SeedPlans inserts the configured plans if they are not present yet.
// Existing rows keep their price; repricing is an admin action, not a
// restart side effect.
func SeedPlans(db *gorm.DB, seeds []config.PlanSeed) error {
	for _, seed := range seeds {
		plan := models.Plan{
			Name:         seed.Name,
			Price:        seed.Price,
			DurationDays: seed.DurationDays,
			Active:       true,
		}
		err := db.Where(models.Plan{Name: seed.Name}).FirstOrCreate(&plan).Error
		if err != nil {
			return fmt.Errorf("failed to seed plan %q: %w", seed.Name, err)
		}
	}
	return nil
}
