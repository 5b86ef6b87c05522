package store

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Table models used only to bootstrap the PostgreSQL schema. Queries go
// through PostgresStore; these types never leave this file.

type productRow struct {
	ID             string    `gorm:"type:text;primaryKey"`
	Name           string    `gorm:"type:text;not null"`
	CurrentPrice   string    `gorm:"type:numeric(24,8);not null"`
	ExpectedReturn float64   `gorm:"type:double precision;not null;default:0"`
	RiskLevel      string    `gorm:"type:text;not null"`
	Category       string    `gorm:"type:text;not null"`
	IsActive       bool      `gorm:"not null;default:true;index"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (productRow) TableName() string { return "products" }

type priceHistoryRow struct {
	ID            string    `gorm:"type:text;primaryKey"`
	ProductID     string    `gorm:"type:text;not null;index:idx_price_history_product_created,priority:1"`
	Price         string    `gorm:"type:numeric(24,8);not null"`
	Change        string    `gorm:"type:numeric(24,8);not null"`
	ChangePercent string    `gorm:"type:numeric(12,4);not null"`
	CreatedAt     time.Time `gorm:"not null;index:idx_price_history_product_created,priority:2,sort:desc"`
}

func (priceHistoryRow) TableName() string { return "price_history" }

type holdingRow struct {
	ID           string    `gorm:"type:text;primaryKey"`
	UserID       string    `gorm:"type:text;not null;index"`
	ProductID    string    `gorm:"type:text;not null;index"`
	Units        string    `gorm:"type:numeric(24,8);not null"`
	AveragePrice string    `gorm:"type:numeric(24,8);not null"`
	CurrentValue string    `gorm:"type:numeric(24,8);not null;default:0"`
	Gain         string    `gorm:"type:numeric(24,8);not null;default:0"`
	GainPercent  string    `gorm:"type:numeric(12,4);not null;default:0"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (holdingRow) TableName() string { return "holdings" }

type portfolioRow struct {
	UserID           string    `gorm:"type:text;primaryKey"`
	TotalValue       string    `gorm:"type:numeric(24,8);not null;default:0"`
	TotalGain        string    `gorm:"type:numeric(24,8);not null;default:0"`
	TotalGainPercent string    `gorm:"type:numeric(12,4);not null;default:0"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (portfolioRow) TableName() string { return "portfolios" }

type configRow struct {
	Key       string    `gorm:"type:text;primaryKey"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (configRow) TableName() string { return "simulation_config" }

// Migrate creates or updates the engine tables in the database at dsn.
func Migrate(dsn string) error {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database for migration: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("migration connection: %w", err)
	}
	defer sqlDB.Close()

	if err := db.AutoMigrate(&productRow{}, &priceHistoryRow{}, &holdingRow{}, &portfolioRow{}, &configRow{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
