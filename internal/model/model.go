// Package model defines the core domain types shared across the simulation engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of decimal places kept for prices and monetary values.
const PriceScale int32 = 8

// PercentScale is the number of decimal places kept for percentages.
const PercentScale int32 = 4

// Product is an investment product whose price the engine moves every tick.
// Created and edited by the admin CRUD layer; the engine only touches
// CurrentPrice and UpdatedAt.
type Product struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	CurrentPrice   decimal.Decimal `json:"current_price" db:"current_price"`
	ExpectedReturn float64         `json:"expected_return" db:"expected_return"` // annualized, percent
	RiskLevel      RiskLevel       `json:"risk_level" db:"risk_level"`
	Category       Category        `json:"category" db:"category"`
	IsActive       bool            `json:"is_active" db:"is_active"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// PriceHistoryRecord is an immutable record of one product price move.
// Once created, these are never modified or deleted.
type PriceHistoryRecord struct {
	ID            string          `json:"id" db:"id"`
	ProductID     string          `json:"product_id" db:"product_id"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Change        decimal.Decimal `json:"change" db:"change"`                 // absolute
	ChangePercent decimal.Decimal `json:"change_percent" db:"change_percent"` // relative to the pre-tick price
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Holding is one user's position in one product. Units and AveragePrice are
// owned by the buy/sell flow; the derived fields are rewritten every tick.
type Holding struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	ProductID    string          `json:"product_id" db:"product_id"`
	Units        decimal.Decimal `json:"units" db:"units"`
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"` // cost basis per unit
	CurrentValue decimal.Decimal `json:"current_value" db:"current_value"` // units * price
	Gain         decimal.Decimal `json:"gain" db:"gain"`                   // currentValue - cost
	GainPercent  decimal.Decimal `json:"gain_percent" db:"gain_percent"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// HoldingValuation is a holding joined with the current price of its product.
type HoldingValuation struct {
	Holding
	Price decimal.Decimal `json:"price"`
}

// Portfolio aggregates all holdings of one user.
type Portfolio struct {
	UserID           string          `json:"user_id" db:"user_id"`
	TotalValue       decimal.Decimal `json:"total_value" db:"total_value"`
	TotalGain        decimal.Decimal `json:"total_gain" db:"total_gain"`
	TotalGainPercent decimal.Decimal `json:"total_gain_percent" db:"total_gain_percent"`
	Holdings         []Holding       `json:"holdings,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}
