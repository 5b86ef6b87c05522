package model

import (
	"errors"
	"fmt"
	"strings"
)

// RiskLevel is the coarse volatility class of a product.
type RiskLevel string

// Supported risk levels.
const (
	RiskConservative RiskLevel = "CONSERVATIVE"
	RiskModerate     RiskLevel = "MODERATE"
	RiskAggressive   RiskLevel = "AGGRESSIVE"
)

// Category is the product type, which carries its own volatility multiplier.
type Category string

// Supported product categories.
const (
	CategoryMoneyMarket Category = "MONEY_MARKET"
	CategoryBond        Category = "BOND"
	CategoryMixed       Category = "MIXED"
	CategoryEquity      Category = "EQUITY"
)

var validRiskLevels = map[RiskLevel]bool{
	RiskConservative: true,
	RiskModerate:     true,
	RiskAggressive:   true,
}

var validCategories = map[Category]bool{
	CategoryMoneyMarket: true,
	CategoryBond:        true,
	CategoryMixed:       true,
	CategoryEquity:      true,
}

var (
	ErrInvalidRiskLevel = errors.New("model: unsupported risk level")
	ErrInvalidCategory  = errors.New("model: unsupported product category")
)

// RiskLevels returns all risk levels in ascending order of risk.
func RiskLevels() []RiskLevel {
	return []RiskLevel{RiskConservative, RiskModerate, RiskAggressive}
}

// Categories returns all product categories in ascending order of volatility.
func Categories() []Category {
	return []Category{CategoryMoneyMarket, CategoryBond, CategoryMixed, CategoryEquity}
}

// Valid reports whether r is one of the supported risk levels.
func (r RiskLevel) Valid() bool { return validRiskLevels[r] }

// Valid reports whether c is one of the supported categories.
func (c Category) Valid() bool { return validCategories[c] }

// ParseRiskLevel parses a risk level, case-insensitively.
func ParseRiskLevel(s string) (RiskLevel, error) {
	r := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRiskLevel, s)
	}
	return r, nil
}

// ParseCategory parses a product category, case-insensitively.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
	}
	return c, nil
}
