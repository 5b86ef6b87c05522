package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Products ---

func (s *PostgresStore) CreateProduct(ctx context.Context, p *model.Product) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO products (id, name, current_price, expected_return, risk_level, category, is_active, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8)`,
		p.ID, p.Name, p.CurrentPrice.String(), p.ExpectedReturn,
		string(p.RiskLevel), string(p.Category), p.IsActive, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create product %s: %w", p.ID, err)
	}
	return nil
}

const productColumns = `id, name, current_price::TEXT, expected_return, risk_level, category, is_active, updated_at`

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, notFound(err))
	}
	return &p, nil
}

func (s *PostgresStore) ListActiveProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// ApplyPriceTick updates the product price and inserts the history record in
// one transaction.
func (s *PostgresStore) ApplyPriceTick(ctx context.Context, rec *model.PriceHistoryRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin price tick: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE products SET current_price = $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		rec.ProductID, rec.Price.String(), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("update product price: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %s: %w", rec.ProductID, ErrNotFound)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO price_history (id, product_id, price, change, change_percent, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)`,
		rec.ID, rec.ProductID, rec.Price.String(), rec.Change.String(), rec.ChangePercent.String(), rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert price history: %w", err)
	}

	return tx.Commit(ctx)
}

// --- Price history ---

func (s *PostgresStore) ListPriceHistory(ctx context.Context, productID string, limit int) ([]model.PriceHistoryRecord, error) {
	query := `SELECT id, product_id, price::TEXT, change::TEXT, change_percent::TEXT, created_at
		 FROM price_history WHERE product_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{productID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.PriceHistoryRecord
	for rows.Next() {
		var r model.PriceHistoryRecord
		var price, change, pct string
		if err := rows.Scan(&r.ID, &r.ProductID, &price, &change, &pct, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Price, _ = decimal.NewFromString(price)
		r.Change, _ = decimal.NewFromString(change)
		r.ChangePercent, _ = decimal.NewFromString(pct)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) CountPriceHistory(ctx context.Context, productID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM price_history WHERE product_id = $1`, productID).Scan(&n)
	return n, err
}

// --- Holdings ---

func (s *PostgresStore) UpsertHolding(ctx context.Context, h *model.Holding) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO holdings (id, user_id, product_id, units, average_price, current_value, gain, gain_percent, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)
		 ON CONFLICT (id) DO UPDATE
		 SET user_id = EXCLUDED.user_id, product_id = EXCLUDED.product_id,
		     units = EXCLUDED.units, average_price = EXCLUDED.average_price,
		     current_value = EXCLUDED.current_value, gain = EXCLUDED.gain,
		     gain_percent = EXCLUDED.gain_percent, updated_at = EXCLUDED.updated_at`,
		h.ID, h.UserID, h.ProductID,
		h.Units.String(), h.AveragePrice.String(),
		h.CurrentValue.String(), h.Gain.String(), h.GainPercent.String(),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert holding %s: %w", h.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListHoldingValuations(ctx context.Context) ([]model.HoldingValuation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT h.id, h.user_id, h.product_id,
		        h.units::TEXT, h.average_price::TEXT,
		        h.current_value::TEXT, h.gain::TEXT, h.gain_percent::TEXT, h.updated_at,
		        p.current_price::TEXT
		 FROM holdings h
		 JOIN products p ON p.id = h.product_id
		 ORDER BY h.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.HoldingValuation
	for rows.Next() {
		var hv model.HoldingValuation
		var price string
		if err := scanHolding(rows, &hv.Holding, &price); err != nil {
			return nil, err
		}
		hv.Price, _ = decimal.NewFromString(price)
		result = append(result, hv)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateHoldingValuation(ctx context.Context, id string, currentValue, gain, gainPercent decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE holdings
		 SET current_value = $2::NUMERIC, gain = $3::NUMERIC, gain_percent = $4::NUMERIC, updated_at = $5
		 WHERE id = $1`,
		id, currentValue.String(), gain.String(), gainPercent.String(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update holding %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("holding %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Portfolios ---

func (s *PostgresStore) CreatePortfolio(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolios (user_id, total_value, total_gain, total_gain_percent, updated_at)
		 VALUES ($1, 0, 0, 0, $2)`, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create portfolio %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	var p model.Portfolio
	var tv, tg, tgp string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, total_value::TEXT, total_gain::TEXT, total_gain_percent::TEXT, updated_at
		 FROM portfolios WHERE user_id = $1`, userID).
		Scan(&p.UserID, &tv, &tg, &tgp, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", userID, notFound(err))
	}
	p.TotalValue, _ = decimal.NewFromString(tv)
	p.TotalGain, _ = decimal.NewFromString(tg)
	p.TotalGainPercent, _ = decimal.NewFromString(tgp)

	holdings, err := s.holdingsByUser(ctx, `WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	p.Holdings = holdings[userID]
	return &p, nil
}

func (s *PostgresStore) ListPortfolios(ctx context.Context) ([]model.Portfolio, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, total_value::TEXT, total_gain::TEXT, total_gain_percent::TEXT, updated_at
		 FROM portfolios ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var portfolios []model.Portfolio
	for rows.Next() {
		var p model.Portfolio
		var tv, tg, tgp string
		if err := rows.Scan(&p.UserID, &tv, &tg, &tgp, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.TotalValue, _ = decimal.NewFromString(tv)
		p.TotalGain, _ = decimal.NewFromString(tg)
		p.TotalGainPercent, _ = decimal.NewFromString(tgp)
		portfolios = append(portfolios, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Read holdings after the portfolios so the values reflect every
	// holding update committed before this call.
	holdings, err := s.holdingsByUser(ctx, ``)
	if err != nil {
		return nil, err
	}
	for i := range portfolios {
		portfolios[i].Holdings = holdings[portfolios[i].UserID]
	}
	return portfolios, nil
}

func (s *PostgresStore) UpdatePortfolioTotals(ctx context.Context, userID string, totalValue, totalGain, totalGainPercent decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE portfolios
		 SET total_value = $2::NUMERIC, total_gain = $3::NUMERIC, total_gain_percent = $4::NUMERIC, updated_at = $5
		 WHERE user_id = $1`,
		userID, totalValue.String(), totalGain.String(), totalGainPercent.String(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update portfolio %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("portfolio %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) holdingsByUser(ctx context.Context, where string, args ...any) (map[string][]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, product_id,
		        units::TEXT, average_price::TEXT,
		        current_value::TEXT, gain::TEXT, gain_percent::TEXT, updated_at
		 FROM holdings `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]model.Holding)
	for rows.Next() {
		var h model.Holding
		if err := scanHolding(rows, &h); err != nil {
			return nil, err
		}
		result[h.UserID] = append(result[h.UserID], h)
	}
	return result, rows.Err()
}

// --- Config overrides ---

func (s *PostgresStore) GetConfigOverrides(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM simulation_config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	overrides := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		overrides[k] = v
	}
	return overrides, rows.Err()
}

// SetConfigOverrides upserts every override in one transaction.
func (s *PostgresStore) SetConfigOverrides(ctx context.Context, overrides map[string]string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin config update: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for k, v := range overrides {
		if _, err := tx.Exec(ctx,
			`INSERT INTO simulation_config (key, value, updated_at) VALUES ($1, $2, $3)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			k, v, now,
		); err != nil {
			return fmt.Errorf("upsert config %s: %w", k, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ClearConfigOverrides(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM simulation_config`)
	return err
}

// --- Scan helpers ---

func scanProduct(row pgx.Row) (model.Product, error) {
	var p model.Product
	var price, risk, category string
	if err := row.Scan(&p.ID, &p.Name, &price, &p.ExpectedReturn, &risk, &category, &p.IsActive, &p.UpdatedAt); err != nil {
		return p, err
	}
	p.CurrentPrice, _ = decimal.NewFromString(price)
	p.RiskLevel = model.RiskLevel(risk)
	p.Category = model.Category(category)
	return p, nil
}

// scanHolding reads a holding row, followed by any extra columns.
func scanHolding(row pgx.Row, h *model.Holding, extra ...any) error {
	var units, avg, value, gain, pct string
	dest := append([]any{&h.ID, &h.UserID, &h.ProductID, &units, &avg, &value, &gain, &pct, &h.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	h.Units, _ = decimal.NewFromString(units)
	h.AveragePrice, _ = decimal.NewFromString(avg)
	h.CurrentValue, _ = decimal.NewFromString(value)
	h.Gain, _ = decimal.NewFromString(gain)
	h.GainPercent, _ = decimal.NewFromString(pct)
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
