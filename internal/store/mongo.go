package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/atmx/sim-engine/internal/model"
)

// Collection names.
const (
	colProducts     = "products"
	colPriceHistory = "price_history"
	colHoldings     = "holdings"
	colPortfolios   = "portfolios"
	colConfig       = "simulation_config"
)

// MongoStore implements Store on MongoDB. Monetary values are stored as
// Decimal128. Price ticks and config updates use multi-document
// transactions, so the server must run as a replica set.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to MongoDB. The database name is taken from the URI
// path (e.g. mongodb://localhost:27017/simengine), defaulting to "simengine".
func NewMongoStore(ctx context.Context, uri string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	dbName := "simengine"
	if u, err := url.Parse(uri); err == nil {
		if name := strings.TrimPrefix(u.Path, "/"); name != "" {
			dbName = name
		}
	}

	slog.Info("connected to MongoDB", "db", dbName)
	return &MongoStore{client: client, db: client.Database(dbName)}, nil
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates idempotent indexes on all collections.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := []struct {
		collection string
		model      mongo.IndexModel
	}{
		{colProducts, mongo.IndexModel{Keys: bson.D{{Key: "is_active", Value: 1}}}},
		{colPriceHistory, mongo.IndexModel{Keys: bson.D{
			{Key: "product_id", Value: 1},
			{Key: "created_at", Value: -1},
		}}},
		{colHoldings, mongo.IndexModel{Keys: bson.D{{Key: "user_id", Value: 1}}}},
		{colHoldings, mongo.IndexModel{Keys: bson.D{{Key: "product_id", Value: 1}}}},
	}

	for _, i := range indexes {
		if _, err := s.db.Collection(i.collection).Indexes().CreateOne(ctx, i.model); err != nil {
			return fmt.Errorf("create index on %s: %w", i.collection, err)
		}
	}
	slog.Info("MongoDB indexes ensured")
	return nil
}

// --- Documents ---

type productDoc struct {
	ID             string          `bson:"_id"`
	Name           string          `bson:"name"`
	CurrentPrice   bson.Decimal128 `bson:"current_price"`
	ExpectedReturn float64         `bson:"expected_return"`
	RiskLevel      string          `bson:"risk_level"`
	Category       string          `bson:"category"`
	IsActive       bool            `bson:"is_active"`
	UpdatedAt      time.Time       `bson:"updated_at"`
}

func (d productDoc) toModel() model.Product {
	return model.Product{
		ID:             d.ID,
		Name:           d.Name,
		CurrentPrice:   fromDec128(d.CurrentPrice),
		ExpectedReturn: d.ExpectedReturn,
		RiskLevel:      model.RiskLevel(d.RiskLevel),
		Category:       model.Category(d.Category),
		IsActive:       d.IsActive,
		UpdatedAt:      d.UpdatedAt,
	}
}

type priceHistoryDoc struct {
	ID            string          `bson:"_id"`
	ProductID     string          `bson:"product_id"`
	Price         bson.Decimal128 `bson:"price"`
	Change        bson.Decimal128 `bson:"change"`
	ChangePercent bson.Decimal128 `bson:"change_percent"`
	CreatedAt     time.Time       `bson:"created_at"`
}

type holdingDoc struct {
	ID           string          `bson:"_id"`
	UserID       string          `bson:"user_id"`
	ProductID    string          `bson:"product_id"`
	Units        bson.Decimal128 `bson:"units"`
	AveragePrice bson.Decimal128 `bson:"average_price"`
	CurrentValue bson.Decimal128 `bson:"current_value"`
	Gain         bson.Decimal128 `bson:"gain"`
	GainPercent  bson.Decimal128 `bson:"gain_percent"`
	UpdatedAt    time.Time       `bson:"updated_at"`
}

func (d holdingDoc) toModel() model.Holding {
	return model.Holding{
		ID:           d.ID,
		UserID:       d.UserID,
		ProductID:    d.ProductID,
		Units:        fromDec128(d.Units),
		AveragePrice: fromDec128(d.AveragePrice),
		CurrentValue: fromDec128(d.CurrentValue),
		Gain:         fromDec128(d.Gain),
		GainPercent:  fromDec128(d.GainPercent),
		UpdatedAt:    d.UpdatedAt,
	}
}

type portfolioDoc struct {
	UserID           string          `bson:"_id"`
	TotalValue       bson.Decimal128 `bson:"total_value"`
	TotalGain        bson.Decimal128 `bson:"total_gain"`
	TotalGainPercent bson.Decimal128 `bson:"total_gain_percent"`
	UpdatedAt        time.Time       `bson:"updated_at"`
}

func (d portfolioDoc) toModel() model.Portfolio {
	return model.Portfolio{
		UserID:           d.UserID,
		TotalValue:       fromDec128(d.TotalValue),
		TotalGain:        fromDec128(d.TotalGain),
		TotalGainPercent: fromDec128(d.TotalGainPercent),
		UpdatedAt:        d.UpdatedAt,
	}
}

// --- Products ---

func (s *MongoStore) CreateProduct(ctx context.Context, p *model.Product) error {
	doc := productDoc{
		ID:             p.ID,
		Name:           p.Name,
		CurrentPrice:   dec128(p.CurrentPrice),
		ExpectedReturn: p.ExpectedReturn,
		RiskLevel:      string(p.RiskLevel),
		Category:       string(p.Category),
		IsActive:       p.IsActive,
		UpdatedAt:      p.UpdatedAt,
	}
	if _, err := s.db.Collection(colProducts).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("create product %s: %w", p.ID, err)
	}
	return nil
}

func (s *MongoStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var doc productDoc
	if err := s.db.Collection(colProducts).FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, mongoNotFound(err))
	}
	p := doc.toModel()
	return &p, nil
}

func (s *MongoStore) ListActiveProducts(ctx context.Context) ([]model.Product, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.db.Collection(colProducts).Find(ctx, bson.M{"is_active": true}, opts)
	if err != nil {
		return nil, fmt.Errorf("list active products: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []productDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}
	products := make([]model.Product, 0, len(docs))
	for _, d := range docs {
		products = append(products, d.toModel())
	}
	return products, nil
}

// ApplyPriceTick updates the product and inserts the history record in one
// session transaction.
func (s *MongoStore) ApplyPriceTick(ctx context.Context, rec *model.PriceHistoryRecord) error {
	return s.withTransaction(ctx, func(sc context.Context) error {
		res, err := s.db.Collection(colProducts).UpdateOne(sc,
			bson.M{"_id": rec.ProductID},
			bson.M{"$set": bson.M{
				"current_price": dec128(rec.Price),
				"updated_at":    rec.CreatedAt,
			}},
		)
		if err != nil {
			return fmt.Errorf("update product price: %w", err)
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("product %s: %w", rec.ProductID, ErrNotFound)
		}

		doc := priceHistoryDoc{
			ID:            rec.ID,
			ProductID:     rec.ProductID,
			Price:         dec128(rec.Price),
			Change:        dec128(rec.Change),
			ChangePercent: dec128(rec.ChangePercent),
			CreatedAt:     rec.CreatedAt,
		}
		if _, err := s.db.Collection(colPriceHistory).InsertOne(sc, doc); err != nil {
			return fmt.Errorf("insert price history: %w", err)
		}
		return nil
	})
}

// --- Price history ---

func (s *MongoStore) ListPriceHistory(ctx context.Context, productID string, limit int) ([]model.PriceHistoryRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.db.Collection(colPriceHistory).Find(ctx, bson.M{"product_id": productID}, opts)
	if err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []priceHistoryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode price history: %w", err)
	}
	records := make([]model.PriceHistoryRecord, 0, len(docs))
	for _, d := range docs {
		records = append(records, model.PriceHistoryRecord{
			ID:            d.ID,
			ProductID:     d.ProductID,
			Price:         fromDec128(d.Price),
			Change:        fromDec128(d.Change),
			ChangePercent: fromDec128(d.ChangePercent),
			CreatedAt:     d.CreatedAt,
		})
	}
	return records, nil
}

func (s *MongoStore) CountPriceHistory(ctx context.Context, productID string) (int, error) {
	n, err := s.db.Collection(colPriceHistory).CountDocuments(ctx, bson.M{"product_id": productID})
	return int(n), err
}

// --- Holdings ---

func (s *MongoStore) UpsertHolding(ctx context.Context, h *model.Holding) error {
	doc := holdingDoc{
		ID:           h.ID,
		UserID:       h.UserID,
		ProductID:    h.ProductID,
		Units:        dec128(h.Units),
		AveragePrice: dec128(h.AveragePrice),
		CurrentValue: dec128(h.CurrentValue),
		Gain:         dec128(h.Gain),
		GainPercent:  dec128(h.GainPercent),
		UpdatedAt:    time.Now().UTC(),
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.db.Collection(colHoldings).ReplaceOne(ctx, bson.M{"_id": h.ID}, doc, opts); err != nil {
		return fmt.Errorf("upsert holding %s: %w", h.ID, err)
	}
	return nil
}

func (s *MongoStore) ListHoldingValuations(ctx context.Context) ([]model.HoldingValuation, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: colProducts},
			{Key: "localField", Value: "product_id"},
			{Key: "foreignField", Value: "_id"},
			{Key: "as", Value: "product"},
		}}},
		{{Key: "$unwind", Value: "$product"}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}
	cursor, err := s.db.Collection(colHoldings).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate holdings: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []struct {
		Holding holdingDoc `bson:",inline"`
		Product struct {
			CurrentPrice bson.Decimal128 `bson:"current_price"`
		} `bson:"product"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode holdings: %w", err)
	}

	result := make([]model.HoldingValuation, 0, len(docs))
	for _, d := range docs {
		result = append(result, model.HoldingValuation{
			Holding: d.Holding.toModel(),
			Price:   fromDec128(d.Product.CurrentPrice),
		})
	}
	return result, nil
}

func (s *MongoStore) UpdateHoldingValuation(ctx context.Context, id string, currentValue, gain, gainPercent decimal.Decimal) error {
	res, err := s.db.Collection(colHoldings).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"current_value": dec128(currentValue),
			"gain":          dec128(gain),
			"gain_percent":  dec128(gainPercent),
			"updated_at":    time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("update holding %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("holding %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Portfolios ---

func (s *MongoStore) CreatePortfolio(ctx context.Context, userID string) error {
	zero := dec128(decimal.Zero)
	doc := portfolioDoc{UserID: userID, TotalValue: zero, TotalGain: zero, TotalGainPercent: zero, UpdatedAt: time.Now().UTC()}
	if _, err := s.db.Collection(colPortfolios).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("create portfolio %s: %w", userID, err)
	}
	return nil
}

func (s *MongoStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	var doc portfolioDoc
	if err := s.db.Collection(colPortfolios).FindOne(ctx, bson.M{"_id": userID}).Decode(&doc); err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", userID, mongoNotFound(err))
	}
	holdings, err := s.holdingsByUser(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, err
	}
	p := doc.toModel()
	p.Holdings = holdings[userID]
	return &p, nil
}

func (s *MongoStore) ListPortfolios(ctx context.Context) ([]model.Portfolio, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.db.Collection(colPortfolios).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list portfolios: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []portfolioDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode portfolios: %w", err)
	}
	holdings, err := s.holdingsByUser(ctx, bson.M{})
	if err != nil {
		return nil, err
	}

	portfolios := make([]model.Portfolio, 0, len(docs))
	for _, d := range docs {
		p := d.toModel()
		p.Holdings = holdings[p.UserID]
		portfolios = append(portfolios, p)
	}
	return portfolios, nil
}

func (s *MongoStore) UpdatePortfolioTotals(ctx context.Context, userID string, totalValue, totalGain, totalGainPercent decimal.Decimal) error {
	res, err := s.db.Collection(colPortfolios).UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{
			"total_value":        dec128(totalValue),
			"total_gain":         dec128(totalGain),
			"total_gain_percent": dec128(totalGainPercent),
			"updated_at":         time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("update portfolio %s: %w", userID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("portfolio %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (s *MongoStore) holdingsByUser(ctx context.Context, filter bson.M) (map[string][]model.Holding, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.db.Collection(colHoldings).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []holdingDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode holdings: %w", err)
	}
	result := make(map[string][]model.Holding)
	for _, d := range docs {
		result[d.UserID] = append(result[d.UserID], d.toModel())
	}
	return result, nil
}

// --- Config overrides ---

func (s *MongoStore) GetConfigOverrides(ctx context.Context) (map[string]string, error) {
	cursor, err := s.db.Collection(colConfig).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list config overrides: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []struct {
		Key   string `bson:"_id"`
		Value string `bson:"value"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode config overrides: %w", err)
	}
	overrides := make(map[string]string, len(docs))
	for _, d := range docs {
		overrides[d.Key] = d.Value
	}
	return overrides, nil
}

// SetConfigOverrides upserts every override in one session transaction.
func (s *MongoStore) SetConfigOverrides(ctx context.Context, overrides map[string]string) error {
	return s.withTransaction(ctx, func(sc context.Context) error {
		now := time.Now().UTC()
		opts := options.UpdateOne().SetUpsert(true)
		for k, v := range overrides {
			if _, err := s.db.Collection(colConfig).UpdateOne(sc,
				bson.M{"_id": k},
				bson.M{"$set": bson.M{"value": v, "updated_at": now}},
				opts,
			); err != nil {
				return fmt.Errorf("upsert config %s: %w", k, err)
			}
		}
		return nil
	})
}

func (s *MongoStore) ClearConfigOverrides(ctx context.Context) error {
	if _, err := s.db.Collection(colConfig).DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("clear config overrides: %w", err)
	}
	return nil
}

// --- Helpers ---

func (s *MongoStore) withTransaction(ctx context.Context, fn func(sc context.Context) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc context.Context) (any, error) {
		return nil, fn(sc)
	})
	return err
}

func dec128(d decimal.Decimal) bson.Decimal128 {
	v, err := bson.ParseDecimal128(d.String())
	if err != nil {
		// Beyond Decimal128's 34 significant digits; keep the rounded price scale.
		v, _ = bson.ParseDecimal128(d.Round(model.PriceScale).String())
	}
	return v
}

func fromDec128(v bson.Decimal128) decimal.Decimal {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

func mongoNotFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}
