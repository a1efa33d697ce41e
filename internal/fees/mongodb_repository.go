package fees

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBRepository implements Repository on MongoDB. Amount fields are
// stored as decimal strings; missing fields mean unbounded/any, mirroring
// SQL NULLs.
type MongoDBRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type mongoTier struct {
	ID                 string     `bson:"_id"`
	TransactionType    string     `bson:"transaction_type"`
	Provider           string     `bson:"provider,omitempty"`
	Method             string     `bson:"method,omitempty"`
	MinAmount          string     `bson:"min_amount,omitempty"`
	MaxAmount          string     `bson:"max_amount,omitempty"`
	ProviderFeePercent string     `bson:"provider_fee_percent"`
	ProviderFeeFlat    string     `bson:"provider_fee_flat"`
	ProviderFeeCap     string     `bson:"provider_fee_cap,omitempty"`
	PlatformFeePercent string     `bson:"platform_fee_percent"`
	EffectiveFrom      *time.Time `bson:"effective_from,omitempty"`
	EffectiveUntil     *time.Time `bson:"effective_until,omitempty"`
	Active             bool       `bson:"active"`
	CreatedAt          time.Time  `bson:"created_at"`
	UpdatedAt          time.Time  `bson:"updated_at"`
}

// NewMongoDBRepository connects and ensures the lookup index.
func NewMongoDBRepository(uri, database, collection string) (*MongoDBRepository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	repo := &MongoDBRepository{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}
	_, err = repo.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "transaction_type", Value: 1}, {Key: "active", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create fee tier index: %w", err)
	}
	return repo, nil
}

func (r *MongoDBRepository) ListTiers(ctx context.Context) ([]FeeTier, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"active": true})
	if err != nil {
		return nil, fmt.Errorf("list fee tiers: %w", err)
	}
	return decodeTiers(ctx, cursor)
}

func (r *MongoDBRepository) FindCandidates(ctx context.Context, transactionType, provider, method string) ([]FeeTier, error) {
	filter := bson.M{"active": true, "transaction_type": transactionType}
	if provider != "" {
		filter["$and"] = []bson.M{
			{"$or": []bson.M{{"provider": bson.M{"$exists": false}}, {"provider": ""}, {"provider": provider}}},
		}
	}
	if method != "" {
		clause := bson.M{"$or": []bson.M{{"method": bson.M{"$exists": false}}, {"method": ""}, {"method": method}}}
		if and, ok := filter["$and"].([]bson.M); ok {
			filter["$and"] = append(and, clause)
		} else {
			filter["$and"] = []bson.M{clause}
		}
	}

	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find fee tiers: %w", err)
	}
	return decodeTiers(ctx, cursor)
}

func (r *MongoDBRepository) UpsertTier(ctx context.Context, tier FeeTier) error {
	if tier.ID == "" {
		tier.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	doc := mongoTier{
		ID:                 tier.ID,
		TransactionType:    tier.TransactionType,
		Provider:           tier.Provider,
		Method:             tier.Method,
		ProviderFeePercent: tier.ProviderFeePercent.String(),
		ProviderFeeFlat:    tier.ProviderFeeFlat.String(),
		PlatformFeePercent: tier.PlatformFeePercent.String(),
		EffectiveFrom:      tier.EffectiveFrom,
		EffectiveUntil:     tier.EffectiveUntil,
		Active:             tier.Active,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if tier.MinAmount != nil {
		doc.MinAmount = tier.MinAmount.String()
	}
	if tier.MaxAmount != nil {
		doc.MaxAmount = tier.MaxAmount.String()
	}
	if tier.ProviderFeeCap != nil {
		doc.ProviderFeeCap = tier.ProviderFeeCap.String()
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := r.collection.ReplaceOne(ctx, bson.M{"_id": tier.ID}, doc, opts); err != nil {
		return fmt.Errorf("upsert fee tier: %w", err)
	}
	return nil
}

func (r *MongoDBRepository) DeleteTier(ctx context.Context, id string) error {
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"active": false, "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("delete fee tier: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrTierNotFound
	}
	return nil
}

func (r *MongoDBRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}

// decodeTiers sorts in process because min_amount is a decimal string;
// lexical Mongo ordering would put "9" after "10000".
func decodeTiers(ctx context.Context, cursor *mongo.Cursor) ([]FeeTier, error) {
	defer cursor.Close(ctx)
	var tiers []FeeTier
	for cursor.Next(ctx) {
		var doc mongoTier
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode fee tier: %w", err)
		}
		tier, err := doc.toTier()
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate fee tiers: %w", err)
	}
	return sortCandidates(tiers), nil
}

func (d mongoTier) toTier() (FeeTier, error) {
	tier := FeeTier{
		ID:              d.ID,
		TransactionType: d.TransactionType,
		Provider:        d.Provider,
		Method:          d.Method,
		EffectiveFrom:   d.EffectiveFrom,
		EffectiveUntil:  d.EffectiveUntil,
		Active:          d.Active,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}

	var err error
	if tier.MinAmount, err = optionalDecimal(d.MinAmount); err != nil {
		return FeeTier{}, fmt.Errorf("tier %s min_amount: %w", d.ID, err)
	}
	if tier.MaxAmount, err = optionalDecimal(d.MaxAmount); err != nil {
		return FeeTier{}, fmt.Errorf("tier %s max_amount: %w", d.ID, err)
	}
	if tier.ProviderFeeCap, err = optionalDecimal(d.ProviderFeeCap); err != nil {
		return FeeTier{}, fmt.Errorf("tier %s provider_fee_cap: %w", d.ID, err)
	}
	if tier.ProviderFeePercent, err = decimalOrZero(d.ProviderFeePercent); err != nil {
		return FeeTier{}, fmt.Errorf("tier %s provider_fee_percent: %w", d.ID, err)
	}
	if tier.ProviderFeeFlat, err = decimalOrZero(d.ProviderFeeFlat); err != nil {
		return FeeTier{}, fmt.Errorf("tier %s provider_fee_flat: %w", d.ID, err)
	}
	if tier.PlatformFeePercent, err = decimalOrZero(d.PlatformFeePercent); err != nil {
		return FeeTier{}, fmt.Errorf("tier %s platform_fee_percent: %w", d.ID, err)
	}
	return tier, nil
}
