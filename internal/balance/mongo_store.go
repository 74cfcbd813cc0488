package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sbc-platform/payment-engine/internal/money"
)

const balancesCollection = "balances"

// MongoStore is the MongoDB-backed balance store.
type MongoStore struct {
	client     *mongo.Client
	coll       *mongo.Collection
	logger     zerolog.Logger
	ownsClient bool
}

type balanceDoc struct {
	UserID               string    `bson:"userId"`
	FiatAtomic           int64     `bson:"fiatAtomic"`
	USDAtomic            int64     `bson:"usdAtomic"`
	ActivationAtomic     int64     `bson:"activationAtomic"`
	DailyWithdrawnXAF    int64     `bson:"dailyWithdrawnXaf"`
	DailyWithdrawalCount int       `bson:"dailyWithdrawalCount"`
	DailyCounterDate     string    `bson:"dailyCounterDate"`
	UpdatedAt            time.Time `bson:"updatedAt"`
}

func toBalanceDoc(b Balances) balanceDoc {
	return balanceDoc{
		UserID:               b.UserID,
		FiatAtomic:           b.Fiat.Atomic,
		USDAtomic:            b.USD.Atomic,
		ActivationAtomic:     b.Activation.Atomic,
		DailyWithdrawnXAF:    b.DailyWithdrawnXAF,
		DailyWithdrawalCount: b.DailyWithdrawalCount,
		DailyCounterDate:     b.DailyCounterDate,
		UpdatedAt:            b.UpdatedAt,
	}
}

func fromBalanceDoc(d balanceDoc) Balances {
	return Balances{
		UserID:               d.UserID,
		Fiat:                 money.New(money.MustCurrency("XAF"), d.FiatAtomic),
		USD:                  money.New(money.MustCurrency("USD"), d.USDAtomic),
		Activation:           money.New(money.MustCurrency("XAF"), d.ActivationAtomic),
		DailyWithdrawnXAF:    d.DailyWithdrawnXAF,
		DailyWithdrawalCount: d.DailyWithdrawalCount,
		DailyCounterDate:     d.DailyCounterDate,
		UpdatedAt:            d.UpdatedAt,
	}
}

// NewMongoStore connects to MongoDB and prepares the balances collection.
func NewMongoStore(ctx context.Context, uri, database string, logger zerolog.Logger) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	s := &MongoStore{
		client:     client,
		coll:       client.Database(database).Collection(balancesCollection),
		logger:     logger,
		ownsClient: true,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// NewMongoStoreWithClient reuses an existing client so the ledger and balance
// stores share one connection.
func NewMongoStoreWithClient(ctx context.Context, client *mongo.Client, database string, logger zerolog.Logger) (*MongoStore, error) {
	s := &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(balancesCollection),
		logger: logger,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "userId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create balance indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, userID string) (Balances, error) {
	var doc balanceDoc
	err := s.coll.FindOne(ctx, bson.M{"userId": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Balances{}, ErrNotFound
	}
	if err != nil {
		return Balances{}, fmt.Errorf("find balance: %w", err)
	}
	return fromBalanceDoc(doc), nil
}

func (s *MongoStore) Save(ctx context.Context, b Balances) error {
	b.UpdatedAt = time.Now().UTC()
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"userId": b.UserID},
		toBalanceDoc(b),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"userId": userID}); err != nil {
		return fmt.Errorf("delete balance: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
