package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sbc-platform/payment-engine/internal/gateway"
	"github.com/sbc-platform/payment-engine/internal/money"
)

const intentsCollection = "payment_intents"

// MongoStore is the MongoDB-backed intent store.
type MongoStore struct {
	client     *mongo.Client
	coll       *mongo.Collection
	logger     zerolog.Logger
	ownsClient bool
}

type intentDoc struct {
	SessionID      string    `bson:"sessionId"`
	UserID         string    `bson:"userId"`
	Gateway        string    `bson:"gateway"`
	PaymentType    string    `bson:"paymentType"`
	AmountCurrency string    `bson:"amountCurrency"`
	AmountAtomic   int64     `bson:"amountAtomic"`
	PayCurrency    string    `bson:"payCurrency,omitempty"`
	ExternalID     string    `bson:"externalId,omitempty"`
	CheckoutURL    string    `bson:"checkoutUrl,omitempty"`
	PayAddress     string    `bson:"payAddress,omitempty"`
	PayAmount      string    `bson:"payAmount,omitempty"`
	Status         string    `bson:"status"`
	RawStatus      string    `bson:"rawStatus,omitempty"`
	SettledTxID    string    `bson:"settledTxId,omitempty"`
	CreatedAt      time.Time `bson:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt"`
	StatusCheckedAt time.Time `bson:"statusCheckedAt,omitempty"`
}

func toIntentDoc(in *Intent) intentDoc {
	return intentDoc{
		SessionID:      in.SessionID,
		UserID:         in.UserID,
		Gateway:        string(in.Gateway),
		PaymentType:    in.PaymentType,
		AmountCurrency: in.Amount.Currency.Code,
		AmountAtomic:   in.Amount.Atomic,
		PayCurrency:    in.PayCurrency,
		ExternalID:     in.ExternalID,
		CheckoutURL:    in.CheckoutURL,
		PayAddress:     in.PayAddress,
		PayAmount:      in.PayAmount,
		Status:         string(in.Status),
		RawStatus:      in.RawStatus,
		SettledTxID:    in.SettledTxID,
		CreatedAt:      in.CreatedAt,
		UpdatedAt:      in.UpdatedAt,
		StatusCheckedAt: in.StatusCheckedAt,
	}
}

func fromIntentDoc(d *intentDoc) Intent {
	cur, err := money.GetCurrency(d.AmountCurrency)
	if err != nil {
		cur = money.Currency{Code: d.AmountCurrency}
	}
	return Intent{
		SessionID:      d.SessionID,
		UserID:         d.UserID,
		Gateway:        gateway.Name(d.Gateway),
		PaymentType:    d.PaymentType,
		Amount:         money.New(cur, d.AmountAtomic),
		PayCurrency:    d.PayCurrency,
		ExternalID:     d.ExternalID,
		CheckoutURL:    d.CheckoutURL,
		PayAddress:     d.PayAddress,
		PayAmount:      d.PayAmount,
		Status:         Status(d.Status),
		RawStatus:      d.RawStatus,
		SettledTxID:    d.SettledTxID,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		StatusCheckedAt: d.StatusCheckedAt,
	}
}

// NewMongoStore connects to MongoDB and prepares the intents collection.
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
		coll:       client.Database(database).Collection(intentsCollection),
		logger:     logger,
		ownsClient: true,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// NewMongoStoreWithClient reuses an existing client.
func NewMongoStoreWithClient(ctx context.Context, client *mongo.Client, database string, logger zerolog.Logger) (*MongoStore, error) {
	s := &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(intentsCollection),
		logger: logger,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "sessionId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "gateway", Value: 1}, {Key: "status", Value: 1}, {Key: "statusCheckedAt", Value: 1}},
		},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create intent indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, in Intent) error {
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	_, err := s.coll.InsertOne(ctx, toIntentDoc(&in))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

func (s *MongoStore) GetBySession(ctx context.Context, sessionID string) (Intent, error) {
	var doc intentDoc
	err := s.coll.FindOne(ctx, bson.M{"sessionId": sessionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Intent{}, ErrNotFound
	}
	if err != nil {
		return Intent{}, fmt.Errorf("find intent: %w", err)
	}
	return fromIntentDoc(&doc), nil
}

func (s *MongoStore) UpdateStatus(ctx context.Context, sessionID string, u Update) (Intent, error) {
	set := bson.M{"updatedAt": time.Now().UTC()}
	if u.Status != "" {
		set["status"] = string(u.Status)
	}
	if u.RawStatus != "" {
		set["rawStatus"] = u.RawStatus
	}
	if u.ExternalID != "" {
		set["externalId"] = u.ExternalID
	}
	if !u.StatusCheckedAt.IsZero() {
		set["statusCheckedAt"] = u.StatusCheckedAt
	}

	filter := bson.M{
		"sessionId": sessionID,
		"status":    bson.M{"$in": nonTerminalIntentStatuses()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc intentDoc
	err := s.coll.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Terminal or unknown; return the stored intent untouched.
		return s.GetBySession(ctx, sessionID)
	}
	if err != nil {
		return Intent{}, fmt.Errorf("update intent: %w", err)
	}
	return fromIntentDoc(&doc), nil
}

func (s *MongoStore) MarkSettled(ctx context.Context, sessionID, txID string) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{
			"sessionId":   sessionID,
			"settledTxId": bson.M{"$in": bson.A{nil, ""}},
		},
		bson.M{"$set": bson.M{"settledTxId": txID, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return false, fmt.Errorf("mark settled: %w", err)
	}
	if res.ModifiedCount == 1 {
		return true, nil
	}
	// Lost the race or unknown session; distinguish for the caller.
	if _, getErr := s.GetBySession(ctx, sessionID); getErr != nil {
		return false, getErr
	}
	return false, nil
}

func (s *MongoStore) FindStale(ctx context.Context, gatewayName gateway.Name, olderThan time.Time, limit int) ([]Intent, error) {
	filter := bson.M{
		"gateway": string(gatewayName),
		"status":  bson.M{"$in": nonTerminalIntentStatuses()},
		"$or": bson.A{
			bson.M{"statusCheckedAt": bson.M{"$lte": olderThan}},
			bson.M{"statusCheckedAt": bson.M{"$exists": false}, "createdAt": bson.M{"$lte": olderThan}},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find stale intents: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Intent
	for cursor.Next(ctx) {
		var doc intentDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode intent: %w", err)
		}
		out = append(out, fromIntentDoc(&doc))
	}
	return out, cursor.Err()
}

func (s *MongoStore) ListByUser(ctx context.Context, userID string, page, limit int) ([]Intent, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	filter := bson.M{"userId": userID}

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count intents: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("find intents: %w", err)
	}
	defer cursor.Close(ctx)

	out := []Intent{}
	for cursor.Next(ctx) {
		var doc intentDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, 0, fmt.Errorf("decode intent: %w", err)
		}
		out = append(out, fromIntentDoc(&doc))
	}
	return out, total, cursor.Err()
}

func (s *MongoStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func nonTerminalIntentStatuses() bson.A {
	return bson.A{
		string(StatusPendingUserInput),
		string(StatusPendingProvider),
		string(StatusWaitingCryptoDeposit),
		string(StatusProcessing),
		string(StatusConfirmed),
	}
}
