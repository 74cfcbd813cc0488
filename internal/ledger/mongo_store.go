package ledger

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

const transactionsCollection = "transactions"

// MongoStore is the MongoDB-backed ledger store.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger zerolog.Logger
	// ownsClient marks whether Close should disconnect the client. Shared
	// clients (balance store on the same database) are closed by their owner.
	ownsClient bool
}

// moneyDoc is the persisted form of a money value. Marshalling goes through
// an explicit document because the bson codec ignores MarshalJSON.
type moneyDoc struct {
	Currency string `bson:"currency"`
	Atomic   int64  `bson:"atomic"`
}

type providerDoc struct {
	Provider              string            `bson:"provider,omitempty"`
	ExternalTransactionID string            `bson:"externalTransactionId,omitempty"`
	Status                string            `bson:"status,omitempty"`
	Metadata              map[string]string `bson:"metadata,omitempty"`
}

type transactionDoc struct {
	TransactionID string            `bson:"transactionId"`
	UserID        string            `bson:"userId"`
	Type          string            `bson:"type"`
	Amount        moneyDoc          `bson:"amount"`
	Fee           moneyDoc          `bson:"fee"`
	Status        string            `bson:"status"`
	Description   string            `bson:"description,omitempty"`
	Provider      providerDoc       `bson:"paymentProvider,omitempty"`
	Metadata      map[string]string `bson:"metadata,omitempty"`
	CreatedAt     time.Time         `bson:"createdAt"`
	UpdatedAt     time.Time         `bson:"updatedAt"`
	Deleted       bool              `bson:"deleted"`
}

func toMoneyDoc(m money.Money) moneyDoc {
	return moneyDoc{Currency: m.Currency.Code, Atomic: m.Atomic}
}

func fromMoneyDoc(d moneyDoc) money.Money {
	return money.Money{Currency: currencyFromCode(d.Currency), Atomic: d.Atomic}
}

func toDoc(tx *Transaction) transactionDoc {
	return transactionDoc{
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		Type:          string(tx.Type),
		Amount:        toMoneyDoc(tx.Amount),
		Fee:           toMoneyDoc(tx.Fee),
		Status:        string(tx.Status),
		Description:   tx.Description,
		Provider: providerDoc{
			Provider:              tx.Provider.Provider,
			ExternalTransactionID: tx.Provider.ExternalTransactionID,
			Status:                tx.Provider.Status,
			Metadata:              tx.Provider.Metadata,
		},
		Metadata:  tx.Metadata,
		CreatedAt: tx.CreatedAt,
		UpdatedAt: tx.UpdatedAt,
		Deleted:   tx.Deleted,
	}
}

func fromDoc(d *transactionDoc) Transaction {
	return Transaction{
		TransactionID: d.TransactionID,
		UserID:        d.UserID,
		Type:          Type(d.Type),
		Amount:        fromMoneyDoc(d.Amount),
		Fee:           fromMoneyDoc(d.Fee),
		Status:        Status(d.Status),
		Description:   d.Description,
		Provider: ProviderInfo{
			Provider:              d.Provider.Provider,
			ExternalTransactionID: d.Provider.ExternalTransactionID,
			Status:                d.Provider.Status,
			Metadata:              d.Provider.Metadata,
		},
		Metadata:  d.Metadata,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		Deleted:   d.Deleted,
	}
}

// NewMongoStore connects to MongoDB and prepares the transactions collection.
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
		coll:       client.Database(database).Collection(transactionsCollection),
		logger:     logger,
		ownsClient: true,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	logger.Info().Str("database", database).Msg("ledger.mongodb_connected")
	return s, nil
}

// NewMongoStoreWithClient reuses an existing client, for callers that share
// one connection across stores.
func NewMongoStoreWithClient(ctx context.Context, client *mongo.Client, database string, logger zerolog.Logger) (*MongoStore, error) {
	s := &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(transactionsCollection),
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
			Keys:    bson.D{{Key: "transactionId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "type", Value: 1}, {Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "metadata.sourcePaymentSessionId", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(
				bson.D{{Key: "metadata.sourcePaymentSessionId", Value: bson.D{{Key: "$exists", Value: true}}}},
			),
		},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create ledger indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Append(ctx context.Context, tx Transaction) error {
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = now
	}
	_, err := s.coll.InsertOne(ctx, toDoc(&tx))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *MongoStore) FindByTransactionID(ctx context.Context, transactionID string) (Transaction, error) {
	var doc transactionDoc
	err := s.coll.FindOne(ctx, bson.M{"transactionId": transactionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("find transaction: %w", err)
	}
	return fromDoc(&doc), nil
}

func (s *MongoStore) Find(ctx context.Context, f Filter, p Page) ([]Transaction, int64, error) {
	filter := buildMongoFilter(f)

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	p = p.Normalize()
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(int64(p.Offset())).
		SetLimit(int64(p.Limit))

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("find transactions: %w", err)
	}
	defer cursor.Close(ctx)

	out := []Transaction{}
	for cursor.Next(ctx) {
		var doc transactionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, 0, fmt.Errorf("decode transaction: %w", err)
		}
		out = append(out, fromDoc(&doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, total, nil
}

func buildMongoFilter(f Filter) bson.M {
	filter := bson.M{}
	if !f.IncludeDeleted {
		filter["deleted"] = bson.M{"$ne": true}
	}
	if f.UserID != "" {
		filter["userId"] = f.UserID
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		filter["type"] = bson.M{"$in": types}
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		filter["status"] = bson.M{"$in": statuses}
	}
	if f.Currency != "" {
		filter["amount.currency"] = f.Currency
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		rng := bson.M{}
		if !f.From.IsZero() {
			rng["$gte"] = f.From
		}
		if !f.To.IsZero() {
			rng["$lte"] = f.To
		}
		filter["createdAt"] = rng
	}
	if f.Search != "" {
		pattern := bson.M{"$regex": f.Search, "$options": "i"}
		filter["$or"] = bson.A{
			bson.M{"transactionId": pattern},
			bson.M{"description": pattern},
		}
	}
	return filter
}

func (s *MongoStore) UpdateStatus(ctx context.Context, transactionID string, to Status, patch Patch) (Transaction, error) {
	sources := SourcesFor(to)
	if len(sources) == 0 {
		return Transaction{}, ErrIllegalTransition
	}
	sourceStrs := make([]string, len(sources))
	for i, st := range sources {
		sourceStrs[i] = string(st)
	}

	set := bson.M{
		"status":    string(to),
		"updatedAt": time.Now().UTC(),
	}
	if patch.ProviderStatus != "" {
		set["paymentProvider.status"] = patch.ProviderStatus
	}
	if patch.ExternalTransactionID != "" {
		set["paymentProvider.externalTransactionId"] = patch.ExternalTransactionID
	}
	if patch.Description != "" {
		set["description"] = patch.Description
	}
	for k, v := range patch.Metadata {
		set["metadata."+k] = v
	}

	// Guarded CAS: the filter admits only statuses allowed to move to the
	// target, so concurrent writers cannot resurrect a terminal entry.
	filter := bson.M{
		"transactionId": transactionID,
		"status":        bson.M{"$in": sourceStrs},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc transactionDoc
	err := s.coll.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Distinguish unknown id from illegal transition.
		if _, findErr := s.FindByTransactionID(ctx, transactionID); findErr != nil {
			return Transaction{}, findErr
		}
		return Transaction{}, ErrIllegalTransition
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("update transaction status: %w", err)
	}
	return fromDoc(&doc), nil
}

func (s *MongoStore) PatchMetadata(ctx context.Context, transactionID string, meta map[string]string) error {
	set := bson.M{"updatedAt": time.Now().UTC()}
	for k, v := range meta {
		set["metadata."+k] = v
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"transactionId": transactionID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("patch transaction metadata: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) FindProcessingWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error) {
	filter := bson.M{
		"type":    string(TypeWithdrawal),
		"status":  string(StatusProcessing),
		"deleted": bson.M{"$ne": true},
	}
	if !olderThan.IsZero() {
		filter["updatedAt"] = bson.M{"$lte": olderThan}
	}
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find processing withdrawals: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Transaction
	for cursor.Next(ctx) {
		var doc transactionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		out = append(out, fromDoc(&doc))
	}
	return out, cursor.Err()
}

func (s *MongoStore) FindFirstByMetadata(ctx context.Context, userID string, typ Type, meta map[string]string) (Transaction, error) {
	filter := bson.M{
		"type":    string(typ),
		"deleted": bson.M{"$ne": true},
	}
	if userID != "" {
		filter["userId"] = userID
	}
	for k, v := range meta {
		filter["metadata."+k] = v
	}

	var doc transactionDoc
	err := s.coll.FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: 1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("find transaction by metadata: %w", err)
	}
	return fromDoc(&doc), nil
}

func (s *MongoStore) HasNonTerminal(ctx context.Context, userID string, types ...Type) (bool, error) {
	filter := bson.M{
		"userId":  userID,
		"deleted": bson.M{"$ne": true},
		"status":  bson.M{"$in": nonTerminalStatusStrings()},
	}
	if len(types) > 0 {
		typeStrs := make([]string, len(types))
		for i, t := range types {
			typeStrs[i] = string(t)
		}
		filter["type"] = bson.M{"$in": typeStrs}
	}
	count, err := s.coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count non-terminal transactions: %w", err)
	}
	return count > 0, nil
}

func (s *MongoStore) SoftDelete(ctx context.Context, transactionID string) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"transactionId": transactionID},
		bson.M{"$set": bson.M{"deleted": true, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("soft delete transaction: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ProcessingStats(ctx context.Context) ([]StatusCount, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"deleted": bson.M{"$ne": true},
			"status":  bson.M{"$in": nonTerminalStatusStrings()},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":    bson.M{"type": "$type", "status": "$status"},
			"count":  bson.M{"$sum": 1},
			"amount": bson.M{"$sum": "$amount.atomic"},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id.type", Value: 1}, {Key: "_id.status", Value: 1}}}},
	}

	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate processing stats: %w", err)
	}
	defer cursor.Close(ctx)

	var out []StatusCount
	for cursor.Next(ctx) {
		var row struct {
			ID struct {
				Type   string `bson:"type"`
				Status string `bson:"status"`
			} `bson:"_id"`
			Count  int64 `bson:"count"`
			Amount int64 `bson:"amount"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode stats row: %w", err)
		}
		out = append(out, StatusCount{
			Type:         Type(row.ID.Type),
			Status:       Status(row.ID.Status),
			Count:        row.Count,
			AmountAtomic: row.Amount,
		})
	}
	return out, cursor.Err()
}

func (s *MongoStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Client exposes the underlying connection so sibling stores can share it.
func (s *MongoStore) Client() *mongo.Client {
	return s.client
}

func nonTerminalStatusStrings() []string {
	return []string{
		string(StatusPending),
		string(StatusPendingOTP),
		string(StatusPendingAdminApproval),
		string(StatusProcessing),
	}
}
