package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"momo-orchestrator/domain"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const transactionsCollection = "transactions"

// transactionDoc is the stored shape. Amounts are Decimal128 so the
// database can still sum and compare them.
type transactionDoc struct {
	ID                string               `bson:"_id"`
	ExternalReference string               `bson:"external_reference"`
	ProviderRef       string               `bson:"provider_ref"`
	Provider          string               `bson:"provider"`
	Amount            primitive.Decimal128 `bson:"amount"`
	Currency          string               `bson:"currency"`
	PhoneNumber       string               `bson:"phone_number"`
	Status            string               `bson:"status"`
	ProviderPayload   string               `bson:"provider_payload,omitempty"`
	Description       string               `bson:"description"`
	OwnerID           string               `bson:"owner_id"`
	CreatedAt         time.Time            `bson:"created_at"`
	UpdatedAt         time.Time            `bson:"updated_at"`
}

type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// OpenMongo connects, pings the primary and ensures the indexes exist.
// The database name comes from the URI path, defaulting to "momo".
func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	if database == "" {
		database = "momo"
	}
	s := &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(transactionsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create mongo indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "external_reference", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
		},
	})
	return err
}

func (s *MongoStore) Create(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	c := prepareCreate(txn, time.Now().UTC())
	// BSON dates carry milliseconds.
	c.CreatedAt = c.CreatedAt.Truncate(time.Millisecond)
	c.UpdatedAt = c.CreatedAt

	doc, err := toDoc(c)
	if err != nil {
		return nil, err
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, domain.ErrDuplicateReference
		}
		return nil, err
	}
	return c, nil
}

func (s *MongoStore) UpdateStatus(ctx context.Context, id string, status domain.Status, rawPayload json.RawMessage) (*domain.Transaction, error) {
	txn, _, err := s.Transition(ctx, id, status, rawPayload)
	return txn, err
}

func (s *MongoStore) Transition(ctx context.Context, id string, status domain.Status, rawPayload json.RawMessage) (*domain.Transaction, bool, error) {
	if !status.Valid() {
		return nil, false, &domain.ValidationError{Field: "status", Msg: fmt.Sprintf("unknown status %q", status)}
	}

	set := bson.M{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	}
	if len(rawPayload) > 0 {
		set["provider_payload"] = string(rawPayload)
	}

	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(domain.StatusPending)},
		bson.M{"$set": set},
	)
	if err != nil {
		return nil, false, err
	}
	txn, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return txn, res.MatchedCount > 0, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.findOne(ctx, bson.M{"_id": id}, id)
}

func (s *MongoStore) GetByReference(ctx context.Context, provider domain.Provider, reference string) (*domain.Transaction, error) {
	return s.findOne(ctx, bson.M{"provider": string(provider), "external_reference": reference}, reference)
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M, key string) (*domain.Transaction, error) {
	var doc transactionDoc
	err := s.collection.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &domain.NotFoundError{TransactionID: key}
	}
	if err != nil {
		return nil, err
	}
	return fromDoc(&doc)
}

func (s *MongoStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Transaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.collection.Find(ctx, bson.M{
		"status":     string(domain.StatusPending),
		"created_at": bson.M{"$lt": olderThan},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*domain.Transaction
	for cursor.Next(ctx) {
		var doc transactionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		txn, err := fromDoc(&doc)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, cursor.Err()
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toDoc(txn *domain.Transaction) (*transactionDoc, error) {
	amount, err := primitive.ParseDecimal128(txn.Amount.String())
	if err != nil {
		return nil, fmt.Errorf("amount %s: %w", txn.Amount, err)
	}
	return &transactionDoc{
		ID:                txn.ID,
		ExternalReference: txn.ExternalReference,
		ProviderRef:       txn.ProviderRef,
		Provider:          string(txn.Provider),
		Amount:            amount,
		Currency:          txn.Currency,
		PhoneNumber:       txn.PhoneNumber,
		Status:            string(txn.Status),
		ProviderPayload:   string(txn.ProviderPayload),
		Description:       txn.Description,
		OwnerID:           txn.OwnerID,
		CreatedAt:         txn.CreatedAt,
		UpdatedAt:         txn.UpdatedAt,
	}, nil
}

func fromDoc(doc *transactionDoc) (*domain.Transaction, error) {
	amount, err := decimal.NewFromString(doc.Amount.String())
	if err != nil {
		return nil, fmt.Errorf("corrupt amount %q: %w", doc.Amount.String(), err)
	}
	txn := &domain.Transaction{
		ID:                doc.ID,
		ExternalReference: doc.ExternalReference,
		ProviderRef:       doc.ProviderRef,
		Provider:          domain.Provider(doc.Provider),
		Amount:            amount,
		Currency:          doc.Currency,
		PhoneNumber:       doc.PhoneNumber,
		Status:            domain.Status(doc.Status),
		Description:       doc.Description,
		OwnerID:           doc.OwnerID,
		CreatedAt:         doc.CreatedAt.UTC(),
		UpdatedAt:         doc.UpdatedAt.UTC(),
	}
	if doc.ProviderPayload != "" {
		txn.ProviderPayload = json.RawMessage(doc.ProviderPayload)
	}
	return txn, nil
}
