package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nairabridge/nairabridge-server/internal/config"
)

// MongoDBStore implements Store using MongoDB. Amounts are stored as decimal
// strings; metadata is a subdocument patched with per-key $set so concurrent
// workers never clobber each other's keys.
type MongoDBStore struct {
	client        *mongo.Client
	transactions  *mongo.Collection
	webhookEvents *mongo.Collection
	rates         *mongo.Collection
	conversions   *mongo.Collection
	cursors       *mongo.Collection
	webhookQueue  *mongo.Collection
}

type mongoTransaction struct {
	ID               string            `bson:"_id"`
	Type             TransactionType   `bson:"type"`
	FromAmount       string            `bson:"from_amount"`
	ToAmount         string            `bson:"to_amount"`
	CNGNAmount       string            `bson:"cngn_amount"`
	FromCurrency     string            `bson:"from_currency"`
	ToCurrency       string            `bson:"to_currency"`
	WalletAddress    string            `bson:"wallet_address"`
	PaymentProvider  string            `bson:"payment_provider"`
	PaymentReference string            `bson:"payment_reference"`
	BlockchainTxHash string            `bson:"blockchain_tx_hash"`
	Status           TransactionStatus `bson:"status"`
	ErrorMessage     string            `bson:"error_message"`
	Metadata         map[string]any    `bson:"metadata"`
	CreatedAt        time.Time         `bson:"created_at"`
	UpdatedAt        time.Time         `bson:"updated_at"`
}

type mongoWebhookEvent struct {
	Provider   string             `bson:"provider"`
	EventID    string             `bson:"event_id"`
	EventType  string             `bson:"event_type"`
	Payload    []byte             `bson:"payload"`
	Signature  string             `bson:"signature"`
	Status     WebhookEventStatus `bson:"status"`
	RetryCount int                `bson:"retry_count"`
	LastError  string             `bson:"last_error"`
	CreatedAt  time.Time          `bson:"created_at"`
	UpdatedAt  time.Time          `bson:"updated_at"`
}

type mongoRate struct {
	ID           string    `bson:"_id"`
	FromCurrency string    `bson:"from_currency"`
	ToCurrency   string    `bson:"to_currency"`
	Rate         string    `bson:"rate"`
	Source       string    `bson:"source"`
	CreatedAt    time.Time `bson:"created_at"`
}

type mongoNotification struct {
	ID            string             `bson:"_id"`
	URL           string             `bson:"url"`
	Payload       []byte             `bson:"payload"`
	Headers       map[string]string  `bson:"headers,omitempty"`
	EventType     string             `bson:"event_type"`
	Status        NotificationStatus `bson:"status"`
	Attempts      int                `bson:"attempts"`
	MaxAttempts   int                `bson:"max_attempts"`
	LastError     string             `bson:"last_error"`
	LastAttemptAt time.Time          `bson:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time          `bson:"next_attempt_at"`
	CreatedAt     time.Time          `bson:"created_at"`
	CompletedAt   *time.Time         `bson:"completed_at,omitempty"`
}

// NewMongoDBStore connects to MongoDB and prepares indexes.
func NewMongoDBStore(uri, database string, mapping config.SchemaMappingConfig) (*MongoDBStore, error) {
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

	db := client.Database(database)
	name := func(mapped config.TableMappingConfig, fallback string) string {
		if mapped.TableName != "" {
			return mapped.TableName
		}
		return fallback
	}

	store := &MongoDBStore{
		client:        client,
		transactions:  db.Collection(name(mapping.Transactions, "transactions")),
		webhookEvents: db.Collection(name(mapping.WebhookEvents, "webhook_events")),
		rates:         db.Collection(name(mapping.ExchangeRates, "exchange_rates")),
		conversions:   db.Collection(name(mapping.Conversions, "conversion_audits")),
		cursors:       db.Collection(name(mapping.Cursors, "ledger_cursors")),
		webhookQueue:  db.Collection(name(mapping.WebhookQueue, "webhook_queue")),
	}
	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "payment_provider", Value: 1}, {Key: "payment_reference", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(
				bson.M{"payment_reference": bson.M{"$gt": ""}}),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "metadata.deposit_ref", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create transaction indexes: %w", err)
	}

	_, err = s.webhookEvents.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "event_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create webhook event index: %w", err)
	}

	_, err = s.rates.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "from_currency", Value: 1}, {Key: "to_currency", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create rate index: %w", err)
	}

	_, err = s.webhookQueue.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create webhook queue index: %w", err)
	}
	return nil
}

func toMongoTransaction(tx Transaction) mongoTransaction {
	return mongoTransaction{
		ID:               tx.ID,
		Type:             tx.Type,
		FromAmount:       tx.FromAmount.String(),
		ToAmount:         tx.ToAmount.String(),
		CNGNAmount:       tx.CNGNAmount.String(),
		FromCurrency:     tx.FromCurrency,
		ToCurrency:       tx.ToCurrency,
		WalletAddress:    tx.WalletAddress,
		PaymentProvider:  tx.PaymentProvider,
		PaymentReference: tx.PaymentReference,
		BlockchainTxHash: tx.BlockchainTxHash,
		Status:           tx.Status,
		ErrorMessage:     tx.ErrorMessage,
		Metadata:         tx.Metadata,
		CreatedAt:        tx.CreatedAt,
		UpdatedAt:        tx.UpdatedAt,
	}
}

func fromMongoTransaction(doc mongoTransaction) (Transaction, error) {
	tx := Transaction{
		ID:               doc.ID,
		Type:             doc.Type,
		FromCurrency:     doc.FromCurrency,
		ToCurrency:       doc.ToCurrency,
		WalletAddress:    doc.WalletAddress,
		PaymentProvider:  doc.PaymentProvider,
		PaymentReference: doc.PaymentReference,
		BlockchainTxHash: doc.BlockchainTxHash,
		Status:           doc.Status,
		ErrorMessage:     doc.ErrorMessage,
		Metadata:         doc.Metadata,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
	var err error
	if tx.FromAmount, err = parseDecimal(doc.FromAmount); err != nil {
		return Transaction{}, err
	}
	if tx.ToAmount, err = parseDecimal(doc.ToAmount); err != nil {
		return Transaction{}, err
	}
	if tx.CNGNAmount, err = parseDecimal(doc.CNGNAmount); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// CreateTransaction inserts a new ledger row.
func (s *MongoDBStore) CreateTransaction(ctx context.Context, tx Transaction) error {
	if err := validateAndPrepareTransaction(&tx); err != nil {
		return err
	}
	if _, err := s.transactions.InsertOne(ctx, toMongoTransaction(tx)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: transaction %s", ErrDuplicate, tx.ID)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *MongoDBStore) findOneTransaction(ctx context.Context, filter bson.M) (Transaction, error) {
	var doc mongoTransaction
	err := s.transactions.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("find transaction: %w", err)
	}
	return fromMongoTransaction(doc)
}

// GetTransaction retrieves a row by id.
func (s *MongoDBStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	return s.findOneTransaction(ctx, bson.M{"_id": id})
}

// GetTransactionByProviderRef retrieves a row by the provider's reference.
func (s *MongoDBStore) GetTransactionByProviderRef(ctx context.Context, provider, reference string) (Transaction, error) {
	return s.findOneTransaction(ctx, bson.M{"payment_provider": provider, "payment_reference": reference})
}

// GetTransactionByMemoRef matches a memo against the full id, then the
// stored deposit_ref.
func (s *MongoDBStore) GetTransactionByMemoRef(ctx context.Context, memo string) (Transaction, error) {
	if memo == "" {
		return Transaction{}, ErrNotFound
	}
	tx, err := s.findOneTransaction(ctx, bson.M{"_id": memo})
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Transaction{}, err
	}
	return s.findOneTransaction(ctx, bson.M{"metadata.deposit_ref": memo})
}

// SetProviderSession records the provider session on the row. The unique
// (payment_provider, payment_reference) index rejects a stolen reference.
func (s *MongoDBStore) SetProviderSession(ctx context.Context, id, provider, reference string) error {
	if provider == "" || reference == "" {
		return fmt.Errorf("provider session requires provider and reference")
	}
	result, err := s.transactions.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"payment_provider":  provider,
			"payment_reference": reference,
			"updated_at":        time.Now().UTC(),
		}})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: provider reference %s/%s", ErrDuplicate, provider, reference)
		}
		return fmt.Errorf("set provider session: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus performs the status-guarded transition.
func (s *MongoDBStore) UpdateStatus(ctx context.Context, id string, from, to TransactionStatus) error {
	return s.UpdateStatusWithMetadata(ctx, id, from, to, nil)
}

// UpdateStatusWithMetadata performs the transition and patches metadata keys
// in the same guarded update.
func (s *MongoDBStore) UpdateStatusWithMetadata(ctx context.Context, id string, from, to TransactionStatus, patch map[string]any) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	set := bson.M{"status": to, "updated_at": time.Now().UTC()}
	for k, v := range patch {
		set["metadata."+k] = v
	}

	result, err := s.transactions.UpdateOne(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if result.MatchedCount == 0 {
		current, getErr := s.GetTransaction(ctx, id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: expected %s, found %s", ErrStaleStatus, from, current.Status)
	}
	return nil
}

// MergeMetadata enriches metadata without touching status.
func (s *MongoDBStore) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	for k, v := range patch {
		set["metadata."+k] = v
	}
	result, err := s.transactions.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("merge metadata: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetErrorMessage records the failure reason on the row.
func (s *MongoDBStore) SetErrorMessage(ctx context.Context, id, message string) error {
	result, err := s.transactions.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"error_message": message, "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("set error message: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateBlockchainHash is the conditional single-shot hash write.
func (s *MongoDBStore) UpdateBlockchainHash(ctx context.Context, id, hash string) error {
	if hash == "" {
		return fmt.Errorf("blockchain hash must not be empty")
	}
	result, err := s.transactions.UpdateOne(ctx,
		bson.M{"_id": id, "blockchain_tx_hash": bson.M{"$in": bson.A{"", hash}}},
		bson.M{"$set": bson.M{"blockchain_tx_hash": hash, "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("update blockchain hash: %w", err)
	}
	if result.MatchedCount == 0 {
		if _, getErr := s.GetTransaction(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s", ErrHashAlreadySet, id)
	}
	return nil
}

func (s *MongoDBStore) findTransactions(ctx context.Context, filter bson.M, limit int) ([]Transaction, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetLimit(int64(normalizeLimit(limit)))

	cursor, err := s.transactions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Transaction
	for cursor.Next(ctx) {
		var doc mongoTransaction
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		tx, err := fromMongoTransaction(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, cursor.Err()
}

// FindOfframpsByStatus returns offramp and bill_payment rows in the given
// status, oldest first.
func (s *MongoDBStore) FindOfframpsByStatus(ctx context.Context, status TransactionStatus, limit int) ([]Transaction, error) {
	return s.findTransactions(ctx, bson.M{
		"status": status,
		"type":   bson.M{"$in": bson.A{TypeOfframp, TypeBillPayment}},
	}, limit)
}

// FindPendingPaymentsForMonitoring returns {pending, processing} rows created
// inside the monitoring window.
func (s *MongoDBStore) FindPendingPaymentsForMonitoring(ctx context.Context, window time.Duration, limit int) ([]Transaction, error) {
	return s.findTransactions(ctx, bson.M{
		"status":     bson.M{"$in": bson.A{StatusPending, StatusProcessing}},
		"created_at": bson.M{"$gte": time.Now().UTC().Add(-window)},
	}, limit)
}

// FindExpiredPending returns pending_payment rows created before cutoff.
func (s *MongoDBStore) FindExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]Transaction, error) {
	return s.findTransactions(ctx, bson.M{
		"status":     StatusPendingPayment,
		"created_at": bson.M{"$lt": cutoff},
	}, limit)
}

// LogWebhookEvent inserts the dedupe row or returns the existing one.
func (s *MongoDBStore) LogWebhookEvent(ctx context.Context, event WebhookEvent) (bool, WebhookEvent, error) {
	if event.Provider == "" || event.EventID == "" {
		return false, WebhookEvent{}, fmt.Errorf("webhook event requires provider and event_id")
	}
	now := time.Now().UTC()
	doc := mongoWebhookEvent{
		Provider:  event.Provider,
		EventID:   event.EventID,
		EventType: event.EventType,
		Payload:   event.Payload,
		Signature: event.Signature,
		Status:    WebhookEventPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.webhookEvents.InsertOne(ctx, doc); err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return false, WebhookEvent{}, fmt.Errorf("log webhook event: %w", err)
		}
		var existing mongoWebhookEvent
		findErr := s.webhookEvents.FindOne(ctx,
			bson.M{"provider": event.Provider, "event_id": event.EventID}).Decode(&existing)
		if findErr != nil {
			return false, WebhookEvent{}, fmt.Errorf("load existing webhook event: %w", findErr)
		}
		return false, webhookEventFromMongo(existing), nil
	}
	return true, webhookEventFromMongo(doc), nil
}

func webhookEventFromMongo(doc mongoWebhookEvent) WebhookEvent {
	return WebhookEvent{
		Provider:   doc.Provider,
		EventID:    doc.EventID,
		EventType:  doc.EventType,
		Payload:    doc.Payload,
		Signature:  doc.Signature,
		Status:     doc.Status,
		RetryCount: doc.RetryCount,
		LastError:  doc.LastError,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
}

// CompleteWebhookEvent marks the row completed.
func (s *MongoDBStore) CompleteWebhookEvent(ctx context.Context, provider, eventID string) error {
	result, err := s.webhookEvents.UpdateOne(ctx,
		bson.M{"provider": provider, "event_id": eventID},
		bson.M{"$set": bson.M{"status": WebhookEventCompleted, "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("complete webhook event: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordWebhookFailure increments the retry counter and stores the error.
func (s *MongoDBStore) RecordWebhookFailure(ctx context.Context, provider, eventID, lastError string) error {
	result, err := s.webhookEvents.UpdateOne(ctx,
		bson.M{"provider": provider, "event_id": eventID},
		bson.M{
			"$set": bson.M{"status": WebhookEventFailed, "last_error": lastError, "updated_at": time.Now().UTC()},
			"$inc": bson.M{"retry_count": 1},
		})
	if err != nil {
		return fmt.Errorf("record webhook failure: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRetryableWebhookEvents returns failed rows under the retry cap.
func (s *MongoDBStore) ListRetryableWebhookEvents(ctx context.Context, maxRetries, limit int) ([]WebhookEvent, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetLimit(int64(normalizeLimit(limit)))

	cursor, err := s.webhookEvents.Find(ctx, bson.M{
		"status":      WebhookEventFailed,
		"retry_count": bson.M{"$lt": maxRetries},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("list retryable webhook events: %w", err)
	}
	defer cursor.Close(ctx)

	var out []WebhookEvent
	for cursor.Next(ctx) {
		var doc mongoWebhookEvent
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode webhook event: %w", err)
		}
		out = append(out, webhookEventFromMongo(doc))
	}
	return out, cursor.Err()
}

// AppendRate appends a rate history row.
func (s *MongoDBStore) AppendRate(ctx context.Context, rate ExchangeRate) error {
	if rate.ID == "" {
		rate.ID = newID()
	}
	if rate.CreatedAt.IsZero() {
		rate.CreatedAt = time.Now().UTC()
	}
	doc := mongoRate{
		ID:           rate.ID,
		FromCurrency: strings.ToUpper(rate.FromCurrency),
		ToCurrency:   strings.ToUpper(rate.ToCurrency),
		Rate:         rate.Rate.String(),
		Source:       rate.Source,
		CreatedAt:    rate.CreatedAt,
	}
	if _, err := s.rates.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("append rate: %w", err)
	}
	return nil
}

// LatestRate resolves the newest row for the unordered pair.
func (s *MongoDBStore) LatestRate(ctx context.Context, from, to string) (ExchangeRate, error) {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)

	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var doc mongoRate
	err := s.rates.FindOne(ctx, bson.M{"$or": bson.A{
		bson.M{"from_currency": from, "to_currency": to},
		bson.M{"from_currency": to, "to_currency": from},
	}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ExchangeRate{}, ErrNotFound
	}
	if err != nil {
		return ExchangeRate{}, fmt.Errorf("latest rate: %w", err)
	}

	rate := ExchangeRate{
		ID:           doc.ID,
		FromCurrency: doc.FromCurrency,
		ToCurrency:   doc.ToCurrency,
		Source:       doc.Source,
		CreatedAt:    doc.CreatedAt,
	}
	if rate.Rate, err = parseDecimal(doc.Rate); err != nil {
		return ExchangeRate{}, err
	}
	if rate.FromCurrency != from {
		rate.FromCurrency, rate.ToCurrency = from, to
		rate.Rate = invertRate(rate.Rate)
	}
	return rate, nil
}

// ListRateHistory returns history rows for the pair, newest first.
func (s *MongoDBStore) ListRateHistory(ctx context.Context, from, to string, limit int) ([]ExchangeRate, error) {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(normalizeLimit(limit)))
	cursor, err := s.rates.Find(ctx, bson.M{"$or": bson.A{
		bson.M{"from_currency": from, "to_currency": to},
		bson.M{"from_currency": to, "to_currency": from},
	}}, opts)
	if err != nil {
		return nil, fmt.Errorf("list rate history: %w", err)
	}
	defer cursor.Close(ctx)

	var out []ExchangeRate
	for cursor.Next(ctx) {
		var doc mongoRate
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode rate: %w", err)
		}
		rate := ExchangeRate{
			ID:           doc.ID,
			FromCurrency: doc.FromCurrency,
			ToCurrency:   doc.ToCurrency,
			Source:       doc.Source,
			CreatedAt:    doc.CreatedAt,
		}
		if rate.Rate, err = parseDecimal(doc.Rate); err != nil {
			return nil, err
		}
		out = append(out, rate)
	}
	return out, cursor.Err()
}

// AppendConversionAudit appends an immutable audit row.
func (s *MongoDBStore) AppendConversionAudit(ctx context.Context, audit ConversionAudit) error {
	if audit.ID == "" {
		audit.ID = newID()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now().UTC()
	}
	doc := bson.M{
		"_id":              audit.ID,
		"transaction_id":   audit.TransactionID,
		"transaction_type": audit.TxType,
		"from_currency":    audit.FromCurrency,
		"to_currency":      audit.ToCurrency,
		"amount":           audit.Amount.String(),
		"rate":             audit.Rate.String(),
		"gross_amount":     audit.GrossAmount.String(),
		"provider_fee":     audit.ProviderFee.String(),
		"platform_fee":     audit.PlatformFee.String(),
		"total_fee":        audit.TotalFee.String(),
		"net_amount":       audit.NetAmount.String(),
		"effective_rate":   audit.EffectiveRate.String(),
		"fee_tier_id":      audit.FeeTierID,
		"provider":         audit.Provider,
		"payment_method":   audit.PaymentMethod,
		"outcome":          audit.Outcome,
		"created_at":       audit.CreatedAt,
	}
	if _, err := s.conversions.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("append conversion audit: %w", err)
	}
	return nil
}

// GetCursor returns the stored cursor value, empty string when unset.
func (s *MongoDBStore) GetCursor(ctx context.Context, name string) (string, error) {
	var doc struct {
		Value string `bson:"value"`
	}
	err := s.cursors.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor: %w", err)
	}
	return doc.Value, nil
}

// SetCursor stores the cursor value.
func (s *MongoDBStore) SetCursor(ctx context.Context, name, value string) error {
	_, err := s.cursors.UpdateOne(ctx,
		bson.M{"_id": name},
		bson.M{"$set": bson.M{"value": value, "updated_at": time.Now().UTC()}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// EnqueueNotification adds a job to the delivery queue.
func (s *MongoDBStore) EnqueueNotification(ctx context.Context, job NotificationJob) (string, error) {
	if job.ID == "" {
		job.ID = "notif_" + newID()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}
	doc := mongoNotification{
		ID:            job.ID,
		URL:           job.URL,
		Payload:       []byte(job.Payload),
		Headers:       job.Headers,
		EventType:     job.EventType,
		Status:        NotificationPending,
		MaxAttempts:   job.MaxAttempts,
		NextAttemptAt: job.NextAttemptAt,
		CreatedAt:     job.CreatedAt,
	}
	if _, err := s.webhookQueue.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("enqueue notification: %w", err)
	}
	return job.ID, nil
}

// DequeueNotifications returns pending jobs whose next attempt is due.
func (s *MongoDBStore) DequeueNotifications(ctx context.Context, limit int) ([]NotificationJob, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "next_attempt_at", Value: 1}}).
		SetLimit(int64(normalizeLimit(limit)))

	cursor, err := s.webhookQueue.Find(ctx, bson.M{
		"status":          NotificationPending,
		"next_attempt_at": bson.M{"$lte": time.Now().UTC()},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("dequeue notifications: %w", err)
	}
	defer cursor.Close(ctx)

	var out []NotificationJob
	for cursor.Next(ctx) {
		var doc mongoNotification
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode notification: %w", err)
		}
		out = append(out, notificationFromMongo(doc))
	}
	return out, cursor.Err()
}

func notificationFromMongo(doc mongoNotification) NotificationJob {
	return NotificationJob{
		ID:            doc.ID,
		URL:           doc.URL,
		Payload:       doc.Payload,
		Headers:       doc.Headers,
		EventType:     doc.EventType,
		Status:        doc.Status,
		Attempts:      doc.Attempts,
		MaxAttempts:   doc.MaxAttempts,
		LastError:     doc.LastError,
		LastAttemptAt: doc.LastAttemptAt,
		NextAttemptAt: doc.NextAttemptAt,
		CreatedAt:     doc.CreatedAt,
		CompletedAt:   doc.CompletedAt,
	}
}

// MarkNotificationProcessing claims a job for delivery.
func (s *MongoDBStore) MarkNotificationProcessing(ctx context.Context, id string) error {
	result, err := s.webhookQueue.UpdateOne(ctx,
		bson.M{"_id": id, "status": NotificationPending},
		bson.M{"$set": bson.M{"status": NotificationProcessing, "last_attempt_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("mark notification processing: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkNotificationSuccess records a delivered job.
func (s *MongoDBStore) MarkNotificationSuccess(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := s.webhookQueue.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": NotificationSuccess, "completed_at": now}})
	if err != nil {
		return fmt.Errorf("mark notification success: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkNotificationFailed records a failed attempt, moving the job to the DLQ
// when retries are exhausted.
func (s *MongoDBStore) MarkNotificationFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error {
	job, err := s.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	set := bson.M{"last_error": lastError, "last_attempt_at": now}
	if job.Attempts+1 >= job.MaxAttempts {
		set["status"] = NotificationFailed
		set["completed_at"] = now
	} else {
		set["status"] = NotificationPending
		set["next_attempt_at"] = nextAttemptAt
	}
	result, err := s.webhookQueue.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": set, "$inc": bson.M{"attempts": 1}})
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// GetNotification retrieves a job by id.
func (s *MongoDBStore) GetNotification(ctx context.Context, id string) (NotificationJob, error) {
	var doc mongoNotification
	err := s.webhookQueue.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return NotificationJob{}, ErrNotFound
	}
	if err != nil {
		return NotificationJob{}, fmt.Errorf("get notification: %w", err)
	}
	return notificationFromMongo(doc), nil
}

// RequeueNotification resets a DLQ'd job for another round of attempts.
func (s *MongoDBStore) RequeueNotification(ctx context.Context, id string) error {
	result, err := s.webhookQueue.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"status":          NotificationPending,
			"attempts":        0,
			"last_error":      "",
			"next_attempt_at": time.Now().UTC(),
			"completed_at":    nil,
		}})
	if err != nil {
		return fmt.Errorf("requeue notification: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Close disconnects the client.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
