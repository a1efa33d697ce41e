// Package orchestrator turns payment initiation requests into provider
// sessions, failing over through the configured provider order, and applies
// the webhook-driven status transitions. Initiation is idempotent: the same
// request replays the same session, keyed by the caller's idempotency key or
// a digest of the canonical request tuple. The durable idempotency record is
// the transaction row; the in-process memo cache only skips the re-read.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/metrics"
	"github.com/nairabridge/nairabridge-server/internal/providers"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

// Metadata keys the orchestrator writes alongside the provider session.
const (
	metaAuthorizationURL = "authorization_url"
	metaAccessCode       = "access_code"
)

// PaymentInput is one initiation request.
type PaymentInput struct {
	TransactionID  string
	Amount         decimal.Decimal
	Currency       string
	Method         string
	Email          string
	CallbackURL    string
	IdempotencyKey string // Optional; derived from the tuple when empty
}

// PaymentResponse is the provider-agnostic session handed back to the client.
type PaymentResponse struct {
	TransactionID    string                    `json:"transaction_id"`
	Provider         string                    `json:"provider"`
	Reference        string                    `json:"reference"`
	AuthorizationURL string                    `json:"authorization_url,omitempty"`
	AccessCode       string                    `json:"access_code,omitempty"`
	ClientSecret     string                    `json:"client_secret,omitempty"`
	Status           storage.TransactionStatus `json:"status"`
}

// ProviderChain supplies the ordered payment providers. Satisfied by
// providers.Registry.
type ProviderChain interface {
	PaymentOrder() []providers.PaymentProvider
}

// Payouts drafts and submits the cNGN leg of a confirmed onramp deposit.
// Build returns the envelope and its hash so the hash can be persisted
// before submission.
type Payouts interface {
	Build(ctx context.Context, destination string, amount decimal.Decimal, memo string) (envelopeXDR, hash string, err error)
	Submit(ctx context.Context, envelopeXDR string) error
}

// Orchestrator drives initiation and the webhook status handlers.
type Orchestrator struct {
	store   storage.Store
	chain   ProviderChain
	payouts Payouts
	metrics *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*keyLock
	memo  map[string]PaymentResponse
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New wires the orchestrator. payouts may be nil, in which case confirmed
// onramp deposits stay in processing for an external submitter.
func New(store storage.Store, chain ProviderChain, payouts Payouts, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		store:   store,
		chain:   chain,
		payouts: payouts,
		metrics: m,
		locks:   make(map[string]*keyLock),
		memo:    make(map[string]PaymentResponse),
	}
}

// InitiatePayment creates a provider session for an initiated transaction.
// Replays return the recorded session; a row already past initiated is
// treated as a replay regardless of the memo cache.
func (o *Orchestrator) InitiatePayment(ctx context.Context, in PaymentInput) (PaymentResponse, error) {
	if in.TransactionID == "" {
		return PaymentResponse{}, apperrors.New(apperrors.ErrCodeMissingField, "transaction_id is required")
	}
	key := in.IdempotencyKey
	if key == "" {
		key = deriveKey(in)
	}

	unlock := o.lockKey(key)
	defer unlock()

	if resp, ok := o.memoized(key); ok {
		return resp, nil
	}

	row, err := o.store.GetTransaction(ctx, in.TransactionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return PaymentResponse{}, apperrors.Wrap(apperrors.ErrCodeTransactionNotFound,
				fmt.Sprintf("transaction %s", in.TransactionID), err)
		}
		return PaymentResponse{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "read transaction", err)
	}
	if row.Status != storage.StatusInitiated {
		// Already advanced by an earlier attempt; replay the recorded session.
		resp := responseFromRow(row)
		o.memoize(key, resp)
		return resp, nil
	}

	currency := in.Currency
	if currency == "" {
		currency = row.FromCurrency
	}
	req := providers.PaymentRequest{
		TransactionID: row.ID,
		Amount:        in.Amount,
		Currency:      currency,
		Email:         in.Email,
		Method:        in.Method,
		CallbackURL:   in.CallbackURL,
	}

	chain := o.chain.PaymentOrder()
	if len(chain) == 0 {
		return PaymentResponse{}, apperrors.New(apperrors.ErrCodeConfigurationError, "no payment providers configured")
	}

	var failures []error
	for i, provider := range chain {
		session, err := provider.InitiatePayment(ctx, req)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", provider.Name(), err))
			if !apperrors.IsRetryable(err) {
				return PaymentResponse{}, err
			}
			if i+1 < len(chain) {
				log.Warn().Err(err).Str("transaction_id", row.ID).
					Str("from", provider.Name()).Str("to", chain[i+1].Name()).
					Msg("orchestrator.provider_failover")
				if o.metrics != nil {
					o.metrics.ObserveFailover(provider.Name(), chain[i+1].Name())
				}
			}
			continue
		}

		if err := o.recordSession(ctx, row, in, session); err != nil {
			return PaymentResponse{}, err
		}
		resp := PaymentResponse{
			TransactionID:    row.ID,
			Provider:         session.Provider,
			Reference:        session.Reference,
			AuthorizationURL: session.AuthorizationURL,
			AccessCode:       session.AccessCode,
			ClientSecret:     session.ClientSecret,
			Status:           storage.StatusPendingPayment,
		}
		o.memoize(key, resp)
		return resp, nil
	}

	return PaymentResponse{}, apperrors.Wrap(apperrors.ErrCodePaymentProviderError,
		"all payment providers failed", errors.Join(failures...)).WithRetryable(true)
}

// recordSession writes the provider columns and advances the row to
// pending_payment in a status-guarded update.
func (o *Orchestrator) recordSession(ctx context.Context, row storage.Transaction, in PaymentInput, session providers.PaymentSession) error {
	if err := o.store.SetProviderSession(ctx, row.ID, session.Provider, session.Reference); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "record provider session", err)
	}
	patch := map[string]any{
		storage.MetaProviderReference: session.Reference,
	}
	if in.Method != "" {
		patch[storage.MetaPaymentMethod] = in.Method
	}
	if in.Email != "" {
		patch[storage.MetaCustomerEmail] = in.Email
	}
	if session.AuthorizationURL != "" {
		patch[metaAuthorizationURL] = session.AuthorizationURL
	}
	if session.AccessCode != "" {
		patch[metaAccessCode] = session.AccessCode
	}
	if err := o.store.UpdateStatusWithMetadata(ctx, row.ID, storage.StatusInitiated, storage.StatusPendingPayment, patch); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "advance to pending_payment", err)
	}
	o.observeTransition(row.Type, storage.StatusInitiated, storage.StatusPendingPayment)
	return nil
}

// HandlePaymentSuccess marks the fiat deposit received and, for onramp rows,
// drafts and submits the cNGN payout. A terminal row is a silent no-op so
// webhook replays are safe. A retryable payout failure is surfaced so the
// webhook sweep retries the event.
func (o *Orchestrator) HandlePaymentSuccess(ctx context.Context, provider, reference string) error {
	row, err := o.resolve(ctx, provider, reference)
	if err != nil {
		return err
	}
	if row.Status.IsTerminal() {
		log.Debug().Str("transaction_id", row.ID).Str("status", string(row.Status)).
			Msg("orchestrator.payment_success_replay")
		return nil
	}

	if row.Status == storage.StatusPendingPayment {
		err := o.store.UpdateStatus(ctx, row.ID, storage.StatusPendingPayment, storage.StatusProcessing)
		switch {
		case err == nil:
			o.observeTransition(row.Type, storage.StatusPendingPayment, storage.StatusProcessing)
			row.Status = storage.StatusProcessing
		case errors.Is(err, storage.ErrStaleStatus):
			// Another cycle owns the row.
			return nil
		default:
			return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "mark deposit received", err)
		}
	}

	if row.Type == storage.TypeOnramp && row.Status == storage.StatusProcessing &&
		row.SubmittedHash() == "" && o.payouts != nil {
		return o.submitPayout(ctx, row)
	}
	return nil
}

// HandlePaymentFailure fails a row still waiting on its deposit. Terminal
// rows are a silent no-op.
func (o *Orchestrator) HandlePaymentFailure(ctx context.Context, provider, reference, reason string) error {
	row, err := o.resolve(ctx, provider, reference)
	if err != nil {
		return err
	}
	if row.Status.IsTerminal() {
		return nil
	}
	if row.Status != storage.StatusPendingPayment {
		log.Warn().Str("transaction_id", row.ID).Str("status", string(row.Status)).
			Str("reason", reason).Msg("orchestrator.payment_failure_after_deposit")
		return nil
	}
	if err := o.store.UpdateStatus(ctx, row.ID, storage.StatusPendingPayment, storage.StatusFailed); err != nil {
		if errors.Is(err, storage.ErrStaleStatus) {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "mark payment failed", err)
	}
	o.observeTransition(row.Type, storage.StatusPendingPayment, storage.StatusFailed)
	if reason != "" {
		if err := o.store.SetErrorMessage(ctx, row.ID, reason); err != nil {
			log.Warn().Err(err).Str("transaction_id", row.ID).Msg("orchestrator.error_message_write_failed")
		}
	}
	return nil
}

// HandleWithdrawalSuccess completes a bank transfer in flight.
func (o *Orchestrator) HandleWithdrawalSuccess(ctx context.Context, provider, reference string) error {
	row, err := o.resolve(ctx, provider, reference)
	if err != nil {
		return err
	}
	if row.Status.IsTerminal() {
		return nil
	}
	if row.Status != storage.StatusTransferPending {
		log.Debug().Str("transaction_id", row.ID).Str("status", string(row.Status)).
			Msg("orchestrator.withdrawal_success_out_of_order")
		return nil
	}
	if err := o.store.UpdateStatus(ctx, row.ID, storage.StatusTransferPending, storage.StatusCompleted); err != nil {
		if errors.Is(err, storage.ErrStaleStatus) {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "complete withdrawal", err)
	}
	o.observeTransition(row.Type, storage.StatusTransferPending, storage.StatusCompleted)
	if o.metrics != nil {
		o.metrics.ObservePayout(provider, "success")
	}
	return nil
}

// HandleWithdrawalFailure routes a failed bank transfer into the refund
// path; the user's cNGN is already held by the system.
func (o *Orchestrator) HandleWithdrawalFailure(ctx context.Context, provider, reference, reason string) error {
	row, err := o.resolve(ctx, provider, reference)
	if err != nil {
		return err
	}
	if row.Status.IsTerminal() {
		return nil
	}
	patch := map[string]any{storage.MetaRefundReason: reason}
	if err := o.store.UpdateStatusWithMetadata(ctx, row.ID, row.Status, storage.StatusRefundInitiated, patch); err != nil {
		if errors.Is(err, storage.ErrStaleStatus) {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "initiate refund", err)
	}
	o.observeTransition(row.Type, row.Status, storage.StatusRefundInitiated)
	if o.metrics != nil {
		o.metrics.ObservePayout(provider, "failed")
	}
	return nil
}

// submitPayout drafts, persists the hash, submits, and advances the row to
// pending for the monitor to confirm. The hash lands in metadata before the
// envelope leaves the process.
func (o *Orchestrator) submitPayout(ctx context.Context, row storage.Transaction) error {
	envelope, hash, err := o.payouts.Build(ctx, row.WalletAddress, row.CNGNAmount, storage.MemoRef(row.ID))
	if err != nil {
		if msgErr := o.store.SetErrorMessage(ctx, row.ID, err.Error()); msgErr != nil {
			log.Warn().Err(msgErr).Str("transaction_id", row.ID).Msg("orchestrator.error_message_write_failed")
		}
		return apperrors.Wrap(apperrors.ErrCodeBlockchainError, "build payout", err)
	}

	if err := o.store.MergeMetadata(ctx, row.ID, map[string]any{storage.MetaSubmittedHash: hash}); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "persist payout hash", err)
	}

	if err := o.payouts.Submit(ctx, envelope); err != nil {
		if o.metrics != nil {
			o.metrics.ObserveSubmission("failed", 1)
		}
		return apperrors.Wrap(apperrors.ErrCodeBlockchainError, "submit payout", err).WithRetryable(true)
	}
	if o.metrics != nil {
		o.metrics.ObserveSubmission("success", 1)
	}

	if err := o.store.UpdateBlockchainHash(ctx, row.ID, hash); err != nil {
		log.Warn().Err(err).Str("transaction_id", row.ID).Str("hash", hash).
			Msg("orchestrator.hash_column_write_failed")
	}
	if err := o.store.UpdateStatus(ctx, row.ID, storage.StatusProcessing, storage.StatusPending); err != nil {
		if errors.Is(err, storage.ErrStaleStatus) {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "advance to pending", err)
	}
	o.observeTransition(row.Type, storage.StatusProcessing, storage.StatusPending)
	return nil
}

// resolve finds the row for a provider reference, falling back to the
// reference as a transaction id since several rails echo our id back.
func (o *Orchestrator) resolve(ctx context.Context, provider, reference string) (storage.Transaction, error) {
	row, err := o.store.GetTransactionByProviderRef(ctx, provider, reference)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Transaction{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "resolve provider reference", err)
	}
	row, err = o.store.GetTransaction(ctx, reference)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Transaction{}, apperrors.Wrap(apperrors.ErrCodeTransactionNotFound,
				fmt.Sprintf("no transaction for %s reference %s", provider, reference), err)
		}
		return storage.Transaction{}, apperrors.Wrap(apperrors.ErrCodeDatabaseError, "resolve reference", err)
	}
	return row, nil
}

func (o *Orchestrator) observeTransition(txType storage.TransactionType, from, to storage.TransactionStatus) {
	if o.metrics != nil {
		o.metrics.ObserveTransition(string(txType), string(from), string(to))
	}
}

// lockKey serializes concurrent initiations under the same idempotency key.
func (o *Orchestrator) lockKey(key string) func() {
	o.mu.Lock()
	entry, ok := o.locks[key]
	if !ok {
		entry = &keyLock{}
		o.locks[key] = entry
	}
	entry.refs++
	o.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		o.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(o.locks, key)
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) memoized(key string) (PaymentResponse, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	resp, ok := o.memo[key]
	return resp, ok
}

func (o *Orchestrator) memoize(key string, resp PaymentResponse) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.memo[key] = resp
}

func responseFromRow(row storage.Transaction) PaymentResponse {
	return PaymentResponse{
		TransactionID:    row.ID,
		Provider:         row.PaymentProvider,
		Reference:        row.PaymentReference,
		AuthorizationURL: row.MetaString(metaAuthorizationURL),
		AccessCode:       row.MetaString(metaAccessCode),
		Status:           row.Status,
	}
}

// deriveKey digests the canonical request tuple.
func deriveKey(in PaymentInput) string {
	sum := sha256.Sum256([]byte(in.TransactionID + "|" + in.Amount.String() + "|" + in.Currency + "|" + in.Method))
	return hex.EncodeToString(sum[:])
}
