// Package offramp drives cNGN-in to bank-out transactions through their
// four stages: receipt verification, withdrawal initiation, transfer
// monitoring, and the refund path. Bill payments ride the same machine with
// the bill upstream as the withdrawal provider. Every stage advance is a
// status-guarded write, so concurrent cycles and restarts are safe.
package offramp

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/config"
	apperrors "github.com/nairabridge/nairabridge-server/internal/errors"
	"github.com/nairabridge/nairabridge-server/internal/metrics"
	"github.com/nairabridge/nairabridge-server/internal/providers"
	"github.com/nairabridge/nairabridge-server/internal/stellar"
	"github.com/nairabridge/nairabridge-server/internal/storage"
)

const (
	defaultPollInterval  = 10 * time.Second
	defaultPendingTTL    = 30 * time.Minute
	defaultSweepInterval = 5 * time.Minute
	defaultRetryTimeout  = 30 * time.Minute
	defaultBatchSize     = 50
)

// Refund failure reasons written to refund_reason.
const (
	reasonAmountMismatch     = "amount_mismatch"
	reasonMissingBankDetails = "missing_bank_details"
	reasonWithdrawalDeclined = "withdrawal_declined"
	reasonTransferFailed     = "transfer_failed"
	reasonTransferTimeout    = "transfer_timeout"
)

// ProviderChain supplies withdrawal providers in failover order and resolves
// the one recorded on a row. Satisfied by providers.Registry.
type ProviderChain interface {
	Get(name string) (providers.PaymentProvider, error)
	WithdrawalOrder() []providers.PaymentProvider
}

// Refunder builds and submits the cNGN refund payment. Satisfied by
// orchestrator.StellarPayouts.
type Refunder interface {
	Build(ctx context.Context, destination string, amount decimal.Decimal, memo string) (envelopeXDR, hash string, err error)
	Submit(ctx context.Context, envelopeXDR string) error
}

// Worker advances offramp and bill_payment rows through the state machine.
type Worker struct {
	cfg      config.OfframpConfig
	store    storage.Store
	chain    ProviderChain
	refunds  Refunder
	metrics  *metrics.Metrics
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewWorker builds the worker, filling zero config values with defaults.
func NewWorker(cfg config.OfframpConfig, store storage.Store, chain ProviderChain, refunds Refunder, m *metrics.Metrics) *Worker {
	if cfg.PollInterval.Duration <= 0 {
		cfg.PollInterval.Duration = defaultPollInterval
	}
	if cfg.PendingTTL.Duration <= 0 {
		cfg.PendingTTL.Duration = defaultPendingTTL
	}
	if cfg.SweepInterval.Duration <= 0 {
		cfg.SweepInterval.Duration = defaultSweepInterval
	}
	if cfg.RetryTimeout.Duration <= 0 {
		cfg.RetryTimeout.Duration = defaultRetryTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Worker{
		cfg:      cfg,
		store:    store,
		chain:    chain,
		refunds:  refunds,
		metrics:  m,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start runs the stage loop and the expiry sweep until Stop or context
// cancellation.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.doneChan)
		poll := time.NewTicker(w.cfg.PollInterval.Duration)
		defer poll.Stop()
		sweep := time.NewTicker(w.cfg.SweepInterval.Duration)
		defer sweep.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopChan:
				return
			case <-poll.C:
				w.RunCycle(ctx)
			case <-sweep.C:
				w.SweepExpired(ctx)
			}
		}
	}()
}

// Stop signals the loop and waits for the current cycle to finish.
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.doneChan
}

// RunCycle advances every actionable row one stage. Stages run newest-stage
// first so a row advanced this cycle is not immediately advanced again.
func (w *Worker) RunCycle(ctx context.Context) {
	w.forEach(ctx, storage.StatusRefundInitiated, w.refund)
	w.forEach(ctx, storage.StatusTransferPending, w.pollTransfer)
	w.forEach(ctx, storage.StatusProcessingWithdrawal, w.initiateWithdrawal)
	w.forEach(ctx, storage.StatusVerifyingAmount, w.resumeVerification)
	w.forEach(ctx, storage.StatusCNGNReceived, w.verifyReceipt)
}

func (w *Worker) forEach(ctx context.Context, status storage.TransactionStatus, stage func(context.Context, storage.Transaction)) {
	rows, err := w.store.FindOfframpsByStatus(ctx, status, w.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("offramp.stage_list_failed")
		return
	}
	for _, row := range rows {
		stage(ctx, row)
	}
}

// verifyReceipt is stage one: claim the row, then compare the on-ledger
// amount recorded by the monitor against what the quote promised.
func (w *Worker) verifyReceipt(ctx context.Context, tx storage.Transaction) {
	defer w.observeStage("verify", time.Now())

	if err := w.store.UpdateStatus(ctx, tx.ID, storage.StatusCNGNReceived, storage.StatusVerifyingAmount); err != nil {
		if err != storage.ErrStaleStatus {
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("offramp.claim_failed")
		}
		return
	}
	w.observeTransition(tx.Type, storage.StatusCNGNReceived, storage.StatusVerifyingAmount)
	tx.Status = storage.StatusVerifyingAmount
	w.checkReceivedAmount(ctx, tx)
}

// resumeVerification re-runs the amount check for rows a crash left in
// verifying_amount.
func (w *Worker) resumeVerification(ctx context.Context, tx storage.Transaction) {
	defer w.observeStage("verify", time.Now())
	w.checkReceivedAmount(ctx, tx)
}

func (w *Worker) checkReceivedAmount(ctx context.Context, tx storage.Transaction) {
	received, err := decimal.NewFromString(tx.MetaString(storage.MetaReceivedAmount))
	if err != nil || !received.Equal(tx.CNGNAmount) {
		log.Warn().Str("transaction_id", tx.ID).
			Str("expected", tx.CNGNAmount.String()).
			Str("received", tx.MetaString(storage.MetaReceivedAmount)).
			Msg("offramp.amount_mismatch")
		w.toRefund(ctx, tx, reasonAmountMismatch)
		return
	}
	if err := w.store.UpdateStatus(ctx, tx.ID, tx.Status, storage.StatusProcessingWithdrawal); err != nil {
		if err != storage.ErrStaleStatus {
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("offramp.verify_advance_failed")
		}
		return
	}
	w.observeTransition(tx.Type, tx.Status, storage.StatusProcessingWithdrawal)
}

// initiateWithdrawal is stage two: pay out NGN through the first provider
// that accepts the transfer. Retryable provider errors leave the row for the
// next cycle; a full sweep of hard declines sends it to the refund path.
func (w *Worker) initiateWithdrawal(ctx context.Context, tx storage.Transaction) {
	defer w.observeStage("withdraw", time.Now())

	req, err := withdrawalRequest(tx)
	if err != nil {
		log.Error().Err(err).Str("transaction_id", tx.ID).Msg("offramp.unpayable_row")
		w.toRefund(ctx, tx, reasonMissingBankDetails)
		return
	}
	order := w.chain.WithdrawalOrder()
	if len(order) == 0 {
		log.Error().Str("transaction_id", tx.ID).Msg("offramp.no_withdrawal_providers")
		return
	}

	sawRetryable := false
	for _, provider := range order {
		result, err := provider.ProcessWithdrawal(ctx, req)
		if err != nil {
			w.observePayout(provider.Name(), "error")
			if apperrors.IsRetryable(err) {
				sawRetryable = true
			}
			log.Warn().Err(err).Str("transaction_id", tx.ID).
				Str("provider", provider.Name()).Msg("offramp.withdrawal_attempt_failed")
			continue
		}
		w.recordWithdrawal(ctx, tx, provider.Name(), result)
		return
	}

	if sawRetryable {
		// At least one rail might still take it; the row stays in
		// processing_withdrawal and the next cycle tries again.
		if time.Since(tx.CreatedAt) > w.cfg.RetryTimeout.Duration {
			w.toRefund(ctx, tx, reasonWithdrawalDeclined)
		}
		return
	}
	w.toRefund(ctx, tx, reasonWithdrawalDeclined)
}

func (w *Worker) recordWithdrawal(ctx context.Context, tx storage.Transaction, providerName string, result providers.WithdrawalResult) {
	if err := w.store.SetProviderSession(ctx, tx.ID, providerName, result.Reference); err != nil {
		log.Error().Err(err).Str("transaction_id", tx.ID).
			Str("reference", result.Reference).Msg("offramp.session_write_failed")
		return
	}
	err := w.store.UpdateStatusWithMetadata(ctx, tx.ID, storage.StatusProcessingWithdrawal, storage.StatusTransferPending, map[string]any{
		storage.MetaProviderReference: result.Reference,
		storage.MetaProviderResponse:  string(result.Status),
	})
	if err != nil {
		if err != storage.ErrStaleStatus {
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("offramp.withdraw_advance_failed")
		}
		return
	}
	w.observeTransition(tx.Type, storage.StatusProcessingWithdrawal, storage.StatusTransferPending)
	w.observePayout(providerName, "initiated")
	log.Info().Str("transaction_id", tx.ID).Str("provider", providerName).
		Str("reference", result.Reference).Msg("offramp.withdrawal_initiated")
}

// withdrawalRequest assembles the provider request from row metadata. Bank
// rails need account coordinates; bill rows need the upstream service and
// customer reference instead.
func withdrawalRequest(tx storage.Transaction) (providers.WithdrawalRequest, error) {
	req := providers.WithdrawalRequest{
		TransactionID: tx.ID,
		Amount:        tx.ToAmount,
		Currency:      tx.ToCurrency,
		Narration:     "NairaBridge payout " + storage.MemoRef(tx.ID),
	}
	if tx.Type == storage.TypeBillPayment {
		req.ServiceID = tx.MetaString(storage.MetaBillerService)
		req.CustomerRef = tx.MetaString(storage.MetaCustomerRef)
		if req.ServiceID == "" || req.CustomerRef == "" {
			return req, fmt.Errorf("bill row %s missing service or customer reference", tx.ID)
		}
		return req, nil
	}
	req.BankCode = tx.MetaString(storage.MetaBankCode)
	req.AccountNumber = tx.MetaString(storage.MetaAccountNumber)
	req.AccountName = tx.MetaString(storage.MetaAccountName)
	if req.BankCode == "" || req.AccountNumber == "" {
		return req, fmt.Errorf("offramp row %s missing bank details", tx.ID)
	}
	return req, nil
}

// pollTransfer is stage three: watch the in-flight payout until the provider
// reports a terminal status or the deadline passes.
func (w *Worker) pollTransfer(ctx context.Context, tx storage.Transaction) {
	defer w.observeStage("transfer", time.Now())

	if time.Since(tx.CreatedAt) > w.cfg.RetryTimeout.Duration {
		w.observePayout(tx.PaymentProvider, "timeout")
		w.toRefund(ctx, tx, reasonTransferTimeout)
		return
	}

	provider, err := w.chain.Get(tx.PaymentProvider)
	if err != nil {
		log.Error().Err(err).Str("transaction_id", tx.ID).
			Str("provider", tx.PaymentProvider).Msg("offramp.provider_gone")
		return
	}
	result, err := provider.GetPaymentStatus(ctx, tx.PaymentReference)
	if err != nil {
		// Bank-side errors ride the poll loop until the deadline.
		log.Warn().Err(err).Str("transaction_id", tx.ID).
			Str("provider", tx.PaymentProvider).Msg("offramp.status_poll_failed")
		return
	}

	switch {
	case result.Status == providers.StatusSuccess:
		if err := w.store.UpdateStatus(ctx, tx.ID, storage.StatusTransferPending, storage.StatusCompleted); err != nil {
			if err != storage.ErrStaleStatus {
				log.Error().Err(err).Str("transaction_id", tx.ID).Msg("offramp.complete_failed")
			}
			return
		}
		w.observeTransition(tx.Type, storage.StatusTransferPending, storage.StatusCompleted)
		w.observePayout(tx.PaymentProvider, "success")
		log.Info().Str("transaction_id", tx.ID).Str("provider", tx.PaymentProvider).
			Msg("offramp.transfer_completed")
	case result.Status.IsTerminal():
		w.observePayout(tx.PaymentProvider, "failed")
		w.toRefund(ctx, tx, fmt.Sprintf("%s: %s", reasonTransferFailed, result.Status))
	default:
		// Still in flight.
	}
}

// refund is stage four: return the user's cNGN. Build and sign failures are
// fatal; submission failures retry until the deadline.
func (w *Worker) refund(ctx context.Context, tx storage.Transaction) {
	defer w.observeStage("refund", time.Now())

	if w.refunds == nil {
		log.Error().Str("transaction_id", tx.ID).Msg("offramp.no_refunder")
		return
	}
	if err := w.store.UpdateStatus(ctx, tx.ID, storage.StatusRefundInitiated, storage.StatusRefunding); err != nil {
		if err != storage.ErrStaleStatus {
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("offramp.refund_claim_failed")
		}
		return
	}
	w.observeTransition(tx.Type, storage.StatusRefundInitiated, storage.StatusRefunding)

	envelope, hash, err := w.refunds.Build(ctx, tx.WalletAddress, tx.CNGNAmount, storage.RefundMemo(tx.ID))
	if err != nil {
		w.failRefund(ctx, tx, fmt.Sprintf("build refund payment: %v", err))
		return
	}
	// Persist the hash before the envelope leaves the process; a crash here
	// still leaves something to reconcile against.
	if err := w.store.MergeMetadata(ctx, tx.ID, map[string]any{storage.MetaRefundTxHash: hash}); err != nil {
		log.Error().Err(err).Str("transaction_id", tx.ID).Msg("offramp.refund_hash_write_failed")
	}

	if err := w.refunds.Submit(ctx, envelope); err != nil {
		if stellar.IsRetryableSubmission(err) && time.Since(tx.CreatedAt) <= w.cfg.RetryTimeout.Duration {
			// Back to refund_initiated; the next cycle rebuilds with a
			// fresh sequence number.
			if rbErr := w.store.UpdateStatus(ctx, tx.ID, storage.StatusRefunding, storage.StatusRefundInitiated); rbErr != nil && rbErr != storage.ErrStaleStatus {
				log.Error().Err(rbErr).Str("transaction_id", tx.ID).Msg("offramp.refund_requeue_failed")
			}
			log.Warn().Err(err).Str("transaction_id", tx.ID).Str("hash", hash).
				Msg("offramp.refund_submit_retry")
			return
		}
		w.failRefund(ctx, tx, fmt.Sprintf("submit refund payment: %v", err))
		return
	}

	err = w.store.UpdateStatusWithMetadata(ctx, tx.ID, storage.StatusRefunding, storage.StatusRefunded, map[string]any{
		storage.MetaRefundTxHash: hash,
	})
	if err != nil {
		if err != storage.ErrStaleStatus {
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("offramp.refund_finalize_failed")
		}
		return
	}
	w.observeTransition(tx.Type, storage.StatusRefunding, storage.StatusRefunded)
	log.Info().Str("transaction_id", tx.ID).Str("hash", hash).
		Str("amount", tx.CNGNAmount.String()).Msg("offramp.refunded")
}

func (w *Worker) failRefund(ctx context.Context, tx storage.Transaction, reason string) {
	if err := w.store.UpdateStatus(ctx, tx.ID, storage.StatusRefunding, storage.StatusFailed); err != nil {
		if err != storage.ErrStaleStatus {
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("offramp.refund_fail_write_failed")
		}
		return
	}
	if err := w.store.SetErrorMessage(ctx, tx.ID, reason); err != nil {
		log.Error().Err(err).Str("transaction_id", tx.ID).Msg("offramp.error_message_write_failed")
	}
	w.observeTransition(tx.Type, storage.StatusRefunding, storage.StatusFailed)
	log.Error().Str("transaction_id", tx.ID).Str("reason", reason).
		Msg("offramp.refund_failed")
}

// toRefund routes a row into the refund path with the reason recorded.
// Permitted from every non-terminal state.
func (w *Worker) toRefund(ctx context.Context, tx storage.Transaction, reason string) {
	err := w.store.UpdateStatusWithMetadata(ctx, tx.ID, tx.Status, storage.StatusRefundInitiated, map[string]any{
		storage.MetaRefundReason: reason,
	})
	if err != nil {
		if err != storage.ErrStaleStatus {
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("offramp.refund_route_failed")
		}
		return
	}
	w.observeTransition(tx.Type, tx.Status, storage.StatusRefundInitiated)
	log.Warn().Str("transaction_id", tx.ID).Str("reason", reason).
		Str("from", string(tx.Status)).Msg("offramp.refund_initiated")
}

// SweepExpired expires pending_payment rows whose deposit never arrived
// inside the TTL.
func (w *Worker) SweepExpired(ctx context.Context) {
	cutoff := time.Now().Add(-w.cfg.PendingTTL.Duration)
	rows, err := w.store.FindExpiredPending(ctx, cutoff, w.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("offramp.expiry_list_failed")
		return
	}
	expired := 0
	for _, row := range rows {
		if err := w.store.UpdateStatus(ctx, row.ID, storage.StatusPendingPayment, storage.StatusExpired); err != nil {
			if err != storage.ErrStaleStatus {
				log.Error().Err(err).Str("transaction_id", row.ID).Msg("offramp.expire_failed")
			}
			continue
		}
		w.observeTransition(row.Type, storage.StatusPendingPayment, storage.StatusExpired)
		expired++
	}
	if expired > 0 {
		if w.metrics != nil {
			w.metrics.ObserveExpiredTransactions(expired)
		}
		log.Info().Int("count", expired).Msg("offramp.expired_pending")
	}
}

func (w *Worker) observeStage(stage string, start time.Time) {
	if w.metrics != nil {
		w.metrics.ObserveStage(stage, time.Since(start))
	}
}

func (w *Worker) observeTransition(txType storage.TransactionType, from, to storage.TransactionStatus) {
	if w.metrics != nil {
		w.metrics.ObserveTransition(string(txType), string(from), string(to))
	}
}

func (w *Worker) observePayout(provider, status string) {
	if w.metrics != nil {
		w.metrics.ObservePayout(provider, status)
	}
}
