package monitor

import (
	"context"

	"github.com/stellar/go/protocols/horizon/operations"

	"github.com/rs/zerolog/log"

	"github.com/nairabridge/nairabridge-server/internal/storage"
)

// ScanInbound pages payment operations into the system wallet from the
// persisted cursor and matches them against open transactions by memo. The
// cursor advances to the newest record observed whether or not it matched, so
// a deposit is considered exactly once.
func (m *Monitor) ScanInbound(ctx context.Context) {
	cursor, err := m.store.GetCursor(ctx, inboundCursorName)
	if err != nil && err != storage.ErrNotFound {
		log.Error().Err(err).Msg("monitor.cursor_read_failed")
		return
	}

	page, err := m.horizon.ListAccountPayments(ctx, m.chain.SystemWallet, cursor, m.cfg.InboundPageLimit)
	if err != nil {
		log.Error().Err(err).Str("cursor", cursor).Msg("monitor.inbound_page_failed")
		return
	}

	newest := cursor
	for _, record := range page.Embedded.Records {
		newest = record.PagingToken()

		payment, ok := record.(operations.Payment)
		if !ok || !payment.IsTransactionSuccessful() {
			continue
		}
		// Only credits of the bridge asset into the system wallet matter;
		// the payments endpoint also returns debits and foreign assets.
		if payment.To != m.chain.SystemWallet {
			continue
		}
		if payment.Asset.Code != m.chain.AssetCode || payment.Asset.Issuer != m.chain.AssetIssuer {
			continue
		}
		m.handleInbound(ctx, payment)
	}

	if newest != cursor {
		if err := m.store.SetCursor(ctx, inboundCursorName, newest); err != nil {
			log.Error().Err(err).Str("cursor", newest).Msg("monitor.cursor_write_failed")
		}
	}
}

func (m *Monitor) handleInbound(ctx context.Context, payment operations.Payment) {
	hash := payment.GetTransactionHash()
	memo, ledger := m.depositMemo(ctx, payment)
	if memo == "" {
		m.recordUnmatched(ctx, payment, memo)
		return
	}

	tx, err := m.store.GetTransactionByMemoRef(ctx, memo)
	if err != nil {
		if err == storage.ErrNotFound {
			m.recordUnmatched(ctx, payment, memo)
			return
		}
		log.Error().Err(err).Str("memo", memo).Str("hash", hash).Msg("monitor.memo_lookup_failed")
		return
	}

	// Only offramp and bill rows wait on a cNGN deposit. A memo that lands
	// on anything else is treated as unmatched for the operator to resolve.
	if tx.Type == storage.TypeOnramp {
		m.recordUnmatched(ctx, payment, memo)
		return
	}
	if tx.Status != storage.StatusPendingPayment {
		// Already matched by an earlier cycle, or the row moved on.
		log.Debug().Str("transaction_id", tx.ID).Str("status", string(tx.Status)).
			Str("hash", hash).Msg("monitor.deposit_replay")
		return
	}

	if err := m.store.UpdateBlockchainHash(ctx, tx.ID, hash); err != nil {
		log.Warn().Err(err).Str("transaction_id", tx.ID).Str("hash", hash).
			Msg("monitor.hash_column_write_failed")
	}
	err = m.store.UpdateStatusWithMetadata(ctx, tx.ID, tx.Status, storage.StatusCNGNReceived, map[string]any{
		storage.MetaReceivedAmount: payment.Amount,
		storage.MetaReceivedHash:   hash,
		storage.MetaReceivedLedger: ledger,
	})
	if err != nil {
		if err == storage.ErrStaleStatus {
			return
		}
		log.Error().Err(err).Str("transaction_id", tx.ID).Msg("monitor.deposit_write_failed")
		return
	}
	m.observeTransition(tx, storage.StatusCNGNReceived)
	log.Info().Str("transaction_id", tx.ID).Str("hash", hash).
		Str("amount", payment.Amount).Str("memo", memo).Msg("monitor.deposit_matched")
}

// depositMemo returns the memo and ledger for a payment, preferring the
// transaction joined into the page and falling back to a Horizon fetch.
func (m *Monitor) depositMemo(ctx context.Context, payment operations.Payment) (string, int32) {
	if payment.Transaction != nil {
		return payment.Transaction.Memo, payment.Transaction.Ledger
	}
	ledgerTx, err := m.horizon.GetTransactionByHash(ctx, payment.GetTransactionHash())
	if err != nil {
		// The cursor has already moved past this record; log loudly so the
		// deposit can be reconciled by hand.
		log.Error().Err(err).Str("hash", payment.GetTransactionHash()).
			Msg("monitor.memo_fetch_failed")
		return "", 0
	}
	return ledgerTx.Memo, ledgerTx.Ledger
}

// recordUnmatched logs a deposit that reached the system wallet but matched
// no open transaction. The row is the operator's reconciliation queue; funds
// are never moved automatically.
func (m *Monitor) recordUnmatched(ctx context.Context, payment operations.Payment, memo string) {
	log.Warn().Str("hash", payment.GetTransactionHash()).Str("from", payment.From).
		Str("amount", payment.Amount).Str("memo", memo).Msg("monitor.unmatched_deposit")
	m.recordLedgerEvent(ctx, EventIncomingUnmatched, payment.GetID(), map[string]any{
		"operation_id": payment.GetID(),
		"hash":         payment.GetTransactionHash(),
		"from":         payment.From,
		"amount":       payment.Amount,
		"asset_code":   payment.Asset.Code,
		"memo":         memo,
	})
}
