package stellar

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"

	"github.com/nairabridge/nairabridge-server/internal/config"
	"github.com/nairabridge/nairabridge-server/internal/money"
)

// MaxMemoBytes is the Stellar text memo limit.
const MaxMemoBytes = 28

// txTimeoutSeconds bounds how long a signed envelope stays submittable.
const txTimeoutSeconds = 300

// PaymentBuilder builds and signs cNGN payments from the distribution wallet.
// Envelopes are hashed before submission so a crash between submit and
// response still leaves a hash to reconcile against.
type PaymentBuilder struct {
	client     *Client
	signer     *keypair.Full
	passphrase string
	asset      txnbuild.CreditAsset
	baseFee    int64
}

// PaymentParams describes one payment to build.
type PaymentParams struct {
	Destination string
	Amount      decimal.Decimal
	Memo        string // Text memo, at most 28 bytes; empty omits the memo
}

// SignedPayment is a signed envelope ready for submission.
type SignedPayment struct {
	EnvelopeXDR string
	Hash        string
}

// NewPaymentBuilder parses the distribution seed and pins the asset from
// config.
func NewPaymentBuilder(cfg config.StellarConfig, client *Client) (*PaymentBuilder, error) {
	signer, err := keypair.ParseFull(cfg.DistributionSeed)
	if err != nil {
		return nil, fmt.Errorf("parse distribution seed: %w", err)
	}
	if !strkey.IsValidEd25519PublicKey(cfg.AssetIssuer) {
		return nil, fmt.Errorf("invalid asset issuer %q", cfg.AssetIssuer)
	}
	baseFee := cfg.BaseFeeStroops
	if baseFee <= 0 {
		baseFee = txnbuild.MinBaseFee
	}
	return &PaymentBuilder{
		client:     client,
		signer:     signer,
		passphrase: cfg.NetworkPassphrase,
		asset:      txnbuild.CreditAsset{Code: cfg.AssetCode, Issuer: cfg.AssetIssuer},
		baseFee:    baseFee,
	}, nil
}

// SourceAccount returns the distribution wallet address.
func (b *PaymentBuilder) SourceAccount() string {
	return b.signer.Address()
}

// BuildPayment validates params, fetches the current sequence number, and
// returns a signed envelope plus its hash.
func (b *PaymentBuilder) BuildPayment(ctx context.Context, p PaymentParams) (SignedPayment, error) {
	if !strkey.IsValidEd25519PublicKey(p.Destination) {
		return SignedPayment{}, fmt.Errorf("invalid destination account %q", p.Destination)
	}
	if err := money.ValidateStellarAmount(p.Amount); err != nil {
		return SignedPayment{}, fmt.Errorf("invalid payment amount: %w", err)
	}
	amount, err := money.StellarAmountString(p.Amount)
	if err != nil {
		return SignedPayment{}, err
	}
	if len(p.Memo) > MaxMemoBytes {
		return SignedPayment{}, fmt.Errorf("memo %q exceeds %d bytes", p.Memo, MaxMemoBytes)
	}

	account, err := b.client.GetAccount(ctx, b.signer.Address())
	if err != nil {
		return SignedPayment{}, WrapError(err, "loading distribution account")
	}

	params := txnbuild.TransactionParams{
		SourceAccount: &txnbuild.SimpleAccount{
			AccountID: b.signer.Address(),
			Sequence:  account.Sequence,
		},
		IncrementSequenceNum: true,
		Operations: []txnbuild.Operation{
			&txnbuild.Payment{
				Destination: p.Destination,
				Amount:      amount,
				Asset:       b.asset,
			},
		},
		BaseFee: b.baseFee,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(txTimeoutSeconds),
		},
	}
	if p.Memo != "" {
		params.Memo = txnbuild.MemoText(p.Memo)
	}

	tx, err := txnbuild.NewTransaction(params)
	if err != nil {
		return SignedPayment{}, fmt.Errorf("build payment transaction: %w", err)
	}
	tx, err = tx.Sign(b.passphrase, b.signer)
	if err != nil {
		return SignedPayment{}, fmt.Errorf("sign payment transaction: %w", err)
	}

	hash, err := tx.HashHex(b.passphrase)
	if err != nil {
		return SignedPayment{}, fmt.Errorf("hash payment transaction: %w", err)
	}
	envelope, err := tx.Base64()
	if err != nil {
		return SignedPayment{}, fmt.Errorf("encode payment envelope: %w", err)
	}

	return SignedPayment{EnvelopeXDR: envelope, Hash: hash}, nil
}
