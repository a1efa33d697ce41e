package orchestrator

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/stellar"
)

// StellarPayouts adapts the payment builder and Horizon client to the
// Payouts contract.
type StellarPayouts struct {
	builder *stellar.PaymentBuilder
	client  *stellar.Client
}

func NewStellarPayouts(builder *stellar.PaymentBuilder, client *stellar.Client) *StellarPayouts {
	return &StellarPayouts{builder: builder, client: client}
}

func (p *StellarPayouts) Build(ctx context.Context, destination string, amount decimal.Decimal, memo string) (string, string, error) {
	signed, err := p.builder.BuildPayment(ctx, stellar.PaymentParams{
		Destination: destination,
		Amount:      amount,
		Memo:        memo,
	})
	if err != nil {
		return "", "", err
	}
	return signed.EnvelopeXDR, signed.Hash, nil
}

func (p *StellarPayouts) Submit(ctx context.Context, envelopeXDR string) error {
	_, err := p.client.SubmitTransactionXDR(ctx, envelopeXDR)
	return err
}
