// Package stellar wraps the Horizon client for the pieces of the Stellar
// network this service touches: account lookups, payment streams for the
// inbound scan, and transaction submission for payouts and refunds.
package stellar

import (
	"context"
	"net/http"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/operations"

	"github.com/nairabridge/nairabridge-server/internal/circuitbreaker"
	"github.com/nairabridge/nairabridge-server/internal/config"
	"github.com/nairabridge/nairabridge-server/internal/metrics"
	"github.com/nairabridge/nairabridge-server/internal/rpcutil"
)

// MaxPageLimit is Horizon's hard cap on records per page.
const MaxPageLimit = 200

// Client wraps horizonclient with retry, circuit breaking, and metrics.
// Submission uses a separate HTTP client so its longer timeout does not
// slow down read queries.
type Client struct {
	horizon  *horizonclient.Client
	submit   *horizonclient.Client
	network  string
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
}

// NewClient builds a Horizon client from config. breakers may be nil, in
// which case calls pass through unprotected.
func NewClient(cfg config.StellarConfig, breakers *circuitbreaker.Manager, m *metrics.Metrics) *Client {
	requestTimeout := cfg.RequestTimeout.Duration
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	submitTimeout := cfg.SubmitTimeout.Duration
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}

	return &Client{
		horizon: &horizonclient.Client{
			HorizonURL: cfg.HorizonURL,
			HTTP:       &http.Client{Timeout: requestTimeout},
		},
		submit: &horizonclient.Client{
			HorizonURL: cfg.HorizonURL,
			HTTP:       &http.Client{Timeout: submitTimeout},
		},
		network:  cfg.Network,
		breakers: breakers,
		metrics:  m,
	}
}

// GetAccount fetches account details, including sequence number and balances.
func (c *Client) GetAccount(ctx context.Context, accountID string) (hProtocol.Account, error) {
	return callHorizon(ctx, c, "account_detail", func() (hProtocol.Account, error) {
		return c.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: accountID})
	})
}

// GetTransactionByHash fetches a transaction by its hash.
func (c *Client) GetTransactionByHash(ctx context.Context, hash string) (hProtocol.Transaction, error) {
	return callHorizon(ctx, c, "transaction_detail", func() (hProtocol.Transaction, error) {
		return c.horizon.TransactionDetail(hash)
	})
}

// ListAccountPayments pages payment operations into an account, oldest first
// from the given cursor. Used by the inbound deposit scan. limit is clamped
// to Horizon's page cap.
func (c *Client) ListAccountPayments(ctx context.Context, accountID, cursor string, limit int) (operations.OperationsPage, error) {
	if limit <= 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return callHorizon(ctx, c, "account_payments", func() (operations.OperationsPage, error) {
		return c.horizon.Payments(horizonclient.OperationRequest{
			ForAccount: accountID,
			Cursor:     cursor,
			Limit:      uint(limit),
			Order:      horizonclient.OrderAsc,
			Join:       "transactions",
		})
	})
}

// GetTransactionOperations fetches the operations of a single transaction.
// Used to validate that a memo-matched deposit actually pays the right asset
// to the system wallet.
func (c *Client) GetTransactionOperations(ctx context.Context, hash string) ([]operations.Operation, error) {
	page, err := callHorizon(ctx, c, "transaction_operations", func() (operations.OperationsPage, error) {
		return c.horizon.Operations(horizonclient.OperationRequest{ForTransaction: hash})
	})
	if err != nil {
		return nil, err
	}
	return page.Embedded.Records, nil
}

// SubmitTransactionXDR submits a signed envelope to the network.
func (c *Client) SubmitTransactionXDR(ctx context.Context, envelopeXDR string) (hProtocol.Transaction, error) {
	return callHorizon(ctx, c, "submit_transaction", func() (hProtocol.Transaction, error) {
		return c.submit.SubmitTransactionXDR(envelopeXDR)
	})
}

// callHorizon runs fn through the circuit breaker with retry, recording the
// call in metrics.
func callHorizon[T any](ctx context.Context, c *Client, method string, fn func() (T, error)) (T, error) {
	start := time.Now()
	result, err := rpcutil.WithRetry(ctx, func() (T, error) {
		if c.breakers == nil {
			return fn()
		}
		out, berr := c.breakers.Execute(circuitbreaker.ServiceHorizon, func() (interface{}, error) {
			return fn()
		})
		if berr != nil {
			var zero T
			return zero, berr
		}
		return out.(T), nil
	})
	if c.metrics != nil {
		c.metrics.ObserveHorizonCall(method, c.network, time.Since(start), err)
	}
	return result, err
}
