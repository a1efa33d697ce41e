package rates

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PegProvider serves the NGN↔cNGN peg at exactly 1. It anchors the provider
// chain so the peg pair always resolves even with no external source
// configured.
type PegProvider struct{}

func NewPegProvider() PegProvider { return PegProvider{} }

func (PegProvider) Name() string { return "peg" }

func (PegProvider) Healthy(_ context.Context) bool { return true }

func (PegProvider) FetchRate(_ context.Context, from, to string) (decimal.Decimal, error) {
	if !isPegPair(from, to) {
		return decimal.Decimal{}, fmt.Errorf("peg provider serves only NGN/cNGN, not %s/%s", from, to)
	}
	return decimal.NewFromInt(1), nil
}

// Refresher re-resolves configured pairs on an interval so the KV cache and
// history table stay warm between requests.
type Refresher struct {
	engine   *Engine
	interval time.Duration
	pairs    [][2]string
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewRefresher builds the worker. A non-positive interval disables it.
func NewRefresher(engine *Engine, interval time.Duration, pairs [][2]string) *Refresher {
	return &Refresher{
		engine:   engine,
		interval: interval,
		pairs:    pairs,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start runs the refresh loop until Stop or context cancellation.
func (r *Refresher) Start(ctx context.Context) {
	go func() {
		defer close(r.doneChan)
		if r.interval <= 0 || len(r.pairs) == 0 {
			return
		}
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.refresh(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.refresh(ctx)
			}
		}
	}()
}

// Stop signals the loop and waits for it to exit.
func (r *Refresher) Stop() {
	close(r.stopChan)
	<-r.doneChan
}

func (r *Refresher) refresh(ctx context.Context) {
	for _, pair := range r.pairs {
		if _, err := r.engine.GetRate(ctx, pair[0], pair[1]); err != nil {
			log.Warn().Err(err).Str("from", pair[0]).Str("to", pair[1]).
				Msg("rates.refresh_failed")
		}
	}
}
