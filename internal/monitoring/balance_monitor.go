// Package monitoring watches the operational wallets. Refund and payout
// capacity depends on two balances: XLM on both wallets for fees, and cNGN on
// the distribution wallet for onramp payouts. The monitor exports both as
// gauges and alerts a webhook when either drops below its floor.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"text/template"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/config"
	"github.com/nairabridge/nairabridge-server/internal/httputil"
	"github.com/nairabridge/nairabridge-server/internal/logger"
	"github.com/nairabridge/nairabridge-server/internal/metrics"
)

const (
	defaultCheckInterval = 15 * time.Minute
	defaultTimeout       = 5 * time.Second

	// Re-alert suppression window per (wallet, asset).
	alertCooldown = 24 * time.Hour

	assetXLM  = "XLM"
	assetCNGN = "cNGN"

	roleSystem       = "system"
	roleDistribution = "distribution"
)

// Balances answers balance questions about accounts on the network.
// *stellar.TrustlineManager satisfies it.
type Balances interface {
	AssetBalance(ctx context.Context, accountID string) (decimal.Decimal, bool, error)
	NativeBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// BalanceAlert is the webhook payload for a low balance.
type BalanceAlert struct {
	Wallet    string    `json:"wallet"`
	Role      string    `json:"role"` // system or distribution
	Asset     string    `json:"asset"`
	Balance   string    `json:"balance"`
	Threshold string    `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// BalanceMonitor periodically checks wallet balances, exports gauges, and
// alerts when a balance crosses its configured floor.
type BalanceMonitor struct {
	cfg        config.MonitoringConfig
	chain      config.StellarConfig
	balances   Balances
	metrics    *metrics.Metrics
	httpClient *http.Client

	xlmFloor  decimal.Decimal
	cngnFloor decimal.Decimal

	mu      sync.Mutex
	alerted map[string]time.Time // (role/asset) -> last alert time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBalanceMonitor builds the monitor. Threshold strings were validated at
// config load; unparsable values here fall back to the defaults.
func NewBalanceMonitor(cfg config.MonitoringConfig, chain config.StellarConfig, balances Balances, m *metrics.Metrics) *BalanceMonitor {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &BalanceMonitor{
		cfg:        cfg,
		chain:      chain,
		balances:   balances,
		metrics:    m,
		httpClient: httputil.NewClient(timeout),
		xlmFloor:   thresholdOrDefault(cfg.LowXLMThreshold, decimal.NewFromInt(5)),
		cngnFloor:  thresholdOrDefault(cfg.LowCNGNThreshold, decimal.NewFromInt(100000)),
		alerted:    make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

func thresholdOrDefault(s string, fallback decimal.Decimal) decimal.Decimal {
	if s == "" {
		return fallback
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fallback
	}
	return d
}

// Start begins the monitoring loop. Gauges are exported even without an alert
// URL; only the webhook leg is skipped.
func (m *BalanceMonitor) Start(ctx context.Context) {
	interval := m.cfg.CheckInterval.Duration
	if interval <= 0 {
		interval = defaultCheckInterval
	}

	log.Info().
		Dur("check_interval", interval).
		Str("xlm_floor", m.xlmFloor.String()).
		Str("cngn_floor", m.cngnFloor.String()).
		Bool("alerts_enabled", m.cfg.LowBalanceAlertURL != "").
		Msg("balance_monitor.started")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.CheckBalances(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.CheckBalances(ctx)
			}
		}
	}()
}

// Stop gracefully stops the monitoring loop.
func (m *BalanceMonitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	log.Info().Msg("balance_monitor.stopped")
}

// CheckBalances runs one round: XLM on both wallets, cNGN on distribution.
func (m *BalanceMonitor) CheckBalances(ctx context.Context) {
	m.checkNative(ctx, roleSystem, m.chain.SystemWallet)
	m.checkNative(ctx, roleDistribution, m.chain.DistributionWallet)
	m.checkStablecoin(ctx, roleDistribution, m.chain.DistributionWallet)
}

func (m *BalanceMonitor) checkNative(ctx context.Context, role, wallet string) {
	if wallet == "" {
		return
	}
	balance, err := m.balances.NativeBalance(ctx, wallet)
	if err != nil {
		log.Error().Err(err).Str("role", role).
			Str("wallet", logger.TruncateAddress(wallet)).
			Msg("balance_monitor.fetch_error")
		return
	}
	m.record(role, assetXLM, balance)
	m.evaluate(ctx, role, wallet, assetXLM, balance, m.xlmFloor)
}

func (m *BalanceMonitor) checkStablecoin(ctx context.Context, role, wallet string) {
	if wallet == "" {
		return
	}
	balance, hasTrustline, err := m.balances.AssetBalance(ctx, wallet)
	if err != nil {
		log.Error().Err(err).Str("role", role).
			Str("wallet", logger.TruncateAddress(wallet)).
			Msg("balance_monitor.fetch_error")
		return
	}
	if !hasTrustline {
		log.Warn().Str("role", role).
			Str("wallet", logger.TruncateAddress(wallet)).
			Msg("balance_monitor.missing_trustline")
	}
	m.record(role, assetCNGN, balance)
	m.evaluate(ctx, role, wallet, assetCNGN, balance, m.cngnFloor)
}

func (m *BalanceMonitor) record(role, asset string, balance decimal.Decimal) {
	log.Debug().Str("role", role).Str("asset", asset).
		Str("balance", balance.String()).
		Msg("balance_monitor.balance_checked")
	if m.metrics != nil {
		f, _ := balance.Float64()
		m.metrics.SetWalletBalance(role, asset, f)
	}
}

func (m *BalanceMonitor) evaluate(ctx context.Context, role, wallet, asset string, balance, floor decimal.Decimal) {
	key := role + "/" + asset
	if balance.GreaterThanOrEqual(floor) {
		m.clearAlert(key)
		return
	}
	if m.cfg.LowBalanceAlertURL == "" {
		return
	}
	if m.shouldAlert(key) {
		m.sendAlert(ctx, key, BalanceAlert{
			Wallet:    wallet,
			Role:      role,
			Asset:     asset,
			Balance:   balance.String(),
			Threshold: floor.String(),
			Timestamp: time.Now().UTC(),
		})
	}
}

// shouldAlert limits each (wallet, asset) to one alert per cooldown window.
func (m *BalanceMonitor) shouldAlert(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	lastAlert, exists := m.alerted[key]
	if !exists {
		return true
	}
	return time.Since(lastAlert) > alertCooldown
}

// clearAlert resets the cooldown once the balance recovers, so the next dip
// alerts immediately.
func (m *BalanceMonitor) clearAlert(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alerted, key)
}

func (m *BalanceMonitor) sendAlert(ctx context.Context, key string, alert BalanceAlert) {
	var body []byte
	var err error

	if m.cfg.BodyTemplate != "" {
		body, err = m.renderTemplate(alert)
		if err != nil {
			log.Error().Err(err).Str("role", alert.Role).Str("asset", alert.Asset).
				Msg("balance_monitor.template_error")
			return
		}
	} else {
		// Default shape works as a Discord/Slack webhook body.
		body, err = json.Marshal(map[string]any{
			"content": fmt.Sprintf(
				"Low balance alert\n\nWallet: %s (%s)\nAsset: %s\nBalance: %s\nThreshold: %s\n\nTop up to keep payouts and refunds flowing.",
				logger.TruncateAddress(alert.Wallet), alert.Role, alert.Asset, alert.Balance, alert.Threshold,
			),
		})
		if err != nil {
			log.Error().Err(err).Str("role", alert.Role).Str("asset", alert.Asset).
				Msg("balance_monitor.marshal_error")
			return
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.LowBalanceAlertURL, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Str("role", alert.Role).Str("asset", alert.Asset).
			Msg("balance_monitor.request_error")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range m.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("role", alert.Role).Str("asset", alert.Asset).
			Msg("balance_monitor.send_error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Info().Str("role", alert.Role).Str("asset", alert.Asset).
			Str("balance", alert.Balance).Int("status_code", resp.StatusCode).
			Msg("balance_monitor.alert_sent")
		m.mu.Lock()
		m.alerted[key] = time.Now()
		m.mu.Unlock()
	} else {
		log.Warn().Str("role", alert.Role).Str("asset", alert.Asset).
			Int("status_code", resp.StatusCode).
			Msg("balance_monitor.alert_failed")
	}
}

func (m *BalanceMonitor) renderTemplate(alert BalanceAlert) ([]byte, error) {
	tmpl, err := template.New("alert").Parse(m.cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, alert); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}
	return buf.Bytes(), nil
}
