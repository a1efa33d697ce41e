package fees

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"

	"github.com/nairabridge/nairabridge-server/internal/config"
)

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	db        *sql.DB
	ownsDB    bool
	tableName string
}

// NewPostgresRepository opens a new connection pool.
func NewPostgresRepository(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, poolConfig)
	return &PostgresRepository{db: db, ownsDB: true, tableName: "fee_tiers"}, nil
}

// NewPostgresRepositoryWithDB reuses an existing connection pool.
func NewPostgresRepositoryWithDB(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, ownsDB: false, tableName: "fee_tiers"}
}

// WithTableName sets a custom table name (schema_mapping support).
func (r *PostgresRepository) WithTableName(tableName string) *PostgresRepository {
	if tableName != "" {
		r.tableName = tableName
	}
	return r
}

const tierColumns = `id, transaction_type, provider, method, min_amount, max_amount,
       provider_fee_percent, provider_fee_flat, provider_fee_cap,
       platform_fee_percent, effective_from, effective_until, active,
       created_at, updated_at`

func (r *PostgresRepository) ListTiers(ctx context.Context) ([]FeeTier, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE active = true
		ORDER BY transaction_type, min_amount ASC NULLS FIRST
	`, tierColumns, r.tableName)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list fee tiers: %w", err)
	}
	defer rows.Close()
	return scanTiers(rows)
}

func (r *PostgresRepository) FindCandidates(ctx context.Context, transactionType, provider, method string) ([]FeeTier, error) {
	// NULL tier columns match any provider/method; empty lookup values
	// match any tier.
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE active = true
		  AND transaction_type = $1
		  AND (provider IS NULL OR $2 = '' OR provider = $2)
		  AND (method IS NULL OR $3 = '' OR method = $3)
		ORDER BY min_amount ASC NULLS FIRST
	`, tierColumns, r.tableName)

	rows, err := r.db.QueryContext(ctx, query, transactionType, provider, method)
	if err != nil {
		return nil, fmt.Errorf("find fee tiers: %w", err)
	}
	defer rows.Close()
	return scanTiers(rows)
}

func (r *PostgresRepository) UpsertTier(ctx context.Context, tier FeeTier) error {
	if tier.ID == "" {
		tier.ID = uuid.NewString()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			transaction_type = EXCLUDED.transaction_type,
			provider = EXCLUDED.provider,
			method = EXCLUDED.method,
			min_amount = EXCLUDED.min_amount,
			max_amount = EXCLUDED.max_amount,
			provider_fee_percent = EXCLUDED.provider_fee_percent,
			provider_fee_flat = EXCLUDED.provider_fee_flat,
			provider_fee_cap = EXCLUDED.provider_fee_cap,
			platform_fee_percent = EXCLUDED.platform_fee_percent,
			effective_from = EXCLUDED.effective_from,
			effective_until = EXCLUDED.effective_until,
			active = EXCLUDED.active,
			updated_at = NOW()
	`, r.tableName, tierColumns)

	_, err := r.db.ExecContext(ctx, query,
		tier.ID,
		tier.TransactionType,
		nullString(tier.Provider),
		nullString(tier.Method),
		nullDecimal(tier.MinAmount),
		nullDecimal(tier.MaxAmount),
		tier.ProviderFeePercent.String(),
		tier.ProviderFeeFlat.String(),
		nullDecimal(tier.ProviderFeeCap),
		tier.PlatformFeePercent.String(),
		tier.EffectiveFrom,
		tier.EffectiveUntil,
		tier.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert fee tier: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteTier(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET active = false, updated_at = NOW() WHERE id = $1`, r.tableName)
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete fee tier: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrTierNotFound
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	if r.ownsDB {
		return r.db.Close()
	}
	return nil
}

func scanTiers(rows *sql.Rows) ([]FeeTier, error) {
	var tiers []FeeTier
	for rows.Next() {
		var (
			tier                          FeeTier
			provider, method              sql.NullString
			minAmount, maxAmount, feeCap  sql.NullString
			pct, flat, platformPct        string
			effectiveFrom, effectiveUntil sql.NullTime
		)
		err := rows.Scan(
			&tier.ID,
			&tier.TransactionType,
			&provider,
			&method,
			&minAmount,
			&maxAmount,
			&pct,
			&flat,
			&feeCap,
			&platformPct,
			&effectiveFrom,
			&effectiveUntil,
			&tier.Active,
			&tier.CreatedAt,
			&tier.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan fee tier: %w", err)
		}

		tier.Provider = provider.String
		tier.Method = method.String
		if tier.MinAmount, err = parseNullDecimal(minAmount); err != nil {
			return nil, fmt.Errorf("tier %s min_amount: %w", tier.ID, err)
		}
		if tier.MaxAmount, err = parseNullDecimal(maxAmount); err != nil {
			return nil, fmt.Errorf("tier %s max_amount: %w", tier.ID, err)
		}
		if tier.ProviderFeeCap, err = parseNullDecimal(feeCap); err != nil {
			return nil, fmt.Errorf("tier %s provider_fee_cap: %w", tier.ID, err)
		}
		if tier.ProviderFeePercent, err = decimal.NewFromString(pct); err != nil {
			return nil, fmt.Errorf("tier %s provider_fee_percent: %w", tier.ID, err)
		}
		if tier.ProviderFeeFlat, err = decimal.NewFromString(flat); err != nil {
			return nil, fmt.Errorf("tier %s provider_fee_flat: %w", tier.ID, err)
		}
		if tier.PlatformFeePercent, err = decimal.NewFromString(platformPct); err != nil {
			return nil, fmt.Errorf("tier %s platform_fee_percent: %w", tier.ID, err)
		}
		if effectiveFrom.Valid {
			t := effectiveFrom.Time
			tier.EffectiveFrom = &t
		}
		if effectiveUntil.Valid {
			t := effectiveUntil.Time
			tier.EffectiveUntil = &t
		}
		tiers = append(tiers, tier)
	}
	return tiers, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
