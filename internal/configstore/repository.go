// Package configstore resolves strategy configuration hierarchically.
//
// Commission rates resolve (tenant, asset) -> (tenant) -> GLOBAL; trigger,
// guardrail and order-policy blocks resolve (tenant, portfolio, position)
// -> (tenant, portfolio) -> (tenant) -> GLOBAL. The first hit wins and the
// compiled-in defaults back the GLOBAL level when no row exists at all.
package configstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iharari2/volbalance/internal/domain"
)

// Wildcard marks a hierarchy level that matches any identifier.
const Wildcard = "GLOBAL"

// Repository reads and writes configuration rows in config.db.
type Repository struct {
	configDB *sql.DB
	log      zerolog.Logger
}

// NewRepository creates a new config repository.
func NewRepository(configDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		configDB: configDB,
		log:      log.With().Str("repo", "configstore").Logger(),
	}
}

// SetCommissionRate upserts a commission rate at (tenant, asset). Use
// Wildcard for either level.
func (r *Repository) SetCommissionRate(tenantID, asset string, rate float64) error {
	_, err := r.configDB.Exec(`
		INSERT INTO commission_rates (tenant_id, asset, rate, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, asset) DO UPDATE SET rate = excluded.rate, updated_at = excluded.updated_at`,
		tenantID, asset, rate, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to set commission rate: %w", err)
	}
	return nil
}

// GetCommissionRate walks (tenant, asset) -> (tenant, GLOBAL) ->
// (GLOBAL, GLOBAL). found is false when every level missed.
func (r *Repository) GetCommissionRate(tenantID, asset string) (rate float64, found bool, err error) {
	levels := [][2]string{
		{tenantID, asset},
		{tenantID, Wildcard},
		{Wildcard, Wildcard},
	}
	for _, lv := range levels {
		err := r.configDB.QueryRow(
			`SELECT rate FROM commission_rates WHERE tenant_id = ? AND asset = ?`,
			lv[0], lv[1],
		).Scan(&rate)
		if err == nil {
			return rate, true, nil
		}
		if err != sql.ErrNoRows {
			return 0, false, fmt.Errorf("failed to query commission rate: %w", err)
		}
	}
	return 0, false, nil
}

// scopeLevels returns the resolution chain for a position scope, most
// specific first.
func scopeLevels(scope domain.Scope) [][3]string {
	return [][3]string{
		{scope.TenantID, scope.PortfolioID, scope.PositionID},
		{scope.TenantID, scope.PortfolioID, Wildcard},
		{scope.TenantID, Wildcard, Wildcard},
		{Wildcard, Wildcard, Wildcard},
	}
}

// SetTriggerConfig upserts a trigger config at the given level.
func (r *Repository) SetTriggerConfig(tenantID, portfolioID, positionID string, cfg domain.TriggerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := r.configDB.Exec(`
		INSERT INTO trigger_configs (tenant_id, portfolio_id, position_id, up_threshold_pct, down_threshold_pct, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, portfolio_id, position_id) DO UPDATE SET
			up_threshold_pct = excluded.up_threshold_pct,
			down_threshold_pct = excluded.down_threshold_pct,
			updated_at = excluded.updated_at`,
		tenantID, portfolioID, positionID, cfg.UpThresholdPct, cfg.DownThresholdPct, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to set trigger config: %w", err)
	}
	return nil
}

// GetTriggerConfig resolves the trigger config for a position, falling
// back to the compiled-in defaults.
func (r *Repository) GetTriggerConfig(scope domain.Scope) (domain.TriggerConfig, error) {
	for _, lv := range scopeLevels(scope) {
		var cfg domain.TriggerConfig
		err := r.configDB.QueryRow(`
			SELECT up_threshold_pct, down_threshold_pct FROM trigger_configs
			WHERE tenant_id = ? AND portfolio_id = ? AND position_id = ?`,
			lv[0], lv[1], lv[2],
		).Scan(&cfg.UpThresholdPct, &cfg.DownThresholdPct)
		if err == nil {
			return cfg, nil
		}
		if err != sql.ErrNoRows {
			return domain.TriggerConfig{}, fmt.Errorf("failed to query trigger config: %w", err)
		}
	}
	return domain.DefaultTriggerConfig(), nil
}

// SetGuardrailConfig upserts a guardrail config at the given level.
func (r *Repository) SetGuardrailConfig(tenantID, portfolioID, positionID string, cfg domain.GuardrailConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := r.configDB.Exec(`
		INSERT INTO guardrail_configs
		(tenant_id, portfolio_id, position_id, min_stock_pct, max_stock_pct, max_trade_pct,
		 max_orders_per_day, lot_size, qty_step, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, portfolio_id, position_id) DO UPDATE SET
			min_stock_pct = excluded.min_stock_pct,
			max_stock_pct = excluded.max_stock_pct,
			max_trade_pct = excluded.max_trade_pct,
			max_orders_per_day = excluded.max_orders_per_day,
			lot_size = excluded.lot_size,
			qty_step = excluded.qty_step,
			updated_at = excluded.updated_at`,
		tenantID, portfolioID, positionID,
		cfg.MinStockPct, cfg.MaxStockPct, cfg.MaxTradePct,
		cfg.MaxOrdersPerDay, cfg.LotSize, cfg.QtyStep, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to set guardrail config: %w", err)
	}
	return nil
}

// GetGuardrailConfig resolves the guardrail config for a position, falling
// back to the compiled-in defaults.
func (r *Repository) GetGuardrailConfig(scope domain.Scope) (domain.GuardrailConfig, error) {
	for _, lv := range scopeLevels(scope) {
		var cfg domain.GuardrailConfig
		err := r.configDB.QueryRow(`
			SELECT min_stock_pct, max_stock_pct, max_trade_pct, max_orders_per_day, lot_size, qty_step
			FROM guardrail_configs
			WHERE tenant_id = ? AND portfolio_id = ? AND position_id = ?`,
			lv[0], lv[1], lv[2],
		).Scan(&cfg.MinStockPct, &cfg.MaxStockPct, &cfg.MaxTradePct, &cfg.MaxOrdersPerDay, &cfg.LotSize, &cfg.QtyStep)
		if err == nil {
			return cfg, nil
		}
		if err != sql.ErrNoRows {
			return domain.GuardrailConfig{}, fmt.Errorf("failed to query guardrail config: %w", err)
		}
	}
	return domain.DefaultGuardrailConfig(), nil
}

// SetOrderPolicy upserts an order policy at the given level.
func (r *Repository) SetOrderPolicy(tenantID, portfolioID, positionID string, p domain.OrderPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := r.configDB.Exec(`
		INSERT INTO order_policies
		(tenant_id, portfolio_id, position_id, rebalance_ratio, commission_rate, min_notional,
		 allow_after_hours, sizing_strategy, price_policy, auto_arm_anchor, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, portfolio_id, position_id) DO UPDATE SET
			rebalance_ratio = excluded.rebalance_ratio,
			commission_rate = excluded.commission_rate,
			min_notional = excluded.min_notional,
			allow_after_hours = excluded.allow_after_hours,
			sizing_strategy = excluded.sizing_strategy,
			price_policy = excluded.price_policy,
			auto_arm_anchor = excluded.auto_arm_anchor,
			updated_at = excluded.updated_at`,
		tenantID, portfolioID, positionID,
		p.RebalanceRatio, p.CommissionRate, p.MinNotional,
		boolToInt(p.AllowAfterHrs), string(p.SizingStrategy), string(p.PricePolicy),
		boolToInt(p.AutoArmAnchor), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to set order policy: %w", err)
	}
	return nil
}

// GetOrderPolicy resolves the order policy for a position, falling back to
// the compiled-in defaults.
func (r *Repository) GetOrderPolicy(scope domain.Scope) (domain.OrderPolicy, error) {
	for _, lv := range scopeLevels(scope) {
		var (
			p           domain.OrderPolicy
			afterHours  int
			autoArm     int
			strategy    string
			pricePolicy string
		)
		err := r.configDB.QueryRow(`
			SELECT rebalance_ratio, commission_rate, min_notional, allow_after_hours,
			       sizing_strategy, price_policy, auto_arm_anchor
			FROM order_policies
			WHERE tenant_id = ? AND portfolio_id = ? AND position_id = ?`,
			lv[0], lv[1], lv[2],
		).Scan(&p.RebalanceRatio, &p.CommissionRate, &p.MinNotional, &afterHours, &strategy, &pricePolicy, &autoArm)
		if err == nil {
			p.AllowAfterHrs = afterHours != 0
			p.AutoArmAnchor = autoArm != 0
			p.SizingStrategy = domain.SizingStrategy(strategy)
			p.PricePolicy = domain.PricePolicy(pricePolicy)
			return p, nil
		}
		if err != sql.ErrNoRows {
			return domain.OrderPolicy{}, fmt.Errorf("failed to query order policy: %w", err)
		}
	}
	return domain.DefaultOrderPolicy(), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
