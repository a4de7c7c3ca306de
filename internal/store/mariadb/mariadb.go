// Package mariadb is the MySQL/MariaDB-backed store.Repository
// implementation: database/sql with the go-sql-driver/mysql driver, plus
// a mock fallback used when persistence is disabled.
package mariadb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/bankotij/Heliox-Proxy/internal/model"
	"github.com/bankotij/Heliox-Proxy/internal/store"
)

type Config struct {
	Enabled  bool
	User     string
	Password string
	Host     string
	Port     int
	DBName   string
}

type repository struct {
	db *sql.DB
}

func New(cfg Config) (store.Repository, error) {
	if !cfg.Enabled {
		return &mockRepository{}, nil
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4,utf8",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &repository{db: db}, nil
}

func (r *repository) FindTenant(ctx context.Context, tenantID string) (model.Tenant, error) {
	const q = `SELECT id, name, is_active FROM tenants WHERE id = ? LIMIT 1`
	var t model.Tenant
	err := r.db.QueryRowContext(ctx, q, tenantID).Scan(&t.ID, &t.Name, &t.IsActive)
	if err == sql.ErrNoRows {
		return model.Tenant{}, store.ErrNotFound
	}
	if err != nil {
		return model.Tenant{}, err
	}
	return t, nil
}

func (r *repository) FindAPIKeyByHash(ctx context.Context, hashedSecret string) (model.APIKey, error) {
	const q = `
		SELECT id, tenant_id, hashed_secret, key_prefix, status,
		       rate_limit_rps, rate_limit_burst, quota_daily, quota_monthly, last_used_at
		FROM api_keys WHERE hashed_secret = ? LIMIT 1`
	var k model.APIKey
	var lastUsed sql.NullTime
	err := r.db.QueryRowContext(ctx, q, hashedSecret).Scan(
		&k.ID, &k.TenantID, &k.HashedSecret, &k.Prefix, &k.Status,
		&k.RateLimitRPS, &k.RateLimitBurst, &k.QuotaDaily, &k.QuotaMonthly, &lastUsed,
	)
	if err == sql.ErrNoRows {
		return model.APIKey{}, store.ErrNotFound
	}
	if err != nil {
		return model.APIKey{}, err
	}
	if lastUsed.Valid {
		k.LastUsedAt = lastUsed.Time
	}
	return k, nil
}

func (r *repository) ListRoutes(ctx context.Context) ([]model.Route, error) {
	const q = `
		SELECT id, name, path_pattern, methods, upstream_base_url,
		       timeout_ms, policy_id, priority, is_active, created_order
		FROM routes ORDER BY created_order ASC`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []model.Route
	for rows.Next() {
		var rt model.Route
		var methodsCSV string
		var policyID sql.NullString
		if err := rows.Scan(&rt.ID, &rt.Name, &rt.PathPattern, &methodsCSV,
			&rt.UpstreamBaseURL, &rt.TimeoutMs, &policyID, &rt.Priority,
			&rt.IsActive, &rt.CreatedOrder); err != nil {
			return nil, err
		}
		rt.PolicyID = policyID.String
		rt.Methods = splitMethods(methodsCSV)
		routes = append(routes, rt)
	}
	return routes, rows.Err()
}

func (r *repository) FindCachePolicy(ctx context.Context, policyID string) (model.CachePolicy, error) {
	const q = `
		SELECT id, ttl_seconds, stale_seconds, vary_headers, cacheable_statuses,
		       cacheable_methods, max_body_bytes, cache_no_store
		FROM cache_policies WHERE id = ? LIMIT 1`
	var p model.CachePolicy
	var vary, statuses, methodsCSV string
	err := r.db.QueryRowContext(ctx, q, policyID).Scan(
		&p.ID, &p.TTLSeconds, &p.StaleSeconds, &vary, &statuses, &methodsCSV,
		&p.MaxBodyBytes, &p.CacheNoStore,
	)
	if err == sql.ErrNoRows {
		return model.CachePolicy{}, store.ErrNotFound
	}
	if err != nil {
		return model.CachePolicy{}, err
	}
	p.VaryHeaders = splitCSV(vary)
	p.CacheableStatuses = splitStatuses(statuses)
	if methodsCSV == "" {
		p.CacheableMethods = model.DefaultCacheableMethods()
	} else {
		p.CacheableMethods = splitMethods(methodsCSV)
	}
	return p, nil
}

func (r *repository) RecordBlockedKey(ctx context.Context, rec model.BlockedKeyRecord) error {
	const q = `
		INSERT INTO blocked_keys (api_key_id, reason, anomaly_score, blocked_at, blocked_until, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE reason=VALUES(reason), anomaly_score=VALUES(anomaly_score),
		    blocked_at=VALUES(blocked_at), blocked_until=VALUES(blocked_until), is_active=VALUES(is_active)`
	_, err := r.db.ExecContext(ctx, q, rec.APIKeyID, rec.Reason, rec.AnomalyScore, rec.BlockedAt, rec.BlockedUntil, rec.IsActive)
	return err
}

func (r *repository) ListActiveBlockedKeys(ctx context.Context) ([]model.BlockedKeyRecord, error) {
	const q = `
		SELECT api_key_id, reason, anomaly_score, blocked_at, blocked_until, is_active
		FROM blocked_keys WHERE is_active = TRUE`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BlockedKeyRecord
	for rows.Next() {
		var rec model.BlockedKeyRecord
		if err := rows.Scan(&rec.APIKeyID, &rec.Reason, &rec.AnomalyScore, &rec.BlockedAt, &rec.BlockedUntil, &rec.IsActive); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repository) ClearBlockedKey(ctx context.Context, apiKeyID string) error {
	const q = `UPDATE blocked_keys SET is_active = FALSE WHERE api_key_id = ?`
	_, err := r.db.ExecContext(ctx, q, apiKeyID)
	return err
}

func (r *repository) Close() error {
	return r.db.Close()
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func splitMethods(csv string) map[string]struct{} {
	parts := splitCSV(csv)
	out := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		out[p] = struct{}{}
	}
	return out
}

func splitStatuses(csv string) map[int]struct{} {
	parts := splitCSV(csv)
	out := make(map[int]struct{}, len(parts))
	for _, p := range parts {
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err == nil {
			out[n] = struct{}{}
		}
	}
	return out
}

// mockRepository is used when persistence is disabled (db.enabled=false),
// serving an empty but well-formed config set so the gateway still boots
// for local/dev runs.
type mockRepository struct{}

func (m *mockRepository) FindTenant(ctx context.Context, tenantID string) (model.Tenant, error) {
	return model.Tenant{ID: tenantID, Name: tenantID, IsActive: true}, nil
}

func (m *mockRepository) FindAPIKeyByHash(ctx context.Context, hashedSecret string) (model.APIKey, error) {
	return model.APIKey{}, store.ErrNotFound
}

func (m *mockRepository) ListRoutes(ctx context.Context) ([]model.Route, error) {
	return nil, nil
}

func (m *mockRepository) FindCachePolicy(ctx context.Context, policyID string) (model.CachePolicy, error) {
	return model.CachePolicy{}, store.ErrNotFound
}

func (m *mockRepository) RecordBlockedKey(ctx context.Context, rec model.BlockedKeyRecord) error {
	return nil
}

func (m *mockRepository) ListActiveBlockedKeys(ctx context.Context) ([]model.BlockedKeyRecord, error) {
	return nil, nil
}

func (m *mockRepository) ClearBlockedKey(ctx context.Context, apiKeyID string) error {
	return nil
}

func (m *mockRepository) Close() error { return nil }
