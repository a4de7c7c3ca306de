// Package store defines the Repository contract for the gateway's
// persisted configuration objects: tenants, API keys, routes, cache
// policies and soft-block records.
package store

import (
	"context"

	"github.com/bankotij/Heliox-Proxy/internal/model"
)

// Repository is the persistence boundary the rest of the gateway depends
// on; internal/store/mariadb provides the MySQL/MariaDB-backed
// implementation and a mock used when persistence is disabled.
type Repository interface {
	FindTenant(ctx context.Context, tenantID string) (model.Tenant, error)
	FindAPIKeyByHash(ctx context.Context, hashedSecret string) (model.APIKey, error)
	ListRoutes(ctx context.Context) ([]model.Route, error)
	FindCachePolicy(ctx context.Context, policyID string) (model.CachePolicy, error)

	RecordBlockedKey(ctx context.Context, rec model.BlockedKeyRecord) error
	ListActiveBlockedKeys(ctx context.Context) ([]model.BlockedKeyRecord, error)
	ClearBlockedKey(ctx context.Context, apiKeyID string) error

	Close() error
}

// ErrNotFound is returned by lookup methods when no matching row exists.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "store: not found" }
