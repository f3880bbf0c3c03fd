// Package catalog provides an alternate source for the tenant/terminal
// catalog that internal/config's YAML loader normally supplies: a
// Postgres-backed loader for deployments that keep the catalog in a
// database table instead of a file, following the teacher's
// database-client CRUD-wrapper shape but against database/sql + lib/pq
// instead of a hosted client, since the bridge has no Supabase dependency.
package catalog

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/accessbridge/bridge/internal/tenant"
)

// Source supplies the tenant catalog and device-key bindings the resolver
// needs. cmd/server builds the same two maps directly from internal/config's
// YAML data; PostgresSource is the implementation of this interface.
type Source interface {
	LoadTenants(ctx context.Context) (map[string]tenant.Tenant, error)
	LoadDeviceBindings(ctx context.Context) (map[string]string, error)
}

// PostgresSource reads the tenant and device_binding tables from a
// Postgres database, for deployments that manage the catalog out-of-band
// from the bridge's own config file.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource opens dsn and verifies connectivity with a ping.
func NewPostgresSource(dsn string) (*PostgresSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: ping postgres: %w", err)
	}
	return &PostgresSource{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresSource) Close() error {
	return s.db.Close()
}

// LoadTenants reads every row of the `tenants` table into a Tenant
// catalog keyed by tenant name.
func (s *PostgresSource) LoadTenants(ctx context.Context) (map[string]tenant.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, upstream_url, auth_type, auth_user, auth_pass, auth_token, object_id
		FROM tenants
	`)
	if err != nil {
		return nil, fmt.Errorf("catalog: query tenants: %w", err)
	}
	defer rows.Close()

	tenants := make(map[string]tenant.Tenant)
	for rows.Next() {
		var (
			name, upstreamURL, objectID string
			authType, authUser          sql.NullString
			authPass, authToken         sql.NullString
		)
		if err := rows.Scan(&name, &upstreamURL, &authType, &authUser, &authPass, &authToken, &objectID); err != nil {
			return nil, fmt.Errorf("catalog: scan tenant row: %w", err)
		}
		tenants[name] = tenant.Tenant{
			Name:        name,
			UpstreamURL: upstreamURL,
			ObjectID:    objectID,
			Auth: tenant.Auth{
				Type:  tenant.AuthType(authType.String),
				User:  authUser.String,
				Pass:  authPass.String,
				Token: authToken.String,
			},
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate tenant rows: %w", err)
	}
	return tenants, nil
}

// LoadDeviceBindings reads every row of the `device_bindings` table into a
// device-key -> tenant-name map.
func (s *PostgresSource) LoadDeviceBindings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_key, tenant_name FROM device_bindings`)
	if err != nil {
		return nil, fmt.Errorf("catalog: query device_bindings: %w", err)
	}
	defer rows.Close()

	bindings := make(map[string]string)
	for rows.Next() {
		var deviceKey, tenantName string
		if err := rows.Scan(&deviceKey, &tenantName); err != nil {
			return nil, fmt.Errorf("catalog: scan device_binding row: %w", err)
		}
		bindings[deviceKey] = tenantName
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate device_binding rows: %w", err)
	}
	return bindings, nil
}
