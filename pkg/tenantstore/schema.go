package tenantstore

import (
	"database/sql"
	"fmt"

	"github.com/hostvol/hostvol/pkg/types"
)

const schema = `
CREATE TABLE versions (
	id        INTEGER PRIMARY KEY NOT NULL,
	major_ver INTEGER NOT NULL,
	minor_ver INTEGER NOT NULL
);

CREATE TABLE tenants (
	id                     TEXT PRIMARY KEY NOT NULL,
	name                   TEXT UNIQUE NOT NULL,
	description            TEXT NOT NULL,
	default_datastore_url  TEXT NOT NULL
);

CREATE TABLE vms (
	vm_id     TEXT PRIMARY KEY NOT NULL,
	vm_name   TEXT,
	tenant_id TEXT NOT NULL,
	FOREIGN KEY (tenant_id) REFERENCES tenants (id)
);

CREATE TABLE privileges (
	tenant_id          TEXT NOT NULL,
	datastore_url      TEXT NOT NULL,
	allow_create       INTEGER NOT NULL,
	max_volume_size_mb INTEGER NOT NULL,
	usage_quota_mb     INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, datastore_url),
	FOREIGN KEY (tenant_id) REFERENCES tenants (id)
);

CREATE TABLE volumes (
	tenant_id     TEXT NOT NULL,
	datastore_url TEXT NOT NULL,
	volume_name   TEXT NOT NULL,
	volume_size_mb INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, datastore_url, volume_name),
	FOREIGN KEY (tenant_id) REFERENCES tenants (id)
);
`

// Init creates the schema and the built-in default tenant, then switches the
// store out of allow-all mode. Calling Init on a configured store is an error.
func (s *Store) Init() error {
	if s.configured {
		return fmt.Errorf("tenant store %s: %w", s.path, types.ErrExists)
	}

	if s.db == nil {
		if err := s.connect(); err != nil {
			return err
		}
	}

	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		if _, err := tx.Exec("INSERT INTO versions (id, major_ver, minor_ver) VALUES (0, ?, ?)",
			SchemaMajor, SchemaMinor); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		return createDefaultTenant(tx)
	})
	if err != nil {
		return err
	}

	s.configured = true
	s.logger.Info().Str("path", s.path).Msg("tenant store initialized")
	return nil
}

// createDefaultTenant inserts the built-in tenant that catches VMs not placed
// in any other tenant. It has a fixed id and full access everywhere.
func createDefaultTenant(tx *sql.Tx) error {
	_, err := tx.Exec(
		"INSERT INTO tenants (id, name, description, default_datastore_url) VALUES (?, ?, ?, ?)",
		types.DefaultTenantUUID, types.DefaultTenantName, types.DefaultTenantDescr,
		types.VMDatastoreURL)
	if err != nil {
		return fmt.Errorf("failed to create default tenant: %w", err)
	}

	for _, url := range []string{types.AllDatastoresURL, types.VMDatastoreURL} {
		_, err := tx.Exec(
			"INSERT INTO privileges (tenant_id, datastore_url, allow_create, max_volume_size_mb, usage_quota_mb) VALUES (?, ?, 1, 0, 0)",
			types.DefaultTenantUUID, url)
		if err != nil {
			return fmt.Errorf("failed to create default tenant privileges: %w", err)
		}
	}
	return nil
}

// defaultTenant synthesizes the built-in tenant for allow-all mode reads.
func defaultTenant() *types.Tenant {
	return &types.Tenant{
		ID:                  types.DefaultTenantUUID,
		Name:                types.DefaultTenantName,
		Description:         types.DefaultTenantDescr,
		DefaultDatastoreURL: types.VMDatastoreURL,
		Privileges: []types.Privilege{
			{DatastoreURL: types.AllDatastoresURL, AllowCreate: true},
			{DatastoreURL: types.VMDatastoreURL, AllowCreate: true},
		},
	}
}
