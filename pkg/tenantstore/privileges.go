package tenantstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/hostvol/hostvol/pkg/types"
)

func insertPrivilege(tx *sql.Tx, tenantID string, p types.Privilege) error {
	_, err := tx.Exec(
		"INSERT INTO privileges (tenant_id, datastore_url, allow_create, max_volume_size_mb, usage_quota_mb) VALUES (?, ?, ?, ?, ?)",
		tenantID, p.DatastoreURL, p.AllowCreate, p.MaxVolumeSizeMB, p.UsageQuotaMB)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("privilege on %q: %w", p.DatastoreURL, types.ErrExists)
		}
		return fmt.Errorf("failed to insert privilege on %q: %w", p.DatastoreURL, err)
	}
	return nil
}

// UpsertPrivilege creates or updates a tenant's privilege on one datastore.
// The first privilege a tenant gains also becomes its default datastore.
func (s *Store) UpsertPrivilege(tenantID string, p types.Privilege) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}

	tenant, err := s.GetTenantByID(tenantID)
	if err != nil {
		return err
	}

	err = s.withTx(func(tx *sql.Tx) error {
		// Insert-if-absent then update, so create and modify share one path.
		_, err := tx.Exec(
			"INSERT OR IGNORE INTO privileges (tenant_id, datastore_url, allow_create, max_volume_size_mb, usage_quota_mb) VALUES (?, ?, 0, 0, 0)",
			tenantID, p.DatastoreURL)
		if err != nil {
			return fmt.Errorf("failed to upsert privilege on %q: %w", p.DatastoreURL, err)
		}
		_, err = tx.Exec(
			"UPDATE privileges SET allow_create = ?, max_volume_size_mb = ?, usage_quota_mb = ? WHERE tenant_id = ? AND datastore_url = ?",
			p.AllowCreate, p.MaxVolumeSizeMB, p.UsageQuotaMB, tenantID, p.DatastoreURL)
		if err != nil {
			return fmt.Errorf("failed to update privilege on %q: %w", p.DatastoreURL, err)
		}

		if tenant.DefaultDatastoreURL == "" {
			_, err = tx.Exec("UPDATE tenants SET default_datastore_url = ? WHERE id = ?",
				p.DatastoreURL, tenantID)
			if err != nil {
				return fmt.Errorf("failed to set default datastore: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug().Str("tenant_id", tenantID).Str("datastore", p.DatastoreURL).
		Bool("allow_create", p.AllowCreate).Msg("privilege upserted")
	return nil
}

// RemovePrivilege revokes a tenant's access to a datastore. The privilege
// backing the tenant's current default datastore cannot be removed; the
// default must be moved first.
func (s *Store) RemovePrivilege(tenantID, datastoreURL string) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}

	tenant, err := s.GetTenantByID(tenantID)
	if err != nil {
		return err
	}
	if tenant.DefaultDatastoreURL == datastoreURL {
		return fmt.Errorf("datastore %q is the default datastore of tenant %q, change the default first: %w",
			datastoreURL, tenant.Name, types.ErrInUse)
	}

	res, err := s.db.Exec("DELETE FROM privileges WHERE tenant_id = ? AND datastore_url = ?",
		tenantID, datastoreURL)
	if err != nil {
		return fmt.Errorf("failed to remove privilege on %q: %w", datastoreURL, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("privilege on %q: %w", datastoreURL, types.ErrNotFound)
	}
	return nil
}

// GetPrivilege returns a tenant's privilege on exactly the given datastore.
// Wildcard fallback is the authorization engine's concern, not the store's.
func (s *Store) GetPrivilege(tenantID, datastoreURL string) (*types.Privilege, error) {
	if !s.configured {
		if tenantID == types.DefaultTenantUUID {
			for _, p := range defaultTenant().Privileges {
				if p.DatastoreURL == datastoreURL {
					return &p, nil
				}
			}
		}
		return nil, fmt.Errorf("privilege on %q: %w", datastoreURL, types.ErrNotFound)
	}

	p := &types.Privilege{TenantID: tenantID, DatastoreURL: datastoreURL}
	err := s.db.QueryRow(
		"SELECT allow_create, max_volume_size_mb, usage_quota_mb FROM privileges WHERE tenant_id = ? AND datastore_url = ?",
		tenantID, datastoreURL).
		Scan(&p.AllowCreate, &p.MaxVolumeSizeMB, &p.UsageQuotaMB)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("privilege on %q: %w", datastoreURL, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read privilege on %q: %w", datastoreURL, err)
	}
	return p, nil
}

// ListPrivileges returns all privileges of a tenant.
func (s *Store) ListPrivileges(tenantID string) ([]types.Privilege, error) {
	if !s.configured {
		if tenantID == types.DefaultTenantUUID {
			return defaultTenant().Privileges, nil
		}
		return nil, nil
	}

	rows, err := s.db.Query(
		"SELECT datastore_url, allow_create, max_volume_size_mb, usage_quota_mb FROM privileges WHERE tenant_id = ? ORDER BY datastore_url",
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list privileges of tenant %q: %w", tenantID, err)
	}
	defer rows.Close()

	var privs []types.Privilege
	for rows.Next() {
		p := types.Privilege{TenantID: tenantID}
		if err := rows.Scan(&p.DatastoreURL, &p.AllowCreate, &p.MaxVolumeSizeMB, &p.UsageQuotaMB); err != nil {
			return nil, err
		}
		privs = append(privs, p)
	}
	return privs, rows.Err()
}
