package tenantstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hostvol/hostvol/pkg/types"
)

// CreateTenant creates a tenant with the given VM members and privileges.
// The default-tenant name always maps to its fixed id so the fallback lookup
// stays stable across recreations.
func (s *Store) CreateTenant(name, description string, vms []types.VMMember, privileges []types.Privilege) (*types.Tenant, error) {
	if err := s.requireConfigured(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("tenant name must not be empty: %w", types.ErrValidation)
	}

	id := uuid.NewString()
	if name == types.DefaultTenantName {
		id = types.DefaultTenantUUID
	}

	tenant := &types.Tenant{
		ID:          id,
		Name:        name,
		Description: description,
		VMs:         vms,
		Privileges:  privileges,
	}

	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO tenants (id, name, description, default_datastore_url) VALUES (?, ?, ?, ?)",
			id, name, description, "")
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("tenant %q: %w", name, types.ErrExists)
			}
			return fmt.Errorf("failed to insert tenant %q: %w", name, err)
		}
		if err := insertVMs(tx, id, vms); err != nil {
			return err
		}
		for _, p := range privileges {
			if err := insertPrivilege(tx, id, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("tenant", name).Str("tenant_id", id).Msg("tenant created")
	return tenant, nil
}

// GetTenant looks a tenant up by name. In allow-all mode only the default
// tenant exists, synthesized in memory.
func (s *Store) GetTenant(name string) (*types.Tenant, error) {
	if !s.configured {
		if name == types.DefaultTenantName {
			return defaultTenant(), nil
		}
		return nil, types.ErrNotInitialized
	}
	return s.getTenantWhere("name = ?", name)
}

// GetTenantByID looks a tenant up by id.
func (s *Store) GetTenantByID(id string) (*types.Tenant, error) {
	if !s.configured {
		if id == types.DefaultTenantUUID {
			return defaultTenant(), nil
		}
		return nil, types.ErrNotInitialized
	}
	return s.getTenantWhere("id = ?", id)
}

func (s *Store) getTenantWhere(cond string, arg any) (*types.Tenant, error) {
	t := &types.Tenant{}
	err := s.db.QueryRow(
		"SELECT id, name, description, default_datastore_url FROM tenants WHERE "+cond, arg).
		Scan(&t.ID, &t.Name, &t.Description, &t.DefaultDatastoreURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %v: %w", arg, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant %v: %w", arg, err)
	}

	if t.VMs, err = s.tenantVMs(t.ID); err != nil {
		return nil, err
	}
	if t.Privileges, err = s.ListPrivileges(t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTenants returns all tenants with their members and privileges.
func (s *Store) ListTenants() ([]*types.Tenant, error) {
	if !s.configured {
		return []*types.Tenant{defaultTenant()}, nil
	}

	rows, err := s.db.Query("SELECT id FROM tenants ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tenants := make([]*types.Tenant, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTenantByID(id)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, nil
}

// RemoveTenant destroys a tenant. The tenant must have no VM members. With
// removeVolumes the tenant's volumes are purged first through the injected
// callback and its on-datastore artifacts are cleaned up; without it, any
// remaining volume rows block the removal.
func (s *Store) RemoveTenant(id string, removeVolumes bool) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}

	tenant, err := s.GetTenantByID(id)
	if err != nil {
		return err
	}
	if len(tenant.VMs) > 0 {
		return fmt.Errorf("tenant %q still has %d VMs: %w", tenant.Name, len(tenant.VMs), types.ErrInUse)
	}

	volumes, err := s.ListVolumes(id)
	if err != nil {
		return err
	}
	if len(volumes) > 0 && !removeVolumes {
		return fmt.Errorf("tenant %q still has %d volumes: %w", tenant.Name, len(volumes), types.ErrInUse)
	}

	if removeVolumes {
		if err := s.purgeVolumes(tenant, volumes); err != nil {
			return err
		}
	}

	err = s.withTx(func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM volumes WHERE tenant_id = ?",
			"DELETE FROM privileges WHERE tenant_id = ?",
			"DELETE FROM tenants WHERE id = ?",
		} {
			if _, err := tx.Exec(stmt, id); err != nil {
				return fmt.Errorf("failed to remove tenant %q: %w", tenant.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("tenant", tenant.Name).Str("tenant_id", id).Msg("tenant removed")
	return nil
}

func (s *Store) purgeVolumes(tenant *types.Tenant, volumes []types.VolumeUsage) error {
	if s.removeVolume == nil && len(volumes) > 0 {
		return fmt.Errorf("cannot purge volumes of tenant %q: no remover wired: %w",
			tenant.Name, types.ErrInternal)
	}

	for _, v := range volumes {
		if err := s.removeVolume(tenant.ID, tenant.Name, v.DatastoreURL, v.VolumeName); err != nil {
			return fmt.Errorf("failed to remove volume %q of tenant %q: %w",
				v.VolumeName, tenant.Name, err)
		}
	}

	if s.datastores == nil || s.resolver == nil {
		return nil
	}
	stores, err := s.datastores.List()
	if err != nil {
		return err
	}
	for _, ds := range stores {
		if err := s.resolver.RemoveTenantArtifacts(ds, tenant.ID, tenant.Name); err != nil {
			return fmt.Errorf("failed to clean up tenant %q on datastore %q: %w",
				tenant.Name, ds.Name, err)
		}
	}
	return nil
}

// RenameTenant renames a tenant and its human-readable symlink on every
// known datastore.
func (s *Store) RenameTenant(id, newName string) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	if newName == "" {
		return fmt.Errorf("tenant name must not be empty: %w", types.ErrValidation)
	}

	tenant, err := s.GetTenantByID(id)
	if err != nil {
		return err
	}
	if tenant.Name == newName {
		return nil
	}

	_, err = s.db.Exec("UPDATE tenants SET name = ? WHERE id = ?", newName, id)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("tenant %q: %w", newName, types.ErrExists)
		}
		return fmt.Errorf("failed to rename tenant %q: %w", tenant.Name, err)
	}

	if s.datastores != nil && s.resolver != nil {
		stores, err := s.datastores.List()
		if err != nil {
			return err
		}
		for _, ds := range stores {
			if err := s.resolver.RenameTenantLink(ds, id, tenant.Name, newName); err != nil {
				return fmt.Errorf("failed to rename tenant link on datastore %q: %w", ds.Name, err)
			}
		}
	}

	s.logger.Info().Str("tenant", tenant.Name).Str("new_name", newName).Msg("tenant renamed")
	return nil
}

// SetDescription replaces a tenant's description.
func (s *Store) SetDescription(id, description string) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	return s.updateTenantField(id, "description", description)
}

// SetDefaultDatastore sets the datastore used when a request names none. The
// tenant must hold a privilege on it already.
func (s *Store) SetDefaultDatastore(id, datastoreURL string) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	if datastoreURL != "" {
		if _, err := s.GetPrivilege(id, datastoreURL); err != nil {
			return fmt.Errorf("tenant has no access to datastore %q: %w", datastoreURL, err)
		}
	}
	return s.updateTenantField(id, "default_datastore_url", datastoreURL)
}

func (s *Store) updateTenantField(id, column, value string) error {
	res, err := s.db.Exec("UPDATE tenants SET "+column+" = ? WHERE id = ?", value, id)
	if err != nil {
		return fmt.Errorf("failed to update tenant %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("tenant %q: %w", id, types.ErrNotFound)
	}
	return nil
}
