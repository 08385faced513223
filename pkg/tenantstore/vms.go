package tenantstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/hostvol/hostvol/pkg/types"
)

func insertVMs(tx *sql.Tx, tenantID string, vms []types.VMMember) error {
	for _, vm := range vms {
		_, err := tx.Exec("INSERT INTO vms (vm_id, vm_name, tenant_id) VALUES (?, ?, ?)",
			vm.VMID, vm.VMName, tenantID)
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("VM %q already belongs to a tenant: %w", vm.VMID, types.ErrExists)
			}
			return fmt.Errorf("failed to add VM %q: %w", vm.VMID, err)
		}
	}
	return nil
}

func (s *Store) tenantVMs(tenantID string) ([]types.VMMember, error) {
	rows, err := s.db.Query("SELECT vm_id, vm_name FROM vms WHERE tenant_id = ? ORDER BY vm_id", tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list VMs of tenant %q: %w", tenantID, err)
	}
	defer rows.Close()

	var vms []types.VMMember
	for rows.Next() {
		var vm types.VMMember
		var name sql.NullString
		if err := rows.Scan(&vm.VMID, &name); err != nil {
			return nil, err
		}
		vm.VMName = name.String
		vms = append(vms, vm)
	}
	return vms, rows.Err()
}

// AddVMs adds VMs to a tenant. A VM already in any tenant is rejected, since
// membership is exclusive.
func (s *Store) AddVMs(tenantID string, vms []types.VMMember) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	if _, err := s.GetTenantByID(tenantID); err != nil {
		return err
	}
	return s.withTx(func(tx *sql.Tx) error {
		return insertVMs(tx, tenantID, vms)
	})
}

// RemoveVMs removes VMs from a tenant. VMs not in the tenant are ignored.
func (s *Store) RemoveVMs(tenantID string, vmIDs []string) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	return s.withTx(func(tx *sql.Tx) error {
		for _, id := range vmIDs {
			if _, err := tx.Exec("DELETE FROM vms WHERE vm_id = ? AND tenant_id = ?", id, tenantID); err != nil {
				return fmt.Errorf("failed to remove VM %q: %w", id, err)
			}
		}
		return nil
	})
}

// ReplaceVMs swaps a tenant's entire member list in one transaction.
func (s *Store) ReplaceVMs(tenantID string, vms []types.VMMember) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	if _, err := s.GetTenantByID(tenantID); err != nil {
		return err
	}
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM vms WHERE tenant_id = ?", tenantID); err != nil {
			return fmt.Errorf("failed to clear VMs of tenant %q: %w", tenantID, err)
		}
		return insertVMs(tx, tenantID, vms)
	})
}

// TenantForVM resolves the tenant a VM belongs to. A VM in no tenant falls
// back to the default tenant when one exists; otherwise the VM has no access.
func (s *Store) TenantForVM(vmID string) (*types.Tenant, error) {
	if !s.configured {
		return defaultTenant(), nil
	}

	var tenantID string
	err := s.db.QueryRow("SELECT tenant_id FROM vms WHERE vm_id = ?", vmID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		t, derr := s.GetTenantByID(types.DefaultTenantUUID)
		if derr != nil {
			return nil, fmt.Errorf("VM %q belongs to no tenant and no default tenant exists: %w",
				vmID, types.ErrNotFound)
		}
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tenant for VM %q: %w", vmID, err)
	}
	return s.GetTenantByID(tenantID)
}
