package tenantstore

import (
	"fmt"

	"github.com/hostvol/hostvol/pkg/types"
)

// The volume ledger records which tenant created which volume on which
// datastore, and how big it is. Quota enforcement sums it; tenant removal
// enumerates it. In allow-all mode there is nothing to account against, so
// the ledger operations quietly do nothing.

// AddVolume records a newly created volume in the ledger.
func (s *Store) AddVolume(usage types.VolumeUsage) error {
	if !s.configured {
		s.logger.Debug().Str("volume", usage.VolumeName).Msg("store not configured, skipping ledger insert")
		return nil
	}

	_, err := s.db.Exec(
		"INSERT INTO volumes (tenant_id, datastore_url, volume_name, volume_size_mb) VALUES (?, ?, ?, ?)",
		usage.TenantID, usage.DatastoreURL, usage.VolumeName, usage.VolumeSizeMB)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("volume %q on %q: %w", usage.VolumeName, usage.DatastoreURL, types.ErrExists)
		}
		return fmt.Errorf("failed to record volume %q: %w", usage.VolumeName, err)
	}
	return nil
}

// RemoveVolume drops a volume's ledger row. A missing row is not an error, so
// removal stays idempotent.
func (s *Store) RemoveVolume(tenantID, datastoreURL, volName string) error {
	if !s.configured {
		s.logger.Debug().Str("volume", volName).Msg("store not configured, skipping ledger delete")
		return nil
	}

	_, err := s.db.Exec(
		"DELETE FROM volumes WHERE tenant_id = ? AND datastore_url = ? AND volume_name = ?",
		tenantID, datastoreURL, volName)
	if err != nil {
		return fmt.Errorf("failed to drop ledger row for volume %q: %w", volName, err)
	}
	return nil
}

// TotalStorageUsedMB sums the sizes of a tenant's volumes on one datastore.
func (s *Store) TotalStorageUsedMB(tenantID, datastoreURL string) (uint64, error) {
	if !s.configured {
		return 0, nil
	}

	var total uint64
	err := s.db.QueryRow(
		"SELECT COALESCE(SUM(volume_size_mb), 0) FROM volumes WHERE tenant_id = ? AND datastore_url = ?",
		tenantID, datastoreURL).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum storage of tenant %q on %q: %w", tenantID, datastoreURL, err)
	}
	return total, nil
}

// ListVolumes returns a tenant's ledger rows across all datastores.
func (s *Store) ListVolumes(tenantID string) ([]types.VolumeUsage, error) {
	if !s.configured {
		return nil, nil
	}

	rows, err := s.db.Query(
		"SELECT datastore_url, volume_name, volume_size_mb FROM volumes WHERE tenant_id = ? ORDER BY datastore_url, volume_name",
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes of tenant %q: %w", tenantID, err)
	}
	defer rows.Close()

	var usage []types.VolumeUsage
	for rows.Next() {
		u := types.VolumeUsage{TenantID: tenantID}
		if err := rows.Scan(&u.DatastoreURL, &u.VolumeName, &u.VolumeSizeMB); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}
