package datastore

import (
	"fmt"
	"os"
	"path/filepath"
)

// VolumesDir is the fixed subdirectory on every datastore under which this
// service keeps volumes.
const VolumesDir = "dockvols"

// BackingExt is the file extension of a volume backing object.
const BackingExt = ".vmdk"

// Resolver maps (datastore, tenant) to a volume directory, creating it and a
// human-readable symlink on first use.
type Resolver struct{}

// NewResolver creates a path resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// BaseDir returns the service directory on a datastore.
func (r *Resolver) BaseDir(ds Datastore) string {
	return filepath.Join(ds.RootPath, VolumesDir)
}

// TenantDir returns a tenant's volume directory without creating anything.
func (r *Resolver) TenantDir(ds Datastore, tenantID string) string {
	if tenantID == "" {
		return r.BaseDir(ds)
	}
	return filepath.Join(r.BaseDir(ds), tenantID)
}

// Resolve returns the volume directory for a tenant on a datastore, creating
// the directory and the <name> -> <uuid> symlink on first use. Concurrent
// first-use races are expected: already-exists is success.
func (r *Resolver) Resolve(ds Datastore, tenantID, tenantName string) (string, error) {
	base := r.BaseDir(ds)
	dir := base
	if tenantID != "" {
		dir = filepath.Join(base, tenantID)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create volume directory %s: %w", dir, err)
	}

	if tenantID != "" && tenantName != "" {
		link := filepath.Join(base, tenantName)
		if err := os.Symlink(tenantID, link); err != nil && !os.IsExist(err) {
			return "", fmt.Errorf("failed to create tenant symlink %s: %w", link, err)
		}
	}

	return dir, nil
}

// VolumePath forms the backing-object path for a volume inside dir.
func (r *Resolver) VolumePath(dir, volName string) string {
	return filepath.Join(dir, volName+BackingExt)
}

// RenameTenantLink renames the tenant's human-readable symlink on one
// datastore. The UUID directory the link points to is left untouched. When
// the old link is missing but the tenant directory exists, the link is
// recreated under the new name.
func (r *Resolver) RenameTenantLink(ds Datastore, tenantID, oldName, newName string) error {
	base := r.BaseDir(ds)
	dir := filepath.Join(base, tenantID)

	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	oldLink := filepath.Join(base, oldName)
	newLink := filepath.Join(base, newName)

	if _, err := os.Lstat(oldLink); err == nil {
		return os.Rename(oldLink, newLink)
	}
	if err := os.Symlink(tenantID, newLink); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

// RemoveTenantArtifacts removes the tenant's symlink and, when empty, its
// volume directory on one datastore.
func (r *Resolver) RemoveTenantArtifacts(ds Datastore, tenantID, tenantName string) error {
	base := r.BaseDir(ds)
	dir := filepath.Join(base, tenantID)

	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if tenantName != "" {
		link := filepath.Join(base, tenantName)
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	// Only an empty directory is removed; volumes must be gone already.
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
