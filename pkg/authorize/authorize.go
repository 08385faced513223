// Package authorize decides whether a VM may run a command against a
// datastore, based on its tenant's privileges and quota.
package authorize

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hostvol/hostvol/pkg/log"
	"github.com/hostvol/hostvol/pkg/types"
)

// Store is the slice of the tenant store the engine needs.
type Store interface {
	Configured() bool
	TenantForVM(vmID string) (*types.Tenant, error)
	GetPrivilege(tenantID, datastoreURL string) (*types.Privilege, error)
	TotalStorageUsedMB(tenantID, datastoreURL string) (uint64, error)
}

// Engine evaluates authorization decisions. When the store is not configured
// every decision is permit, attributed to the default tenant.
type Engine struct {
	store  Store
	logger zerolog.Logger
}

// NewEngine creates an authorization engine over the given store.
func NewEngine(store Store) *Engine {
	return &Engine{
		store:  store,
		logger: log.WithComponent("authorize"),
	}
}

// ResolveTenant maps a VM to its tenant, falling back to the default tenant
// for VMs not placed in any. A VM with no tenant at all has no access.
func (e *Engine) ResolveTenant(vmID string) (*types.Tenant, error) {
	tenant, err := e.store.TenantForVM(vmID)
	if err != nil {
		return nil, fmt.Errorf("no tenant for VM %q: %w", vmID, types.ErrDenied)
	}
	return tenant, nil
}

// Authorize checks that vmID may run cmd against the datastore at dsURL and
// returns the tenant the operation is attributed to. vmDatastoreURL is the
// datastore the VM itself lives on; it widens the privilege lookup when the
// request targets that same datastore.
func (e *Engine) Authorize(vmID, vmDatastoreURL, dsURL, cmd string, opts map[string]string) (*types.Tenant, error) {
	tenant, err := e.ResolveTenant(vmID)
	if err != nil {
		return nil, err
	}

	if !e.store.Configured() {
		return tenant, nil
	}

	priv, err := e.resolvePrivilege(tenant.ID, vmDatastoreURL, dsURL)
	if err != nil {
		e.logger.Info().Str("vm", vmID).Str("tenant", tenant.Name).
			Str("datastore", dsURL).Str("cmd", cmd).Msg("access denied: no privilege")
		return nil, fmt.Errorf("tenant %q has no access to datastore %q: %w",
			tenant.Name, dsURL, types.ErrDenied)
	}

	switch cmd {
	case types.CmdCreate:
		if err := e.checkCreate(tenant, priv, dsURL, opts); err != nil {
			return nil, err
		}
	case types.CmdRemove:
		if !priv.AllowCreate {
			return nil, fmt.Errorf("tenant %q may not delete volumes on %q: %w",
				tenant.Name, dsURL, types.ErrDenied)
		}
	}
	// Every other command only needs a privilege to exist.

	return tenant, nil
}

// resolvePrivilege finds the privilege governing dsURL: the exact row first,
// then the VM-datastore sentinel when the request targets the VM's own
// datastore, then the all-datastores wildcard.
func (e *Engine) resolvePrivilege(tenantID, vmDatastoreURL, dsURL string) (*types.Privilege, error) {
	urls := []string{dsURL}
	if dsURL != "" && dsURL == vmDatastoreURL {
		urls = append(urls, types.VMDatastoreURL)
	}
	urls = append(urls, types.AllDatastoresURL)

	var err error
	for _, url := range urls {
		var priv *types.Privilege
		if priv, err = e.store.GetPrivilege(tenantID, url); err == nil {
			return priv, nil
		}
	}
	return nil, err
}

func (e *Engine) checkCreate(tenant *types.Tenant, priv *types.Privilege, dsURL string, opts map[string]string) error {
	if !priv.AllowCreate {
		return fmt.Errorf("tenant %q may not create volumes on %q: %w",
			tenant.Name, dsURL, types.ErrDenied)
	}

	sizeMB, err := types.VolumeSizeMB(opts)
	if err != nil {
		return err
	}

	if priv.MaxVolumeSizeMB > 0 && sizeMB > priv.MaxVolumeSizeMB {
		return fmt.Errorf("volume size %dMB exceeds the %dMB per-volume limit on %q: %w",
			sizeMB, priv.MaxVolumeSizeMB, dsURL, types.ErrQuotaExceeded)
	}

	if priv.UsageQuotaMB > 0 {
		used, err := e.store.TotalStorageUsedMB(tenant.ID, dsURL)
		if err != nil {
			return err
		}
		if used+sizeMB > priv.UsageQuotaMB {
			return fmt.Errorf("volume size %dMB plus %dMB in use exceeds the %dMB quota on %q: %w",
				sizeMB, used, priv.UsageQuotaMB, dsURL, types.ErrQuotaExceeded)
		}
	}
	return nil
}
