// Package volumes implements the volume lifecycle: create (fresh or cloned),
// remove, get and list. Mutations assume the caller already authorized the
// request and holds the per-volume lock; get and list never need either.
package volumes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
	"github.com/rs/zerolog"

	"github.com/hostvol/hostvol/pkg/datastore"
	"github.com/hostvol/hostvol/pkg/log"
	"github.com/hostvol/hostvol/pkg/metadata"
	"github.com/hostvol/hostvol/pkg/types"
	"github.com/hostvol/hostvol/pkg/vmruntime"
)

// Ledger is the slice of the tenant store the controller writes usage to.
type Ledger interface {
	AddVolume(usage types.VolumeUsage) error
	RemoveVolume(tenantID, datastoreURL, volName string) error
}

// StaleRecoverer clears a stale attachment so removal can proceed. Wired to
// the attachment controller after both exist.
type StaleRecoverer interface {
	RecoverStale(ctx context.Context, volPath string, rec *metadata.Record) error
}

var volNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// allowedOpts is the fixed allow-list of create options.
var allowedOpts = map[string]bool{
	types.OptSize:      true,
	types.OptPolicy:    true,
	types.OptFormat:    true,
	types.OptAttachAs:  true,
	types.OptAccess:    true,
	types.OptFilesys:   true,
	types.OptCloneFrom: true,
}

// Controller drives volume create/remove/get/list.
type Controller struct {
	driver     Driver
	meta       metadata.Store
	ledger     Ledger
	resolver   *datastore.Resolver
	registry   *datastore.Registry
	runtime    vmruntime.Runtime
	recoverer  StaleRecoverer
	delRetries uint
	delDelay   time.Duration
	logger     zerolog.Logger
}

// NewController creates a lifecycle controller. The stale recoverer is wired
// separately, after the attachment controller exists.
func NewController(driver Driver, meta metadata.Store, ledger Ledger,
	resolver *datastore.Resolver, registry *datastore.Registry,
	runtime vmruntime.Runtime, delRetries int, delDelay time.Duration) *Controller {
	return &Controller{
		driver:     driver,
		meta:       meta,
		ledger:     ledger,
		resolver:   resolver,
		registry:   registry,
		runtime:    runtime,
		delRetries: uint(delRetries),
		delDelay:   delDelay,
		logger:     log.WithComponent("volumes"),
	}
}

// SetStaleRecoverer wires the attachment controller's recovery path in.
func (c *Controller) SetStaleRecoverer(r StaleRecoverer) {
	c.recoverer = r
}

// CreateRequest carries one authorized create operation.
type CreateRequest struct {
	Tenant    *types.Tenant
	Datastore datastore.Datastore
	Name      string
	Options   map[string]string
	CreatedBy string

	// SourcePath is the backing path of the clone source, already resolved
	// and authorized by the caller. Empty for a fresh allocation.
	SourcePath string
}

// Create makes a volume, fresh or cloned. A backing object that already
// exists is success, so clients retrying after a timeout converge instead of
// erroring; the ledger still ends up with exactly one row. Partial state left
// by a failure after allocation is rolled back before returning.
func (c *Controller) Create(ctx context.Context, req CreateRequest) error {
	if err := validateName(req.Name); err != nil {
		return err
	}
	if err := validateOptions(req.Options); err != nil {
		return err
	}
	sizeMB, err := types.VolumeSizeMB(req.Options)
	if err != nil {
		return err
	}

	dir, err := c.resolver.Resolve(req.Datastore, req.Tenant.ID, req.Tenant.Name)
	if err != nil {
		return err
	}
	path := c.resolver.VolumePath(dir, req.Name)
	logger := c.logger.With().Str("volume", req.Name).Str("datastore", req.Datastore.Name).Logger()

	exists, err := c.driver.Exists(path)
	if err != nil {
		return err
	}

	created := false
	if !exists {
		if req.SourcePath != "" {
			if err := c.checkCloneSource(ctx, req.SourcePath); err != nil {
				return err
			}
			err = c.driver.Clone(req.SourcePath, path)
		} else {
			err = c.driver.Create(path, sizeMB, req.Options)
		}
		if err != nil && !errors.Is(err, types.ErrExists) {
			return err
		}
		created = err == nil
	}

	if _, err := c.meta.Load(path); errors.Is(err, types.ErrNotFound) {
		rec := metadata.NewRecord(req.Options, sizeMB, req.CreatedBy)
		if err := c.meta.Save(path, rec); err != nil {
			c.rollback(path, created)
			return fmt.Errorf("failed to write metadata for %s: %w", path, err)
		}
	} else if err != nil {
		c.rollback(path, created)
		return err
	}

	err = c.ledger.AddVolume(types.VolumeUsage{
		TenantID:     req.Tenant.ID,
		DatastoreURL: req.Datastore.URL,
		VolumeName:   req.Name,
		VolumeSizeMB: sizeMB,
	})
	if err != nil && !errors.Is(err, types.ErrExists) {
		c.rollback(path, created)
		return err
	}

	if created {
		logger.Info().Uint64("size_mb", sizeMB).Bool("cloned", req.SourcePath != "").Msg("volume created")
	} else {
		logger.Debug().Msg("volume already present, create converged")
	}
	return nil
}

// checkCloneSource refuses to copy from a volume attached to a running VM.
func (c *Controller) checkCloneSource(ctx context.Context, srcPath string) error {
	rec, err := c.meta.Load(srcPath)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	vmID, attached := rec.Attached()
	if !attached {
		return nil
	}
	vm, err := c.runtime.FindVM(ctx, vmID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if vm.Power == vmruntime.PoweredOn {
		return fmt.Errorf("clone source %s is attached to running VM %q: %w",
			srcPath, vm.Name, types.ErrInUse)
	}
	return nil
}

func (c *Controller) rollback(path string, created bool) {
	if !created {
		return
	}
	if err := c.driver.Delete(path); err != nil && !errors.Is(err, types.ErrNotFound) {
		c.logger.Error().Err(err).Str("path", path).Msg("rollback failed to delete backing object")
	}
	if err := c.meta.Delete(path); err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("rollback failed to delete metadata")
	}
}

// Remove deletes a volume: backing object, metadata, ledger row. A volume
// attached to a live VM is refused; a stale attachment is recovered first.
// Busy-class delete failures are retried a bounded number of times.
func (c *Controller) Remove(ctx context.Context, tenant *types.Tenant, ds datastore.Datastore, name string) error {
	path := c.resolver.VolumePath(c.resolver.TenantDir(ds, tenant.ID), name)

	exists, err := c.driver.Exists(path)
	if err != nil {
		return err
	}
	if !exists {
		// Converge leftover rows from a crashed earlier removal.
		c.meta.Delete(path)
		c.ledger.RemoveVolume(tenant.ID, ds.URL, name)
		return fmt.Errorf("volume %q: %w", name, types.ErrNotFound)
	}

	rec, err := c.meta.Load(path)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if rec != nil {
		if _, attached := rec.Attached(); attached {
			if c.recoverer == nil {
				return fmt.Errorf("volume %q is attached: %w", name, types.ErrInUse)
			}
			if err := c.recoverer.RecoverStale(ctx, path, rec); err != nil {
				return err
			}
		}
	}

	if err := c.deleteBacking(path); err != nil {
		return err
	}
	if err := c.meta.Delete(path); err != nil {
		return err
	}
	if err := c.ledger.RemoveVolume(tenant.ID, ds.URL, name); err != nil {
		return err
	}

	c.logger.Info().Str("volume", name).Str("datastore", ds.Name).Msg("volume removed")
	return nil
}

// deleteBacking retries busy-class failures; anything else fails immediately.
func (c *Controller) deleteBacking(path string) error {
	var lastErr error
	retry.Retry(func(attempt uint) error {
		lastErr = c.driver.Delete(path)
		if lastErr != nil && errors.Is(lastErr, types.ErrInUse) {
			c.logger.Warn().Uint("attempt", attempt).Str("path", path).Msg("backing object busy, retrying delete")
			return lastErr
		}
		return nil
	}, strategy.Limit(c.delRetries), strategy.Wait(c.delDelay))
	return lastErr
}

// Get returns the merged read-only view of one volume.
func (c *Controller) Get(_ context.Context, tenant *types.Tenant, ds datastore.Datastore, name string) (*types.VolumeInfo, error) {
	path := c.resolver.VolumePath(c.resolver.TenantDir(ds, tenant.ID), name)

	exists, err := c.driver.Exists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("volume %q: %w", name, types.ErrNotFound)
	}

	info := &types.VolumeInfo{
		Name:         name,
		DatastoreURL: ds.URL,
		Path:         path,
		Status:       types.StatusDetached,
	}
	rec, err := c.meta.Load(path)
	if errors.Is(err, types.ErrNotFound) {
		return info, nil
	}
	if err != nil {
		return nil, err
	}

	info.Status = rec.Status
	info.AttachedVMID = rec.AttachedVMID
	info.AttachedVM = rec.AttachedVMName
	info.CapacityMB = rec.CapacityMB
	info.Options = rec.Options
	info.CreatedAt = rec.CreatedAt
	info.CreatedBy = rec.CreatedBy
	return info, nil
}

// List enumerates a tenant's volumes by scanning its directory on every
// known datastore, so it works even when no ledger exists (allow-all mode).
func (c *Controller) List(_ context.Context, tenant *types.Tenant) ([]types.VolumeInfo, error) {
	stores, err := c.registry.List()
	if err != nil {
		return nil, err
	}

	var out []types.VolumeInfo
	for _, ds := range stores {
		dir := c.resolver.TenantDir(ds, tenant.ID)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), datastore.BackingExt) {
				continue
			}
			name := strings.TrimSuffix(e.Name(), datastore.BackingExt)
			info := types.VolumeInfo{
				Name:         name,
				DatastoreURL: ds.URL,
				Path:         c.resolver.VolumePath(dir, name),
				Status:       types.StatusDetached,
			}
			if rec, err := c.meta.Load(info.Path); err == nil {
				info.Status = rec.Status
				info.AttachedVMID = rec.AttachedVMID
				info.AttachedVM = rec.AttachedVMName
				info.CapacityMB = rec.CapacityMB
			}
			out = append(out, info)
		}
	}
	return out, nil
}

func validateName(name string) error {
	if name == "" || len(name) > 100 || !volNamePattern.MatchString(name) {
		return fmt.Errorf("invalid volume name %q: %w", name, types.ErrValidation)
	}
	return nil
}

func validateOptions(opts map[string]string) error {
	for key := range opts {
		if !allowedOpts[key] {
			return fmt.Errorf("unknown option %q: %w", key, types.ErrValidation)
		}
	}
	return nil
}
