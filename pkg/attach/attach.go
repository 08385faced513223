// Package attach owns the attach/detach state machine: device slot
// allocation under the hypervisor's controller limits, idempotent
// re-attachment and recovery of attachments left behind by powered-off or
// deleted VMs.
package attach

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/hostvol/hostvol/pkg/log"
	"github.com/hostvol/hostvol/pkg/metadata"
	"github.com/hostvol/hostvol/pkg/types"
	"github.com/hostvol/hostvol/pkg/vmruntime"
)

// Device addressing limits of the virtual disk controller type in use. Unit 7
// is reserved by the controller itself and never allocated.
const (
	MaxControllers     = 4
	UnitsPerController = 16
	ReservedUnit       = 7
)

// Controller drives attach and detach.
type Controller struct {
	runtime vmruntime.Runtime
	meta    metadata.Store

	// timeout bounds every reconfiguration; the hypervisor offers no
	// cancellation of its own and can stall a task indefinitely.
	timeout time.Duration

	logger zerolog.Logger
}

// NewController creates an attachment controller.
func NewController(runtime vmruntime.Runtime, meta metadata.Store, timeout time.Duration) *Controller {
	return &Controller{
		runtime: runtime,
		meta:    meta,
		timeout: timeout,
		logger:  log.WithComponent("attach"),
	}
}

// Attach connects the volume at volPath to a VM and returns the device
// position. Attaching a volume already attached to the same VM returns the
// recorded position without touching the VM. An attachment held by another
// VM is recovered first when stale, or refused when that VM still runs.
func (c *Controller) Attach(ctx context.Context, vmID, volPath string) (*types.AttachInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	vm, err := c.runtime.FindVM(ctx, vmID)
	if err != nil {
		return nil, err
	}

	rec, err := c.meta.Load(volPath)
	if errors.Is(err, types.ErrNotFound) {
		rec = metadata.NewRecord(nil, 0, "")
	} else if err != nil {
		return nil, err
	}

	if owner, attached := rec.Attached(); attached {
		if owner == vmID && rec.Attachment != nil {
			info := *rec.Attachment
			return &info, nil
		}
		if owner != vmID {
			if err := c.RecoverStale(ctx, volPath, rec); err != nil {
				return nil, err
			}
		}
	}

	info, err := c.allocateSlot(ctx, vmID)
	if err != nil {
		return nil, err
	}

	if err := c.runtime.AttachDisk(ctx, vmID, volPath, info.ControllerBus, info.Unit); err != nil {
		return nil, fmt.Errorf("failed to attach %s to VM %s: %w", volPath, vmID, err)
	}

	rec.SetAttached(vmID, vm.Name, info)
	if err := c.meta.Save(volPath, rec); err != nil {
		return nil, fmt.Errorf("failed to record attachment of %s: %w", volPath, err)
	}

	c.logger.Info().Str("volume", volPath).Str("vm", vmID).
		Int("bus", info.ControllerBus).Int("unit", info.Unit).Msg("volume attached")
	return &info, nil
}

// allocateSlot finds the first free device position: an existing controller
// with a free unit, else a fresh controller while under the platform limit.
func (c *Controller) allocateSlot(ctx context.Context, vmID string) (types.AttachInfo, error) {
	controllers, err := c.runtime.Controllers(ctx, vmID)
	if err != nil {
		return types.AttachInfo{}, err
	}
	disks, err := c.runtime.Disks(ctx, vmID)
	if err != nil {
		return types.AttachInfo{}, err
	}

	occupied := make(map[int]map[int]bool)
	for _, d := range disks {
		if occupied[d.Bus] == nil {
			occupied[d.Bus] = make(map[int]bool)
		}
		occupied[d.Bus][d.Unit] = true
	}

	sort.Slice(controllers, func(i, j int) bool { return controllers[i].Bus < controllers[j].Bus })

	usedBus := make(map[int]bool, len(controllers))
	for _, ctl := range controllers {
		usedBus[ctl.Bus] = true
		for unit := 0; unit < UnitsPerController; unit++ {
			if unit == ReservedUnit || occupied[ctl.Bus][unit] {
				continue
			}
			return types.AttachInfo{ControllerBus: ctl.Bus, Unit: unit}, nil
		}
	}

	if len(controllers) >= MaxControllers {
		return types.AttachInfo{}, fmt.Errorf("VM %s has no free device slot: %w", vmID, types.ErrNoCapacity)
	}

	for bus := 0; bus < MaxControllers; bus++ {
		if usedBus[bus] {
			continue
		}
		if err := c.runtime.AddController(ctx, vmID, bus); err != nil {
			return types.AttachInfo{}, fmt.Errorf("failed to add controller at bus %d to VM %s: %w", bus, vmID, err)
		}
		return types.AttachInfo{ControllerBus: bus, Unit: 0}, nil
	}
	return types.AttachInfo{}, fmt.Errorf("VM %s has no free device slot: %w", vmID, types.ErrNoCapacity)
}

// Detach disconnects a volume from a VM. A volume whose device is already
// gone from the VM is treated as detached, so duplicate detach requests
// succeed.
func (c *Controller) Detach(ctx context.Context, vmID, volPath string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.runtime.DetachDisk(ctx, vmID, volPath)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("failed to detach %s from VM %s: %w", volPath, vmID, err)
	}

	rec, err := c.meta.Load(volPath)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rec.SetDetached()
	if err := c.meta.Save(volPath, rec); err != nil {
		return fmt.Errorf("failed to record detachment of %s: %w", volPath, err)
	}

	c.logger.Info().Str("volume", volPath).Str("vm", vmID).Msg("volume detached")
	return nil
}

// RecoverStale clears an attachment whose owner VM is gone or powered off.
// An owner that still runs means the volume is genuinely in use, which is
// refused. The record is updated in place and persisted.
func (c *Controller) RecoverStale(ctx context.Context, volPath string, rec *metadata.Record) error {
	owner, attached := rec.Attached()
	if !attached {
		return nil
	}

	vm, err := c.runtime.FindVM(ctx, owner)
	if errors.Is(err, types.ErrNotFound) {
		c.logger.Warn().Str("volume", volPath).Str("vm", owner).
			Msg("attachment owner no longer exists, resetting attachment state")
		rec.SetDetached()
		return c.meta.Save(volPath, rec)
	}
	if err != nil {
		return err
	}

	if vm.Power == vmruntime.PoweredOn {
		return fmt.Errorf("volume %s is attached to running VM %q: %w", volPath, vm.Name, types.ErrInUse)
	}

	c.logger.Warn().Str("volume", volPath).Str("vm", owner).
		Msg("attachment owner is powered off, detaching on its behalf")
	if err := c.runtime.DetachDisk(ctx, owner, volPath); err != nil && !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("failed to detach %s from powered-off VM %s: %w", volPath, owner, err)
	}
	rec.SetDetached()
	return c.meta.Save(volPath, rec)
}
