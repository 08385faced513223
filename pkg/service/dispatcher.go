// Package service dispatches logical volume requests: protocol check, tenant
// and datastore resolution, authorization, per-resource locking and routing
// to the lifecycle or attachment controller.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hostvol/hostvol/pkg/attach"
	"github.com/hostvol/hostvol/pkg/authorize"
	"github.com/hostvol/hostvol/pkg/datastore"
	"github.com/hostvol/hostvol/pkg/locks"
	"github.com/hostvol/hostvol/pkg/log"
	"github.com/hostvol/hostvol/pkg/metrics"
	"github.com/hostvol/hostvol/pkg/types"
	"github.com/hostvol/hostvol/pkg/vmruntime"
	"github.com/hostvol/hostvol/pkg/volumes"
)

// Dispatcher handles one logical request at a time per named resource; the
// transport listener runs one goroutine per inbound request.
type Dispatcher struct {
	auth     *authorize.Engine
	registry *datastore.Registry
	resolver *datastore.Resolver
	volumes  *volumes.Controller
	attach   *attach.Controller
	runtime  vmruntime.Runtime
	locks    *locks.Registry
	logger   zerolog.Logger
}

// NewDispatcher wires the request path together.
func NewDispatcher(auth *authorize.Engine, registry *datastore.Registry,
	resolver *datastore.Resolver, vols *volumes.Controller,
	att *attach.Controller, runtime vmruntime.Runtime, lockReg *locks.Registry) *Dispatcher {
	return &Dispatcher{
		auth:     auth,
		registry: registry,
		resolver: resolver,
		volumes:  vols,
		attach:   att,
		runtime:  runtime,
		locks:    lockReg,
		logger:   log.WithComponent("dispatcher"),
	}
}

// HandleRequest executes one request and always returns a response; no
// request failure propagates beyond it.
func (d *Dispatcher) HandleRequest(ctx context.Context, req types.Request) types.Response {
	started := time.Now()
	result, err := d.handle(ctx, req)
	metrics.ObserveRequest(req.Command, err, started)

	if err != nil {
		return types.Response{Error: d.userError(req, err)}
	}
	return types.Response{Result: result}
}

// userError maps an error to the caller-visible message. Internal failures
// are logged in full and returned as a generic message so schema and I/O
// detail stays on the host.
func (d *Dispatcher) userError(req types.Request, err error) string {
	for _, known := range []error{
		types.ErrValidation, types.ErrDenied, types.ErrQuotaExceeded,
		types.ErrNotFound, types.ErrExists, types.ErrInUse,
		types.ErrNoCapacity, types.ErrNotInitialized, types.ErrVersionMismatch,
	} {
		if errors.Is(err, known) {
			return err.Error()
		}
	}

	d.logger.Error().Err(err).Str("cmd", req.Command).Str("volume", req.VolumeName).
		Str("vm", req.VMID).Msg("request failed")
	return fmt.Sprintf("unable to %s %q, see the host log for details", req.Command, req.VolumeName)
}

func (d *Dispatcher) handle(ctx context.Context, req types.Request) (any, error) {
	if req.ProtocolVersion != types.ProtocolVersion {
		return nil, fmt.Errorf("client speaks protocol version %d, this service requires %d: %w",
			req.ProtocolVersion, types.ProtocolVersion, types.ErrVersionMismatch)
	}

	switch req.Command {
	case types.CmdList:
		return d.list(ctx, req)
	case types.CmdCreate, types.CmdRemove, types.CmdGet, types.CmdAttach, types.CmdDetach:
		return d.volumeOp(ctx, req)
	default:
		return nil, fmt.Errorf("unknown command %q: %w", req.Command, types.ErrValidation)
	}
}

// list degrades gracefully: a VM that cannot be resolved to a tenant gets an
// empty list, since pollers should not hard-fail on a transient tenancy gap.
func (d *Dispatcher) list(ctx context.Context, req types.Request) (any, error) {
	tenant, err := d.auth.ResolveTenant(req.VMID)
	if err != nil {
		d.logger.Warn().Str("vm", req.VMID).Err(err).Msg("list without resolvable tenant, returning empty")
		return []types.VolumeInfo{}, nil
	}
	vols, err := d.volumes.List(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if vols == nil {
		vols = []types.VolumeInfo{}
	}
	return vols, nil
}

func (d *Dispatcher) volumeOp(ctx context.Context, req types.Request) (any, error) {
	volName, dsName := splitVolumeName(req.VolumeName)
	if volName == "" {
		return nil, fmt.Errorf("volume name must not be empty: %w", types.ErrValidation)
	}

	vm, err := d.runtime.FindVM(ctx, req.VMID)
	if err != nil {
		return nil, err
	}
	tenant, err := d.auth.ResolveTenant(req.VMID)
	if err != nil {
		return nil, err
	}

	ds, err := d.effectiveDatastore(dsName, tenant, vm)
	if err != nil {
		return nil, err
	}

	if _, err := d.auth.Authorize(req.VMID, vm.DatastoreURL, ds.URL, req.Command, req.Options); err != nil {
		return nil, err
	}

	volPath := d.resolver.VolumePath(d.resolver.TenantDir(ds, tenant.ID), volName)

	switch req.Command {
	case types.CmdGet:
		// Read-only, no lock.
		return d.volumes.Get(ctx, tenant, ds, volName)

	case types.CmdCreate:
		return nil, d.create(ctx, req, tenant, vm, ds, volName)

	case types.CmdRemove:
		lock := d.locks.Acquire(volumeLockName(ds.URL, tenant.ID, volName))
		defer lock.Release()
		return nil, d.volumes.Remove(ctx, tenant, ds, volName)

	case types.CmdAttach:
		// Attach and detach serialize on the VM, whose device list they edit.
		lock := d.locks.Acquire(req.VMID)
		defer lock.Release()
		if _, err := d.volumes.Get(ctx, tenant, ds, volName); err != nil {
			return nil, err
		}
		return d.attach.Attach(ctx, req.VMID, volPath)

	case types.CmdDetach:
		lock := d.locks.Acquire(req.VMID)
		defer lock.Release()
		return nil, d.attach.Detach(ctx, req.VMID, volPath)
	}
	return nil, fmt.Errorf("unknown command %q: %w", req.Command, types.ErrValidation)
}

func (d *Dispatcher) create(ctx context.Context, req types.Request,
	tenant *types.Tenant, vm *vmruntime.VM, ds datastore.Datastore, volName string) error {

	creq := volumes.CreateRequest{
		Tenant:    tenant,
		Datastore: ds,
		Name:      volName,
		Options:   req.Options,
		CreatedBy: vm.Name,
	}

	lockNames := []string{volumeLockName(ds.URL, tenant.ID, volName)}

	if src := req.Options[types.OptCloneFrom]; src != "" {
		srcName, srcDSName := splitVolumeName(src)
		srcDS := ds
		if srcDSName != "" {
			var err error
			if srcDS, err = d.registry.GetByName(srcDSName); err != nil {
				return err
			}
		}
		// Reading the source needs a privilege on its datastore too.
		if _, err := d.auth.Authorize(req.VMID, vm.DatastoreURL, srcDS.URL, types.CmdGet, nil); err != nil {
			return err
		}
		creq.SourcePath = d.resolver.VolumePath(d.resolver.TenantDir(srcDS, tenant.ID), srcName)
		lockNames = append(lockNames, volumeLockName(srcDS.URL, tenant.ID, srcName))
	}

	// Locks in name order, so crossing clones cannot deadlock. A clone naming
	// itself as source would self-deadlock, so duplicates are dropped.
	sort.Strings(lockNames)
	prev := ""
	for _, name := range lockNames {
		if name == prev {
			continue
		}
		prev = name
		lock := d.locks.Acquire(name)
		defer lock.Release()
	}

	return d.volumes.Create(ctx, creq)
}

// effectiveDatastore picks the datastore a request operates on: the explicit
// one when named, else the tenant's default, else the VM's own datastore.
func (d *Dispatcher) effectiveDatastore(dsName string, tenant *types.Tenant, vm *vmruntime.VM) (datastore.Datastore, error) {
	if dsName != "" {
		return d.registry.GetByName(dsName)
	}

	url := tenant.DefaultDatastoreURL
	if url == "" || url == types.VMDatastoreURL {
		url = vm.DatastoreURL
	}
	if url == "" {
		return datastore.Datastore{}, fmt.Errorf("no datastore for request and VM %q has none: %w",
			vm.ID, types.ErrNotFound)
	}
	return d.registry.GetByURL(url)
}

func volumeLockName(dsURL, tenantID, volName string) string {
	return dsURL + "." + tenantID + "." + volName
}

// splitVolumeName splits "name@datastore" into its parts.
func splitVolumeName(full string) (name, ds string) {
	parts := strings.SplitN(full, "@", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return full, ""
}
