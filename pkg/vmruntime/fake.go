package vmruntime

import (
	"context"
	"fmt"
	"sync"

	"github.com/hostvol/hostvol/pkg/types"
)

// Fake is an in-memory Runtime used in tests and in local development mode.
type Fake struct {
	mu          sync.Mutex
	vms         map[string]*VM
	controllers map[string][]Controller
	disks       map[string][]Disk
}

// NewFake creates an empty fake runtime.
func NewFake() *Fake {
	return &Fake{
		vms:         make(map[string]*VM),
		controllers: make(map[string][]Controller),
		disks:       make(map[string][]Disk),
	}
}

// AddVM registers a VM with one disk controller at bus 0.
func (f *Fake) AddVM(vm VM) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := vm
	f.vms[vm.ID] = &v
	f.controllers[vm.ID] = []Controller{{Bus: 0}}
}

// RemoveVM deletes a VM, simulating destruction behind the service's back.
func (f *Fake) RemoveVM(vmID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vms, vmID)
	delete(f.controllers, vmID)
	delete(f.disks, vmID)
}

// SetPower flips a VM's power state.
func (f *Fake) SetPower(vmID string, state PowerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vm, ok := f.vms[vmID]; ok {
		vm.Power = state
	}
}

func (f *Fake) FindVM(_ context.Context, vmID string) (*VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[vmID]
	if !ok {
		return nil, fmt.Errorf("VM %q: %w", vmID, types.ErrNotFound)
	}
	v := *vm
	return &v, nil
}

func (f *Fake) Controllers(_ context.Context, vmID string) ([]Controller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vms[vmID]; !ok {
		return nil, fmt.Errorf("VM %q: %w", vmID, types.ErrNotFound)
	}
	return append([]Controller(nil), f.controllers[vmID]...), nil
}

func (f *Fake) Disks(_ context.Context, vmID string) ([]Disk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vms[vmID]; !ok {
		return nil, fmt.Errorf("VM %q: %w", vmID, types.ErrNotFound)
	}
	return append([]Disk(nil), f.disks[vmID]...), nil
}

func (f *Fake) AddController(_ context.Context, vmID string, bus int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vms[vmID]; !ok {
		return fmt.Errorf("VM %q: %w", vmID, types.ErrNotFound)
	}
	for _, c := range f.controllers[vmID] {
		if c.Bus == bus {
			return fmt.Errorf("controller at bus %d: %w", bus, types.ErrExists)
		}
	}
	f.controllers[vmID] = append(f.controllers[vmID], Controller{Bus: bus})
	return nil
}

func (f *Fake) AttachDisk(_ context.Context, vmID, path string, bus, unit int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vms[vmID]; !ok {
		return fmt.Errorf("VM %q: %w", vmID, types.ErrNotFound)
	}
	for _, d := range f.disks[vmID] {
		if d.Bus == bus && d.Unit == unit {
			return fmt.Errorf("device position %d:%d occupied: %w", bus, unit, types.ErrExists)
		}
	}
	f.disks[vmID] = append(f.disks[vmID], Disk{Path: path, Bus: bus, Unit: unit})
	return nil
}

func (f *Fake) DetachDisk(_ context.Context, vmID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vms[vmID]; !ok {
		return fmt.Errorf("VM %q: %w", vmID, types.ErrNotFound)
	}
	disks := f.disks[vmID]
	for i, d := range disks {
		if d.Path == path {
			f.disks[vmID] = append(disks[:i], disks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("disk %q not attached to VM %q: %w", path, vmID, types.ErrNotFound)
}
