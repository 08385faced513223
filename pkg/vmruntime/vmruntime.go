// Package vmruntime abstracts the hypervisor operations this service needs:
// finding VMs, reading their power state and reconfiguring their virtual
// disk devices. All reconfiguration calls take a context; the hypervisor can
// stall mid-reconfigure, so callers bound every call with a deadline.
package vmruntime

import (
	"context"
)

// PowerState of a VM.
type PowerState string

const (
	PoweredOn  PowerState = "poweredOn"
	PoweredOff PowerState = "poweredOff"
)

// VM identifies a virtual machine and the datastore it lives on.
type VM struct {
	ID           string
	Name         string
	DatastoreURL string
	Power        PowerState
}

// Controller is a virtual disk controller on a VM, identified by bus number.
type Controller struct {
	Bus int
}

// Disk is a virtual disk currently attached to a VM.
type Disk struct {
	Path string
	Bus  int
	Unit int
}

// Runtime is the hypervisor interface. Lookups report not-found when the VM
// does not exist (for example, it was destroyed while a volume was still
// attached to it).
type Runtime interface {
	// FindVM resolves a VM by id.
	FindVM(ctx context.Context, vmID string) (*VM, error)

	// Controllers lists the disk controllers of a VM.
	Controllers(ctx context.Context, vmID string) ([]Controller, error)

	// Disks lists the disks attached to a VM with their device positions.
	Disks(ctx context.Context, vmID string) ([]Disk, error)

	// AddController adds a disk controller at the given bus.
	AddController(ctx context.Context, vmID string, bus int) error

	// AttachDisk attaches the backing at path to the given device position.
	AttachDisk(ctx context.Context, vmID, path string, bus, unit int) error

	// DetachDisk detaches the backing at path wherever it is attached.
	// Detaching a disk that is not attached reports not-found.
	DetachDisk(ctx context.Context, vmID, path string) error
}
