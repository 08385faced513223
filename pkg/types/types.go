package types

import (
	"time"
)

// ProtocolVersion is the version of the logical request/response contract
// between guest-side clients and this service. Requests carrying a different
// version are rejected before any other processing.
const ProtocolVersion = 2

// Commands accepted by the dispatcher ("cmd" in a request).
const (
	CmdCreate = "create"
	CmdRemove = "remove"
	CmdGet    = "get"
	CmdList   = "list"
	CmdAttach = "attach"
	CmdDetach = "detach"
)

// Volume option keys accepted by create. Anything else is a validation error.
const (
	OptSize      = "size"
	OptPolicy    = "policy"
	OptFormat    = "format"
	OptAttachAs  = "attach-as"
	OptAccess    = "access"
	OptFilesys   = "fstype"
	OptCloneFrom = "clone-from"
)

// Defaults applied when create options are omitted.
const (
	DefaultDiskSize = "100mb"
	DefaultFormat   = "thin"
	DefaultAttachAs = "independent_persistent"
	DefaultAccess   = "read-write"
	DefaultFilesys  = "ext4"
)

// Well-known default tenant. Every VM that is not a member of any tenant is
// attributed to it, when it exists.
const (
	DefaultTenantName  = "_DEFAULT"
	DefaultTenantUUID  = "11111111-1111-1111-1111-111111111111"
	DefaultTenantDescr = "This is a default vmgroup"
)

// Sentinel datastores. AllDatastores is the wildcard consulted when no
// exact-match privilege exists; VMDatastore stands for the datastore the
// requesting VM itself lives on.
const (
	AllDatastores    = "__ALL_DS"
	AllDatastoresURL = "__ALL_DS_URL"
	VMDatastore      = "__VM_DS"
	VMDatastoreURL   = "__VM_DS_URL"
)

// Tenant is a named group of VMs sharing authorization and quota settings.
// User-facing tooling calls this a "vmgroup".
type Tenant struct {
	ID                  string
	Name                string
	Description         string
	DefaultDatastoreURL string
	VMs                 []VMMember
	Privileges          []Privilege
}

// VMMember is a VM belonging to a tenant. A VM belongs to at most one tenant.
type VMMember struct {
	VMID   string
	VMName string
}

// Privilege grants a tenant access to one datastore. Zero for MaxVolumeSizeMB
// or UsageQuotaMB means unlimited.
type Privilege struct {
	TenantID        string
	DatastoreURL    string
	AllowCreate     bool
	MaxVolumeSizeMB uint64
	UsageQuotaMB    uint64
}

// VolumeUsage is one row of the quota ledger: a volume created by a tenant on
// a datastore, with its size. The per-(tenant, datastore) sum is the ledger.
type VolumeUsage struct {
	TenantID     string
	DatastoreURL string
	VolumeName   string
	VolumeSizeMB uint64
}

// Attachment status values stored in volume metadata.
const (
	StatusAttached = "attached"
	StatusDetached = "detached"
)

// AttachInfo identifies the virtual device position a volume is attached at.
type AttachInfo struct {
	ControllerBus int `json:"bus"`
	Unit          int `json:"unit"`
}

// VolumeInfo is the merged read-only view of a volume returned by get.
type VolumeInfo struct {
	Name         string
	DatastoreURL string
	Path         string
	Status       string
	AttachedVMID string
	AttachedVM   string
	CapacityMB   uint64
	Options      map[string]string
	CreatedAt    time.Time
	CreatedBy    string
}

// Request is the logical request shape delivered by the guest-to-host
// listener. VolumeName is "name" or "name@datastore".
type Request struct {
	ProtocolVersion int               `json:"version"`
	Command         string            `json:"cmd"`
	VolumeName      string            `json:"name"`
	Options         map[string]string `json:"opts,omitempty"`
	VMID            string            `json:"vm_id"`
}

// Response carries a command-specific payload or an error string, never both.
type Response struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"Error,omitempty"`
}
