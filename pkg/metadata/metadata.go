// Package metadata persists the per-volume sidecar blob: attachment state,
// validated create options and provenance. The blob lives beside the volume,
// not in the relational store; attachment fields are owned by the attachment
// controller, the rest by the volume lifecycle controller.
package metadata

import (
	"time"

	"github.com/hostvol/hostvol/pkg/types"
)

// Record is the per-volume metadata blob, keyed by backing-object path.
type Record struct {
	Status         string            `json:"status"`
	AttachedVMID   string            `json:"attached_vm_id,omitempty"`
	AttachedVMName string            `json:"attached_vm_name,omitempty"`
	Attachment     *types.AttachInfo `json:"attachment,omitempty"`

	Options    map[string]string `json:"opts,omitempty"`
	CapacityMB uint64            `json:"capacity_mb,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	CreatedBy  string            `json:"created_by,omitempty"`
}

// NewRecord returns a detached record for a freshly created volume.
func NewRecord(opts map[string]string, capacityMB uint64, createdBy string) *Record {
	return &Record{
		Status:     types.StatusDetached,
		Options:    opts,
		CapacityMB: capacityMB,
		CreatedAt:  time.Now().UTC(),
		CreatedBy:  createdBy,
	}
}

// SetAttached marks the record attached to the given VM at the given slot.
func (r *Record) SetAttached(vmID, vmName string, info types.AttachInfo) {
	r.Status = types.StatusAttached
	r.AttachedVMID = vmID
	r.AttachedVMName = vmName
	r.Attachment = &info
}

// SetDetached clears the attachment fields.
func (r *Record) SetDetached() {
	r.Status = types.StatusDetached
	r.AttachedVMID = ""
	r.AttachedVMName = ""
	r.Attachment = nil
}

// Attached reports whether the record claims an attachment, and to which VM.
func (r *Record) Attached() (string, bool) {
	if r.Status != types.StatusAttached || r.AttachedVMID == "" {
		return "", false
	}
	return r.AttachedVMID, true
}

// Store loads and saves per-volume metadata blobs keyed by volume path.
type Store interface {
	// Load returns the record for volPath, or types.ErrNotFound.
	Load(volPath string) (*Record, error)

	// Save writes the record for volPath, replacing any previous one.
	Save(volPath string, rec *Record) error

	// Delete removes the record for volPath. Absent records are fine.
	Delete(volPath string) error
}
