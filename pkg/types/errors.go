package types

import (
	"errors"
	"fmt"
)

// Error taxonomy. Operations wrap these with context via fmt.Errorf and %w so
// callers can classify with errors.Is while messages stay actionable.
var (
	// ErrValidation covers malformed sizes, unknown options and bad names,
	// rejected before any store access.
	ErrValidation = errors.New("validation error")

	// ErrDenied is an authorization failure: no privilege for the command.
	ErrDenied = errors.New("not authorized")

	// ErrQuotaExceeded is returned when a create would push the tenant's
	// usage ledger over its quota, or the volume over the max size.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrNotFound covers absent tenants, VMs, datastores and volumes.
	ErrNotFound = errors.New("not found")

	// ErrExists is a name conflict (tenant or volume already present).
	ErrExists = errors.New("already exists")

	// ErrInUse means a volume is attached to a powered-on VM, or a tenant
	// still owns VMs.
	ErrInUse = errors.New("in use")

	// ErrNoCapacity means no controller slot is free for an attach.
	ErrNoCapacity = errors.New("no capacity")

	// ErrNotInitialized is returned by configuration-mutating operations
	// while the tenant store has never been initialized.
	ErrNotInitialized = errors.New("configuration store not initialized")

	// ErrVersionMismatch is a hard failure at store-open time when the
	// on-disk schema version differs from the one this build expects.
	ErrVersionMismatch = errors.New("schema version mismatch")

	// ErrInternal is what store and I/O failures are reported as to
	// callers; full detail goes to the log only.
	ErrInternal = errors.New("internal error")
)

// InternalError wraps ErrInternal with a short public hint. The caller is
// expected to have logged the detailed cause already.
func InternalError(op string) error {
	return fmt.Errorf("%w during %s", ErrInternal, op)
}
