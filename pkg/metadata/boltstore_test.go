package metadata

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/hostvol/hostvol/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Load("/vols/absent.vmdk")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestSaveLoadDelete(t *testing.T) {
	s := newTestStore(t)
	path := "/vols/data.vmdk"

	rec := NewRecord(map[string]string{types.OptSize: "1GB"}, 1024, "web-vm")
	rec.SetAttached("vm-1", "web-vm", types.AttachInfo{ControllerBus: 0, Unit: 3})

	if err := s.Save(path, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Status != types.StatusAttached {
		t.Errorf("Status = %q, want attached", got.Status)
	}
	if got.AttachedVMID != "vm-1" || got.Attachment == nil || got.Attachment.Unit != 3 {
		t.Errorf("attachment fields not round-tripped: %+v", got)
	}
	if got.CapacityMB != 1024 || got.Options[types.OptSize] != "1GB" {
		t.Errorf("volume fields not round-tripped: %+v", got)
	}

	if err := s.Delete(path); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Load(path); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Load() after Delete error = %v, want ErrNotFound", err)
	}

	// Deleting a missing record is not an error.
	if err := s.Delete(path); err != nil {
		t.Errorf("Delete() on missing record error = %v", err)
	}
}

func TestAttachedHelper(t *testing.T) {
	rec := NewRecord(nil, 0, "")
	if _, ok := rec.Attached(); ok {
		t.Error("fresh record reports attached")
	}

	rec.SetAttached("vm-9", "db-vm", types.AttachInfo{ControllerBus: 1, Unit: 0})
	vm, ok := rec.Attached()
	if !ok || vm != "vm-9" {
		t.Errorf("Attached() = (%q, %v), want (vm-9, true)", vm, ok)
	}

	rec.SetDetached()
	if _, ok := rec.Attached(); ok {
		t.Error("detached record reports attached")
	}
}
