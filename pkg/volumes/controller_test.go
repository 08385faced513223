package volumes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hostvol/hostvol/pkg/datastore"
	"github.com/hostvol/hostvol/pkg/metadata"
	"github.com/hostvol/hostvol/pkg/types"
	"github.com/hostvol/hostvol/pkg/vmruntime"
)

type memMeta struct {
	recs     map[string]*metadata.Record
	failSave bool
}

func newMemMeta() *memMeta {
	return &memMeta{recs: make(map[string]*metadata.Record)}
}

func (m *memMeta) Load(path string) (*metadata.Record, error) {
	rec, ok := m.recs[path]
	if !ok {
		return nil, fmt.Errorf("metadata for %s: %w", path, types.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (m *memMeta) Save(path string, rec *metadata.Record) error {
	if m.failSave {
		return errors.New("metadata write failed")
	}
	cp := *rec
	m.recs[path] = &cp
	return nil
}

func (m *memMeta) Delete(path string) error {
	delete(m.recs, path)
	return nil
}

type fakeLedger struct {
	rows map[string]uint64
	adds int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[string]uint64)}
}

func (l *fakeLedger) AddVolume(u types.VolumeUsage) error {
	key := u.TenantID + "/" + u.DatastoreURL + "/" + u.VolumeName
	if _, ok := l.rows[key]; ok {
		return fmt.Errorf("volume %q: %w", u.VolumeName, types.ErrExists)
	}
	l.rows[key] = u.VolumeSizeMB
	l.adds++
	return nil
}

func (l *fakeLedger) RemoveVolume(tenantID, dsURL, name string) error {
	delete(l.rows, tenantID+"/"+dsURL+"/"+name)
	return nil
}

type fixture struct {
	ctrl    *Controller
	ds      datastore.Datastore
	tenant  *types.Tenant
	meta    *memMeta
	ledger  *fakeLedger
	runtime *vmruntime.Fake
	res     *datastore.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "ds1"), 0755); err != nil {
		t.Fatal(err)
	}

	reg := datastore.NewRegistry(datastore.DirProber{Root: root})
	res := datastore.NewResolver()
	meta := newMemMeta()
	ledger := newFakeLedger()
	rt := vmruntime.NewFake()

	ds, err := reg.GetByName("ds1")
	if err != nil {
		t.Fatalf("GetByName() error = %v", err)
	}

	return &fixture{
		ctrl:    NewController(NewLocalDriver(), meta, ledger, res, reg, rt, 3, time.Millisecond),
		ds:      ds,
		tenant:  &types.Tenant{ID: "tid-1", Name: "finance"},
		meta:    meta,
		ledger:  ledger,
		runtime: rt,
		res:     res,
	}
}

func (f *fixture) create(t *testing.T, name string, opts map[string]string) {
	t.Helper()
	err := f.ctrl.Create(context.Background(), CreateRequest{
		Tenant: f.tenant, Datastore: f.ds, Name: name, Options: opts, CreatedBy: "web-vm",
	})
	if err != nil {
		t.Fatalf("Create(%s) error = %v", name, err)
	}
}

func (f *fixture) path(name string) string {
	return f.res.VolumePath(f.res.TenantDir(f.ds, f.tenant.ID), name)
}

func TestCreateGetAndIdempotentRetry(t *testing.T) {
	f := newFixture(t)

	f.create(t, "data", map[string]string{types.OptSize: "1GB"})

	info, err := f.ctrl.Get(context.Background(), f.tenant, f.ds, "data")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if info.Status != types.StatusDetached {
		t.Errorf("Status = %q, want detached", info.Status)
	}
	if info.CapacityMB != 1024 {
		t.Errorf("CapacityMB = %d, want 1024", info.CapacityMB)
	}
	if info.CreatedBy != "web-vm" {
		t.Errorf("CreatedBy = %q, want web-vm", info.CreatedBy)
	}

	// A client retry after a timeout converges with one ledger row.
	f.create(t, "data", map[string]string{types.OptSize: "1GB"})
	if f.ledger.adds != 1 || len(f.ledger.rows) != 1 {
		t.Errorf("ledger adds = %d, rows = %d, want 1 and 1", f.ledger.adds, len(f.ledger.rows))
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		opts map[string]string
	}{
		{"bad/name", nil},
		{"", nil},
		{"ok", map[string]string{"bogus": "x"}},
		{"ok", map[string]string{types.OptSize: "fast"}},
	}
	for _, tc := range cases {
		err := f.ctrl.Create(ctx, CreateRequest{Tenant: f.tenant, Datastore: f.ds, Name: tc.name, Options: tc.opts})
		if !errors.Is(err, types.ErrValidation) {
			t.Errorf("Create(%q, %v) error = %v, want ErrValidation", tc.name, tc.opts, err)
		}
	}
}

func TestCreateRollsBackOnMetadataFailure(t *testing.T) {
	f := newFixture(t)
	f.meta.failSave = true

	err := f.ctrl.Create(context.Background(), CreateRequest{
		Tenant: f.tenant, Datastore: f.ds, Name: "data",
	})
	if err == nil {
		t.Fatal("Create() succeeded despite metadata failure")
	}

	if _, statErr := os.Stat(f.path("data")); !os.IsNotExist(statErr) {
		t.Error("backing object left behind after failed create")
	}
	if len(f.ledger.rows) != 0 {
		t.Error("ledger row left behind after failed create")
	}
}

func TestCloneFrom(t *testing.T) {
	f := newFixture(t)
	f.create(t, "src", nil)

	clone := func(name string) error {
		return f.ctrl.Create(context.Background(), CreateRequest{
			Tenant: f.tenant, Datastore: f.ds, Name: name,
			Options:    map[string]string{types.OptCloneFrom: "src"},
			SourcePath: f.path("src"),
		})
	}

	if err := clone("copy1"); err != nil {
		t.Fatalf("clone error = %v", err)
	}
	if _, err := os.Stat(f.path("copy1")); err != nil {
		t.Errorf("clone target missing: %v", err)
	}

	// A source attached to a running VM cannot be copied.
	f.runtime.AddVM(vmruntime.VM{ID: "vm-1", Name: "web", Power: vmruntime.PoweredOn})
	rec, _ := f.meta.Load(f.path("src"))
	rec.SetAttached("vm-1", "web", types.AttachInfo{})
	f.meta.Save(f.path("src"), rec)

	if err := clone("copy2"); !errors.Is(err, types.ErrInUse) {
		t.Errorf("clone of attached source error = %v, want ErrInUse", err)
	}

	// Powered off, the copy is allowed.
	f.runtime.SetPower("vm-1", vmruntime.PoweredOff)
	if err := clone("copy3"); err != nil {
		t.Errorf("clone with powered-off owner error = %v", err)
	}
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	f.create(t, "data", nil)

	if err := f.ctrl.Remove(context.Background(), f.tenant, f.ds, "data"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(f.path("data")); !os.IsNotExist(err) {
		t.Error("backing object still present after remove")
	}
	if len(f.ledger.rows) != 0 {
		t.Error("ledger row still present after remove")
	}

	err := f.ctrl.Remove(context.Background(), f.tenant, f.ds, "data")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
}

type recoverFunc func(ctx context.Context, volPath string, rec *metadata.Record) error

func (f recoverFunc) RecoverStale(ctx context.Context, volPath string, rec *metadata.Record) error {
	return f(ctx, volPath, rec)
}

func TestRemoveAttachedDelegatesToRecovery(t *testing.T) {
	f := newFixture(t)
	f.create(t, "data", nil)

	rec, _ := f.meta.Load(f.path("data"))
	rec.SetAttached("vm-1", "web", types.AttachInfo{})
	f.meta.Save(f.path("data"), rec)

	// Recovery says the volume is genuinely in use.
	f.ctrl.SetStaleRecoverer(recoverFunc(func(context.Context, string, *metadata.Record) error {
		return fmt.Errorf("attached to running VM: %w", types.ErrInUse)
	}))
	err := f.ctrl.Remove(context.Background(), f.tenant, f.ds, "data")
	if !errors.Is(err, types.ErrInUse) {
		t.Fatalf("Remove() error = %v, want ErrInUse", err)
	}

	// Recovery clears the stale attachment and removal proceeds.
	f.ctrl.SetStaleRecoverer(recoverFunc(func(_ context.Context, path string, rec *metadata.Record) error {
		rec.SetDetached()
		return f.meta.Save(path, rec)
	}))
	if err := f.ctrl.Remove(context.Background(), f.tenant, f.ds, "data"); err != nil {
		t.Fatalf("Remove() after recovery error = %v", err)
	}
}

type busyDriver struct {
	*LocalDriver
	busyLeft int
	attempts int
}

func (d *busyDriver) Delete(path string) error {
	d.attempts++
	if d.busyLeft > 0 {
		d.busyLeft--
		return fmt.Errorf("backing object busy: %w", types.ErrInUse)
	}
	return d.LocalDriver.Delete(path)
}

func TestRemoveRetriesBusyDelete(t *testing.T) {
	f := newFixture(t)
	f.create(t, "data", nil)

	driver := &busyDriver{LocalDriver: NewLocalDriver(), busyLeft: 2}
	f.ctrl.driver = driver

	if err := f.ctrl.Remove(context.Background(), f.tenant, f.ds, "data"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if driver.attempts != 3 {
		t.Errorf("delete attempts = %d, want 3", driver.attempts)
	}

	// Exhausted retries surface the busy error.
	f.create(t, "data2", nil)
	driver.busyLeft = 10
	err := f.ctrl.Remove(context.Background(), f.tenant, f.ds, "data2")
	if !errors.Is(err, types.ErrInUse) {
		t.Errorf("Remove() with persistent busy error = %v, want ErrInUse", err)
	}
}

func TestList(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a", nil)
	f.create(t, "b", map[string]string{types.OptSize: "200MB"})

	vols, err := f.ctrl.List(context.Background(), f.tenant)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(vols) != 2 {
		t.Fatalf("List() returned %d volumes, want 2", len(vols))
	}

	// Another tenant sees nothing.
	other := &types.Tenant{ID: "tid-2", Name: "other"}
	vols, err = f.ctrl.List(context.Background(), other)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(vols) != 0 {
		t.Errorf("List() for other tenant returned %d volumes, want 0", len(vols))
	}
}
