package datastore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hostvol/hostvol/pkg/types"
)

type fakeProber struct {
	stores []Datastore
	probes int
}

func (p *fakeProber) Probe() ([]Datastore, error) {
	p.probes++
	return p.stores, nil
}

func TestRegistryLazyLoadAndMissRefresh(t *testing.T) {
	p := &fakeProber{stores: []Datastore{{Name: "ds1", URL: "ds://ds1", RootPath: "/mnt/ds1"}}}
	r := NewRegistry(p)

	ds, err := r.GetByName("ds1")
	if err != nil {
		t.Fatalf("GetByName() error = %v", err)
	}
	if ds.URL != "ds://ds1" {
		t.Errorf("URL = %q, want ds://ds1", ds.URL)
	}
	if p.probes != 1 {
		t.Errorf("probes = %d, want 1 (lazy load)", p.probes)
	}

	// A miss triggers exactly one refresh before reporting not-found.
	_, err = r.GetByName("ds2")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetByName(ds2) error = %v, want ErrNotFound", err)
	}
	if p.probes != 2 {
		t.Errorf("probes = %d, want 2 (refresh on miss)", p.probes)
	}

	// A newly mounted datastore is found through the same path.
	p.stores = append(p.stores, Datastore{Name: "ds2", URL: "ds://ds2", RootPath: "/mnt/ds2"})
	if _, err := r.GetByURL("ds://ds2"); err != nil {
		t.Errorf("GetByURL(ds://ds2) after mount error = %v", err)
	}
}

func TestResolverCreatesDirAndSymlink(t *testing.T) {
	root := t.TempDir()
	ds := Datastore{Name: "ds1", URL: "ds://ds1", RootPath: root}
	r := NewResolver()

	dir, err := r.Resolve(ds, "uuid-1", "finance")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := filepath.Join(root, VolumesDir, "uuid-1")
	if dir != want {
		t.Errorf("Resolve() = %q, want %q", dir, want)
	}

	link := filepath.Join(root, VolumesDir, "finance")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("Readlink() error = %v", err)
	}
	if target != "uuid-1" {
		t.Errorf("symlink target = %q, want uuid-1", target)
	}

	// Second resolve is idempotent.
	if _, err := r.Resolve(ds, "uuid-1", "finance"); err != nil {
		t.Errorf("second Resolve() error = %v", err)
	}
}

func TestResolverRenameTenantLink(t *testing.T) {
	root := t.TempDir()
	ds := Datastore{Name: "ds1", RootPath: root}
	r := NewResolver()

	if _, err := r.Resolve(ds, "uuid-1", "finance"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if err := r.RenameTenantLink(ds, "uuid-1", "finance", "payments"); err != nil {
		t.Fatalf("RenameTenantLink() error = %v", err)
	}

	target, err := os.Readlink(filepath.Join(root, VolumesDir, "payments"))
	if err != nil {
		t.Fatalf("Readlink() error = %v", err)
	}
	if target != "uuid-1" {
		t.Errorf("renamed symlink target = %q, want uuid-1", target)
	}

	// Datastore without the tenant directory is skipped quietly.
	other := Datastore{Name: "ds2", RootPath: t.TempDir()}
	if err := r.RenameTenantLink(other, "uuid-1", "finance", "payments"); err != nil {
		t.Errorf("RenameTenantLink() on empty datastore error = %v", err)
	}
}

func TestDirProber(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"ds1", "ds2"} {
		if err := os.Mkdir(filepath.Join(root, name), 0755); err != nil {
			t.Fatal(err)
		}
	}

	stores, err := DirProber{Root: root}.Probe()
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if len(stores) != 2 {
		t.Fatalf("Probe() found %d datastores, want 2", len(stores))
	}
}
