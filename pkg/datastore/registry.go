// Package datastore tracks the storage pools visible to the host and maps
// (datastore, tenant) pairs to on-disk volume directories.
package datastore

import (
	"fmt"
	"os"
	"sync"

	"github.com/hostvol/hostvol/pkg/log"
	"github.com/hostvol/hostvol/pkg/types"
)

// Datastore is a storage pool: a stable URL, a human name and a mount root.
type Datastore struct {
	Name     string
	URL      string
	RootPath string
}

// Prober enumerates the datastores currently visible to the host.
type Prober interface {
	Probe() ([]Datastore, error)
}

// Registry caches the datastore list. The cache is populated lazily on first
// lookup and can be refreshed explicitly; lookups that miss trigger one
// refresh before reporting not-found, so newly mounted datastores are picked
// up without restarting the service.
type Registry struct {
	mu     sync.Mutex
	prober Prober
	byName map[string]Datastore
	byURL  map[string]Datastore
	loaded bool
}

// NewRegistry creates a registry backed by the given prober.
func NewRegistry(prober Prober) *Registry {
	return &Registry{
		prober: prober,
		byName: make(map[string]Datastore),
		byURL:  make(map[string]Datastore),
	}
}

// Refresh re-probes the datastore list, replacing the cache.
func (r *Registry) Refresh() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked()
}

func (r *Registry) refreshLocked() error {
	stores, err := r.prober.Probe()
	if err != nil {
		return fmt.Errorf("failed to probe datastores: %w", err)
	}

	r.byName = make(map[string]Datastore, len(stores))
	r.byURL = make(map[string]Datastore, len(stores))
	for _, ds := range stores {
		r.byName[ds.Name] = ds
		r.byURL[ds.URL] = ds
	}
	r.loaded = true

	logger := log.WithComponent("datastore")
	logger.Debug().Int("count", len(stores)).Msg("datastore cache refreshed")
	return nil
}

// List returns all known datastores, probing on first use.
func (r *Registry) List() ([]Datastore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		if err := r.refreshLocked(); err != nil {
			return nil, err
		}
	}

	out := make([]Datastore, 0, len(r.byName))
	for _, ds := range r.byName {
		out = append(out, ds)
	}
	return out, nil
}

// GetByName resolves a datastore by name, refreshing the cache on a miss.
func (r *Registry) GetByName(name string) (Datastore, error) {
	return r.lookup(name, func() (Datastore, bool) {
		ds, ok := r.byName[name]
		return ds, ok
	})
}

// GetByURL resolves a datastore by URL, refreshing the cache on a miss.
func (r *Registry) GetByURL(url string) (Datastore, error) {
	return r.lookup(url, func() (Datastore, bool) {
		ds, ok := r.byURL[url]
		return ds, ok
	})
}

func (r *Registry) lookup(key string, get func() (Datastore, bool)) (Datastore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		if ds, ok := get(); ok {
			return ds, nil
		}
	}

	if err := r.refreshLocked(); err != nil {
		return Datastore{}, err
	}
	if ds, ok := get(); ok {
		return ds, nil
	}
	return Datastore{}, fmt.Errorf("datastore %q: %w", key, types.ErrNotFound)
}

// DirProber discovers datastores as the immediate subdirectories of a root
// mount directory, the way storage pools appear under /vmfs/volumes.
type DirProber struct {
	Root string
}

// Probe implements Prober.
func (p DirProber) Probe() ([]Datastore, error) {
	entries, err := os.ReadDir(p.Root)
	if err != nil {
		return nil, err
	}

	var stores []Datastore
	for _, e := range entries {
		if !e.IsDir() && e.Type()&os.ModeSymlink == 0 {
			continue
		}
		name := e.Name()
		stores = append(stores, Datastore{
			Name:     name,
			URL:      "ds://" + name,
			RootPath: p.Root + "/" + name,
		})
	}
	return stores, nil
}
