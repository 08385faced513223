package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostvol/hostvol/pkg/attach"
	"github.com/hostvol/hostvol/pkg/authorize"
	"github.com/hostvol/hostvol/pkg/datastore"
	"github.com/hostvol/hostvol/pkg/locks"
	"github.com/hostvol/hostvol/pkg/metadata"
	"github.com/hostvol/hostvol/pkg/tenantstore"
	"github.com/hostvol/hostvol/pkg/types"
	"github.com/hostvol/hostvol/pkg/vmruntime"
	"github.com/hostvol/hostvol/pkg/volumes"
)

type testEnv struct {
	d       *Dispatcher
	store   *tenantstore.Store
	runtime *vmruntime.Fake
}

func newTestEnv(t *testing.T, initStore bool) *testEnv {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "ds1"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "ds2"), 0755))

	registry := datastore.NewRegistry(datastore.DirProber{Root: root})
	resolver := datastore.NewResolver()

	store, err := tenantstore.Open(filepath.Join(t.TempDir(), "tenants.db"), registry, resolver)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	if initStore {
		require.NoError(t, store.Init())
	}

	meta, err := metadata.NewBoltStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	rt := vmruntime.NewFake()
	rt.AddVM(vmruntime.VM{ID: "vm-1", Name: "web", DatastoreURL: "ds://ds1", Power: vmruntime.PoweredOn})

	vols := volumes.NewController(volumes.NewLocalDriver(), meta, store, resolver, registry, rt, 3, time.Millisecond)
	att := attach.NewController(rt, meta, time.Minute)
	vols.SetStaleRecoverer(att)

	d := NewDispatcher(authorize.NewEngine(store), registry, resolver, vols, att, rt, locks.NewRegistry())
	return &testEnv{d: d, store: store, runtime: rt}
}

func (e *testEnv) request(cmd, volName, vmID string, opts map[string]string) types.Response {
	return e.d.HandleRequest(context.Background(), types.Request{
		ProtocolVersion: types.ProtocolVersion,
		Command:         cmd,
		VolumeName:      volName,
		Options:         opts,
		VMID:            vmID,
	})
}

func TestProtocolVersionMismatch(t *testing.T) {
	e := newTestEnv(t, false)

	resp := e.d.HandleRequest(context.Background(), types.Request{
		ProtocolVersion: types.ProtocolVersion + 1,
		Command:         types.CmdList,
		VMID:            "vm-1",
	})
	assert.Contains(t, resp.Error, "protocol version")
}

func TestUnknownCommand(t *testing.T) {
	e := newTestEnv(t, false)

	resp := e.request("defragment", "vol", "vm-1", nil)
	assert.NotEmpty(t, resp.Error)
}

func TestVolumeLifecycleAllowAll(t *testing.T) {
	e := newTestEnv(t, false)

	resp := e.request(types.CmdCreate, "data", "vm-1", map[string]string{types.OptSize: "1GB"})
	require.Empty(t, resp.Error)

	resp = e.request(types.CmdGet, "data", "vm-1", nil)
	require.Empty(t, resp.Error)
	info, ok := resp.Result.(*types.VolumeInfo)
	require.True(t, ok)
	assert.Equal(t, "ds://ds1", info.DatastoreURL)
	assert.Equal(t, types.StatusDetached, info.Status)

	resp = e.request(types.CmdAttach, "data", "vm-1", nil)
	require.Empty(t, resp.Error)
	ai, ok := resp.Result.(*types.AttachInfo)
	require.True(t, ok)
	assert.Equal(t, 0, ai.ControllerBus)

	// Attached volumes cannot be removed.
	resp = e.request(types.CmdRemove, "data", "vm-1", nil)
	assert.Contains(t, resp.Error, "attached")

	resp = e.request(types.CmdDetach, "data", "vm-1", nil)
	require.Empty(t, resp.Error)

	resp = e.request(types.CmdRemove, "data", "vm-1", nil)
	require.Empty(t, resp.Error)

	resp = e.request(types.CmdList, "", "vm-1", nil)
	require.Empty(t, resp.Error)
	assert.Empty(t, resp.Result.([]types.VolumeInfo))
}

func TestExplicitDatastoreSuffix(t *testing.T) {
	e := newTestEnv(t, false)

	resp := e.request(types.CmdCreate, "data@ds2", "vm-1", nil)
	require.Empty(t, resp.Error)

	resp = e.request(types.CmdGet, "data@ds2", "vm-1", nil)
	require.Empty(t, resp.Error)
	assert.Equal(t, "ds://ds2", resp.Result.(*types.VolumeInfo).DatastoreURL)

	// The volume is not on the VM's own datastore.
	resp = e.request(types.CmdGet, "data", "vm-1", nil)
	assert.NotEmpty(t, resp.Error)

	resp = e.request(types.CmdCreate, "other@nope", "vm-1", nil)
	assert.NotEmpty(t, resp.Error)
}

func TestCloneThroughDispatcher(t *testing.T) {
	e := newTestEnv(t, false)

	resp := e.request(types.CmdCreate, "src", "vm-1", map[string]string{types.OptSize: "200MB"})
	require.Empty(t, resp.Error)

	resp = e.request(types.CmdCreate, "copy", "vm-1", map[string]string{types.OptCloneFrom: "src"})
	require.Empty(t, resp.Error)

	resp = e.request(types.CmdGet, "copy", "vm-1", nil)
	require.Empty(t, resp.Error)
}

func TestAuthorizationEnforced(t *testing.T) {
	e := newTestEnv(t, true)

	// Put vm-1 in a tenant that may mount but not create on ds1.
	tenant, err := e.store.CreateTenant("finance", "", []types.VMMember{{VMID: "vm-1", VMName: "web"}}, nil)
	require.NoError(t, err)
	require.NoError(t, e.store.UpsertPrivilege(tenant.ID, types.Privilege{
		DatastoreURL: "ds://ds1", AllowCreate: false,
	}))

	resp := e.request(types.CmdCreate, "data", "vm-1", nil)
	assert.Contains(t, resp.Error, "may not create")

	// Granting create rights unblocks it.
	require.NoError(t, e.store.UpsertPrivilege(tenant.ID, types.Privilege{
		DatastoreURL: "ds://ds1", AllowCreate: true,
	}))
	resp = e.request(types.CmdCreate, "data", "vm-1", nil)
	require.Empty(t, resp.Error)

	// No privilege on ds2 at all: denied.
	resp = e.request(types.CmdCreate, "data@ds2", "vm-1", nil)
	assert.Contains(t, resp.Error, "no access")
}

func TestQuotaEnforcedThroughDispatcher(t *testing.T) {
	e := newTestEnv(t, true)

	tenant, err := e.store.CreateTenant("finance", "", []types.VMMember{{VMID: "vm-1"}}, nil)
	require.NoError(t, err)
	require.NoError(t, e.store.UpsertPrivilege(tenant.ID, types.Privilege{
		DatastoreURL: "ds://ds1", AllowCreate: true, UsageQuotaMB: 300,
	}))

	resp := e.request(types.CmdCreate, "a", "vm-1", map[string]string{types.OptSize: "200MB"})
	require.Empty(t, resp.Error)

	resp = e.request(types.CmdCreate, "b", "vm-1", map[string]string{types.OptSize: "200MB"})
	assert.Contains(t, resp.Error, "quota")

	// The denied create left no ledger row behind.
	used, err := e.store.TotalStorageUsedMB(tenant.ID, "ds://ds1")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), used)
}

func TestListDegradesWithoutTenant(t *testing.T) {
	e := newTestEnv(t, true)

	// Remove the default tenant so unplaced VMs resolve to nothing.
	require.NoError(t, e.store.RemoveTenant(types.DefaultTenantUUID, false))

	resp := e.request(types.CmdList, "", "vm-1", nil)
	require.Empty(t, resp.Error)
	assert.Empty(t, resp.Result.([]types.VolumeInfo))

	// Mutations against the same gap fail loudly instead.
	resp = e.request(types.CmdCreate, "data", "vm-1", nil)
	assert.NotEmpty(t, resp.Error)
}

func TestInternalErrorsAreGeneric(t *testing.T) {
	e := newTestEnv(t, false)

	// An unknown VM is a plain not-found, surfaced as-is.
	resp := e.request(types.CmdCreate, "data", "vm-ghost", nil)
	assert.Contains(t, resp.Error, "not found")
}
