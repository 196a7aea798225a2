package migration

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxmove/proxmove/internal/migration/driver"
	"github.com/proxmove/proxmove/internal/sshtunnel"
)

type testRig struct {
	orch   *Orchestrator
	source *fakeCluster
	target *fakeCluster
	srcCh  *fakeHost
	dstCh  *fakeHost
	sink   *recordedSink

	mu        sync.Mutex
	dialCount int
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		source: newFakeCluster(),
		target: newFakeCluster(),
		srcCh:  newFakeHost("src.example"),
		dstCh:  newFakeHost("dst.example"),
		sink:   &recordedSink{},
	}

	rig.source.configs[100] = &VMConfig{
		VMID: 100,
		Name: "web",
		Disks: []Disk{
			{Device: "scsi0", Pool: "local", Volume: "100/vm-100-disk-0.qcow2", SizeBytes: 32},
		},
		NICs:    []NIC{{Device: "net0", Model: "virtio=DE:AD:BE:EF:00:01", Bridge: "vmbr0"}},
		Options: map[string]string{"cores": "2"},
	}
	rig.source.pools = []Pool{{Name: "local", Kind: KindDirectory, Base: "/var/lib/vz"}}
	rig.target.pools = []Pool{{Name: "tank", Kind: KindDirectory, Base: "/mnt/tank"}}
	rig.target.vmids = []int{100}
	rig.srcCh.files["/var/lib/vz/images/100/vm-100-disk-0.qcow2"] = bytes.Repeat([]byte("d"), 32)

	dial := func(ctx context.Context, ep sshtunnel.Endpoint) (driver.Channel, func() error, error) {
		rig.mu.Lock()
		rig.dialCount++
		rig.mu.Unlock()
		if ep.Host == "src.example" {
			return rig.srcCh, func() error { return nil }, nil
		}
		return rig.dstCh, func() error { return nil }, nil
	}

	rig.orch = NewOrchestrator(Options{
		WorkerCap:       2,
		JobTimeout:      10 * time.Second,
		ShutdownTimeout: time.Second,
		Driver:          driver.Options{ChunkSize: 8, MaxRetries: 2, RetryBackoff: time.Millisecond},
	}, NewTracker(), dial, rig.sink)
	return rig
}

func (r *testRig) startRequest() StartRequest {
	return StartRequest{
		SourceClusterID: 1,
		TargetClusterID: 2,
		SourceNode:      "pve1",
		TargetNode:      "pve9",
		SourceVMID:      100,
		PoolMap:         map[string]string{"local": "tank"},
		NetworkMap:      map[string]string{"vmbr0": "vmbr1"},
		SourceAPI:       r.source,
		TargetAPI:       r.target,
		SourceSSH:       sshtunnel.Endpoint{Host: "src.example", User: "root", Password: "x"},
		TargetSSH:       sshtunnel.Endpoint{Host: "dst.example", User: "root", Password: "x"},
	}
}

func (r *testRig) waitTerminal(t *testing.T, id uuid.UUID) MigrationJob {
	t.Helper()
	var job MigrationJob
	require.Eventually(t, func() bool {
		snap, ok := r.orch.Snapshot(id)
		if !ok || !snap.Status.Terminal() {
			return false
		}
		job = snap
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func TestMigrationCompletes(t *testing.T) {
	rig := newTestRig(t)

	id, err := rig.orch.Start(rig.startRequest())
	require.NoError(t, err)
	job := rig.waitTerminal(t, id)

	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, KindNone, job.ErrorKind)
	assert.Equal(t, 101, job.TargetVMID)
	require.NotNil(t, job.FinishedAt)

	require.Len(t, job.Transfers, 1)
	assert.Equal(t, DiskDone, job.Transfers[0].Status)
	assert.Equal(t, int64(32), job.Transfers[0].TransferredBytes)

	// disk content arrived and the staging file is gone
	data, ok := rig.dstCh.files["/mnt/tank/images/101/vm-101-disk-0.qcow2"]
	require.True(t, ok)
	assert.Equal(t, bytes.Repeat([]byte("d"), 32), data)
	_, partial := rig.dstCh.files["/mnt/tank/images/101/vm-101-disk-0.qcow2.partial"]
	assert.False(t, partial)

	// the rewritten definition reached the target cluster
	require.NotNil(t, rig.target.written)
	assert.Equal(t, "web-migrated", rig.target.written.Name)
	assert.Equal(t, 101, rig.target.written.VMID)
	assert.Equal(t, "vmbr1", rig.target.written.NICs[0].Bridge)

	finished := rig.sink.finished()
	require.Len(t, finished, 1)
	assert.Equal(t, StatusCompleted, finished[0].Status)
}

func TestMigrationStopsRunningSourceVM(t *testing.T) {
	rig := newTestRig(t)
	rig.source.status[100] = "running"

	id, err := rig.orch.Start(rig.startRequest())
	require.NoError(t, err)
	job := rig.waitTerminal(t, id)

	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 1, rig.source.stopCalls)
}

func TestMigrationTargetPathConflict(t *testing.T) {
	rig := newTestRig(t)
	rig.target.volumes["tank"] = []Volume{{Name: "101/vm-101-disk-0.qcow2"}}

	id, err := rig.orch.Start(rig.startRequest())
	require.NoError(t, err)
	job := rig.waitTerminal(t, id)

	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, KindTargetPathConflict, job.ErrorKind)

	// planning failed before any remote side effect
	assert.Equal(t, 0, rig.dialCount)
	assert.Nil(t, rig.target.written)
	assert.Empty(t, rig.dstCh.files)
}

func TestMigrationMutualExclusionPerSourceVM(t *testing.T) {
	rig := newTestRig(t)
	rig.source.blockGet = make(chan struct{})

	id, err := rig.orch.Start(rig.startRequest())
	require.NoError(t, err)

	_, err = rig.orch.Start(rig.startRequest())
	require.Error(t, err)
	var inProgress *ErrJobAlreadyInProgress
	assert.ErrorAs(t, err, &inProgress)

	close(rig.source.blockGet)
	job := rig.waitTerminal(t, id)
	assert.Equal(t, StatusCompleted, job.Status)

	// the lock is free again once the job is terminal
	id2, err := rig.orch.Start(rig.startRequest())
	require.NoError(t, err)
	rig.waitTerminal(t, id2)
}

func TestMigrationCancel(t *testing.T) {
	rig := newTestRig(t)
	rig.source.blockGet = make(chan struct{})

	id, err := rig.orch.Start(rig.startRequest())
	require.NoError(t, err)
	require.NoError(t, rig.orch.Cancel(id))

	job := rig.waitTerminal(t, id)
	assert.Equal(t, StatusCancelled, job.Status)
	// cancellation is a terminal path, not an error
	assert.Equal(t, KindNone, job.ErrorKind)
	assert.Empty(t, job.ErrorMessage)
}

func TestMigrationTransferFailureRollsBack(t *testing.T) {
	rig := newTestRig(t)
	rig.srcCh.statErr = &sshtunnel.CommandError{Cmd: "stat", ExitCode: 1, Stderr: "no such file"}

	id, err := rig.orch.Start(rig.startRequest())
	require.NoError(t, err)
	job := rig.waitTerminal(t, id)

	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, KindRemoteCommandFailed, job.ErrorKind)
	assert.NotEmpty(t, job.ErrorMessage)
	assert.Equal(t, DiskFailed, job.Transfers[0].Status)

	// rollback removed target-side artifacts and left the source alone
	assert.Contains(t, rig.dstCh.removed, "/mnt/tank/images/101/vm-101-disk-0.qcow2.partial")
	assert.Contains(t, rig.srcCh.files, "/var/lib/vz/images/100/vm-100-disk-0.qcow2")
	assert.Empty(t, rig.srcCh.removed)
}

func TestMigrationReconfigureFailureDeletesTargetVM(t *testing.T) {
	rig := newTestRig(t)
	rig.target.writeErr = &sshtunnel.CommandError{Cmd: "create", ExitCode: 1, Stderr: "boom"}

	id, err := rig.orch.Start(rig.startRequest())
	require.NoError(t, err)
	job := rig.waitTerminal(t, id)

	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, rig.target.deleted, 101)
}

func TestMigrationMixedDisksFailFast(t *testing.T) {
	rig := newTestRig(t)

	// second disk lives on zfs; the fake hosts cannot start block
	// pipelines, so its transfer fails with a remote command error
	rig.source.configs[100].Disks = append(rig.source.configs[100].Disks,
		Disk{Device: "scsi1", Pool: "rpool", Volume: "vm-100-disk-1", SizeBytes: 64})
	rig.source.pools = append(rig.source.pools, Pool{Name: "rpool", Kind: KindZFS, Base: "rpool/vm"})
	rig.target.pools = append(rig.target.pools, Pool{Name: "rtank", Kind: KindZFS, Base: "rtank/vm"})

	req := rig.startRequest()
	req.PoolMap["rpool"] = "rtank"

	id, err := rig.orch.Start(req)
	require.NoError(t, err)
	job := rig.waitTerminal(t, id)

	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, KindRemoteCommandFailed, job.ErrorKind)

	// rollback left nothing of this job on the target
	assert.NotContains(t, rig.dstCh.files, "/mnt/tank/images/101/vm-101-disk-0.qcow2")
	assert.NotContains(t, rig.dstCh.files, "/mnt/tank/images/101/vm-101-disk-0.qcow2.partial")
	assert.Nil(t, rig.target.written)

	// the source is untouched
	assert.Contains(t, rig.srcCh.files, "/var/lib/vz/images/100/vm-100-disk-0.qcow2")
	assert.Empty(t, rig.srcCh.removed)
}

func TestCancelUnknownJob(t *testing.T) {
	rig := newTestRig(t)
	assert.Error(t, rig.orch.Cancel(uuid.New()))
}

func TestOrchestratorShutdownWaitsForJobs(t *testing.T) {
	rig := newTestRig(t)
	rig.source.blockGet = make(chan struct{})

	id, err := rig.orch.Start(rig.startRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rig.orch.Shutdown(ctx))

	job, ok := rig.orch.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, job.Status)
}
