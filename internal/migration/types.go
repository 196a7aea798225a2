// Package migration contains the orchestration engine: the transfer planner,
// the per-job state machine, the progress tracker and the data model shared
// between them.
package migration

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StorageKind is the backend technology holding a VM disk. The values match
// the storage type names reported by the cluster API.
type StorageKind string

const (
	KindDirectory StorageKind = "dir"
	KindNFS       StorageKind = "nfs"
	KindCIFS      StorageKind = "cifs"
	KindLVM       StorageKind = "lvm"
	KindLVMThin   StorageKind = "lvmthin"
	KindZFS       StorageKind = "zfspool"
	KindRBD       StorageKind = "rbd"
)

var supportedKinds = map[StorageKind]bool{
	KindDirectory: true,
	KindNFS:       true,
	KindCIFS:      true,
	KindLVM:       true,
	KindLVMThin:   true,
	KindZFS:       true,
	KindRBD:       true,
}

func (k StorageKind) Supported() bool { return supportedKinds[k] }

// FileBased reports whether disks of this kind are ordinary files copyable
// by byte stream, as opposed to logical volumes needing backend-native
// replication commands.
func (k StorageKind) FileBased() bool {
	switch k {
	case KindDirectory, KindNFS, KindCIFS:
		return true
	}
	return false
}

// family groups kinds whose transfer mechanics are interchangeable.
func (k StorageKind) family() string {
	switch k {
	case KindDirectory, KindNFS, KindCIFS:
		return "file"
	case KindLVM, KindLVMThin:
		return "lvm"
	default:
		return string(k)
	}
}

type JobStatus string

const (
	StatusPending       JobStatus = "pending"
	StatusValidating    JobStatus = "validating"
	StatusTransferring  JobStatus = "transferring"
	StatusReconfiguring JobStatus = "reconfiguring"
	StatusCompleted     JobStatus = "completed"
	StatusFailed        JobStatus = "failed"
	StatusCancelled     JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type DiskStatus string

const (
	DiskPending   DiskStatus = "pending"
	DiskCopying   DiskStatus = "copying"
	DiskVerifying DiskStatus = "verifying"
	DiskDone      DiskStatus = "done"
	DiskFailed    DiskStatus = "failed"
	DiskCancelled DiskStatus = "cancelled"
)

func (s DiskStatus) Terminal() bool {
	switch s {
	case DiskDone, DiskFailed, DiskCancelled:
		return true
	}
	return false
}

// Disk is one disk reference of a VM definition.
type Disk struct {
	Device    string // scsi0, virtio1, ...
	Pool      string
	Volume    string
	Format    string
	SizeBytes int64
	Media     string // "cdrom" for ISO drives, which are never migrated
	Options   string // remaining raw options, carried over verbatim
}

// NIC is one network interface of a VM definition.
type NIC struct {
	Device  string // net0, net1, ...
	Model   string // e.g. "virtio=DE:AD:BE:EF:00:01"
	Bridge  string
	VLANTag int
	Options string
}

// VMConfig is a parsed VM definition. Option keys not modeled explicitly
// are carried in Options untouched.
type VMConfig struct {
	VMID    int
	Name    string
	Disks   []Disk
	NICs    []NIC
	Options map[string]string
}

// Pool describes one storage pool on a cluster. Base is the kind-specific
// root: filesystem path for file kinds, volume group (optionally
// vg/thinpool) for lvm, parent dataset for zfs, ceph pool for rbd.
type Pool struct {
	Name       string
	Kind       StorageKind
	Base       string
	AvailBytes int64
}

// Volume is one existing volume inside a pool.
type Volume struct {
	Name      string
	SizeBytes int64
}

// DiskTransfer is one disk's migration unit.
type DiskTransfer struct {
	DiskIndex int
	Device    string

	Kind       StorageKind // source backend kind, reported outward
	TargetKind StorageKind // drives driver dispatch and target allocation

	SourcePool   string
	SourceVolume string
	SourceBase   string
	SourcePath   string

	TargetPool   string
	TargetVolume string
	TargetBase   string
	TargetPath   string

	SizeBytes        int64
	TransferredBytes int64
	Status           DiskStatus
}

// TransferPlan is the planner's output: the full set of disk transfer
// skeletons plus the rewritten VM definition. It is immutable once the
// orchestrator begins executing it and never reused across jobs.
type TransferPlan struct {
	SourceVMID int
	TargetVMID int
	SourceNode string
	TargetNode string

	Transfers    []DiskTransfer
	TargetConfig VMConfig
	UnmappedNICs []string
}

// MigrationJob is one migration attempt. The running job is owned
// exclusively by its orchestrator goroutine; everyone else observes it
// through Tracker snapshots.
type MigrationJob struct {
	ID              uuid.UUID
	SourceClusterID uint
	TargetClusterID uint

	SourceVMID int
	TargetVMID int

	Status       JobStatus
	ErrorKind    ErrorKind
	ErrorMessage string

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time

	UnmappedNICs []string
	Transfers    []DiskTransfer
}

// ClusterAPI is the capability interface of one virtualization cluster.
// The concrete wire client lives outside the core.
type ClusterAPI interface {
	GetVMConfig(ctx context.Context, node string, vmid int) (*VMConfig, error)
	// WriteVMConfig creates or replaces the VM definition on the cluster.
	WriteVMConfig(ctx context.Context, node string, cfg *VMConfig) error
	DeleteVM(ctx context.Context, node string, vmid int) error
	ListStoragePools(ctx context.Context, node string) ([]Pool, error)
	ListVolumes(ctx context.Context, node string, pool string) ([]Volume, error)
	ListVMIDs(ctx context.Context) ([]int, error)
	VMStatus(ctx context.Context, node string, vmid int) (string, error)
	StopVM(ctx context.Context, node string, vmid int) error
}
