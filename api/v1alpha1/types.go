// Package v1alpha1 holds the JSON types of the dashboard-facing HTTP API.
package v1alpha1

import (
	"time"

	"github.com/google/uuid"
)

type Error struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

type Cluster struct {
	ID        uint      `json:"id"`
	Name      string    `json:"name"`
	APIHost   string    `json:"apiHost"`
	APIUser   string    `json:"apiUser"`
	SSHUser   string    `json:"sshUser"`
	CreatedAt time.Time `json:"createdAt"`
}

// ClusterForm carries credentials on create/update. Secret fields are write
// only: they never appear in a Cluster response and are never logged.
type ClusterForm struct {
	Name           string `json:"name" validate:"required"`
	APIHost        string `json:"apiHost" validate:"required,hostname_port|hostname|ip"`
	APIUser        string `json:"apiUser" validate:"required"`
	APITokenName   string `json:"apiTokenName" validate:"required"`
	APITokenSecret string `json:"apiTokenSecret" validate:"required"`
	SSHUser        string `json:"sshUser"`
	SSHPassword    string `json:"sshPassword"`
	SSHPrivateKey  string `json:"sshPrivateKey"`
}

type MigrationForm struct {
	SourceClusterID uint   `json:"sourceClusterId" validate:"required"`
	TargetClusterID uint   `json:"targetClusterId" validate:"required"`
	SourceNode      string `json:"sourceNode" validate:"required"`
	TargetNode      string `json:"targetNode" validate:"required"`
	VMID            int    `json:"vmId" validate:"required,gt=0"`
	// Requested target VM ID; 0 lets the planner pick the next free one.
	TargetVMID int `json:"targetVmId" validate:"gte=0"`
	// Source storage pool name -> target storage pool name. Required.
	StorageMappings map[string]string `json:"storageMappings" validate:"required,min=1"`
	// Source bridge -> target bridge. Interfaces without an entry keep their
	// bridge and are reported as unmapped.
	NetworkMappings map[string]string `json:"networkMappings"`
}

type DiskTransfer struct {
	DiskIndex        int    `json:"diskIndex"`
	Device           string `json:"device"`
	StorageKind      string `json:"storageKind"`
	SourceVolume     string `json:"sourceVolume"`
	TargetVolume     string `json:"targetVolume"`
	SizeBytes        int64  `json:"sizeBytes"`
	TransferredBytes int64  `json:"transferredBytes"`
	Status           string `json:"status"`
}

type MigrationJob struct {
	ID              uuid.UUID      `json:"id"`
	SourceClusterID uint           `json:"sourceClusterId"`
	TargetClusterID uint           `json:"targetClusterId"`
	SourceVMID      int            `json:"sourceVmId"`
	TargetVMID      int            `json:"targetVmId"`
	Status          string         `json:"status"`
	ErrorKind       string         `json:"errorKind,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	FinishedAt      *time.Time     `json:"finishedAt,omitempty"`
	UnmappedNICs    []string       `json:"unmappedNics,omitempty"`
	Disks           []DiskTransfer `json:"disks"`
}

type MigrationJobList struct {
	Items []MigrationJob `json:"items"`
}
