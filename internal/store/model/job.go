package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	api "github.com/proxmove/proxmove/api/v1alpha1"
	"github.com/proxmove/proxmove/internal/migration"
)

// Job is the persisted record of one terminal migration. Live jobs exist
// only in the tracker; a row is written once, when the job finishes.
type Job struct {
	ID              uuid.UUID `gorm:"primaryKey"`
	SourceClusterID uint      `gorm:"index"`
	TargetClusterID uint
	SourceVMID      int `gorm:"index"`
	TargetVMID      int

	Status       string `gorm:"index"`
	ErrorKind    string
	ErrorMessage string

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time

	UnmappedNICs []byte `gorm:"type:jsonb"`
	Disks        []byte `gorm:"type:jsonb"`
}

type JobList []Job

func NewJobFromMigration(job migration.MigrationJob) *Job {
	disks, _ := json.Marshal(diskResources(job.Transfers))
	nics, _ := json.Marshal(job.UnmappedNICs)
	return &Job{
		ID:              job.ID,
		SourceClusterID: job.SourceClusterID,
		TargetClusterID: job.TargetClusterID,
		SourceVMID:      job.SourceVMID,
		TargetVMID:      job.TargetVMID,
		Status:          string(job.Status),
		ErrorKind:       string(job.ErrorKind),
		ErrorMessage:    job.ErrorMessage,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		FinishedAt:      job.FinishedAt,
		UnmappedNICs:    nics,
		Disks:           disks,
	}
}

func (j Job) ToApiResource() api.MigrationJob {
	var disks []api.DiskTransfer
	_ = json.Unmarshal(j.Disks, &disks)
	var nics []string
	_ = json.Unmarshal(j.UnmappedNICs, &nics)
	return api.MigrationJob{
		ID:              j.ID,
		SourceClusterID: j.SourceClusterID,
		TargetClusterID: j.TargetClusterID,
		SourceVMID:      j.SourceVMID,
		TargetVMID:      j.TargetVMID,
		Status:          j.Status,
		ErrorKind:       j.ErrorKind,
		ErrorMessage:    j.ErrorMessage,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
		UnmappedNICs:    nics,
		Disks:           disks,
	}
}

func (jl JobList) ToApiResource() api.MigrationJobList {
	items := make([]api.MigrationJob, 0, len(jl))
	for _, j := range jl {
		items = append(items, j.ToApiResource())
	}
	return api.MigrationJobList{Items: items}
}

func diskResources(transfers []migration.DiskTransfer) []api.DiskTransfer {
	out := make([]api.DiskTransfer, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, api.DiskTransfer{
			DiskIndex:        t.DiskIndex,
			Device:           t.Device,
			StorageKind:      string(t.Kind),
			SourceVolume:     t.SourceVolume,
			TargetVolume:     t.TargetVolume,
			SizeBytes:        t.SizeBytes,
			TransferredBytes: t.TransferredBytes,
			Status:           string(t.Status),
		})
	}
	return out
}
