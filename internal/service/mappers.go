package service

import (
	api "github.com/proxmove/proxmove/api/v1alpha1"
	"github.com/proxmove/proxmove/internal/migration"
)

func apiJobFromMigration(job migration.MigrationJob) api.MigrationJob {
	disks := make([]api.DiskTransfer, 0, len(job.Transfers))
	for _, t := range job.Transfers {
		disks = append(disks, api.DiskTransfer{
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
	return api.MigrationJob{
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
		UnmappedNICs:    job.UnmappedNICs,
		Disks:           disks,
	}
}
