package migration

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Tracker is the lock-guarded progress store. The orchestrator pushes
// updates into it; readers only ever get deep copies, so a snapshot taken
// mid-transfer is internally consistent and never mutated afterwards.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*MigrationJob
}

func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[uuid.UUID]*MigrationJob)}
}

func (tr *Tracker) Register(job *MigrationJob) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	c := cloneJob(job)
	tr.jobs[job.ID] = &c
}

// UpdateJob applies mutate to the stored job under the write lock.
func (tr *Tracker) UpdateJob(id uuid.UUID, mutate func(*MigrationJob)) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if job, ok := tr.jobs[id]; ok {
		mutate(job)
	}
}

// UpdateDisk overwrites one disk's progress. Byte counts never go
// backwards and terminal disk statuses are sticky, so a late or reordered
// update cannot make reported progress regress.
func (tr *Tracker) UpdateDisk(id uuid.UUID, diskIndex int, transferred int64, status DiskStatus) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	job, ok := tr.jobs[id]
	if !ok || diskIndex < 0 || diskIndex >= len(job.Transfers) {
		return
	}
	t := &job.Transfers[diskIndex]
	if t.Status.Terminal() {
		return
	}
	if transferred > t.TransferredBytes {
		t.TransferredBytes = transferred
	}
	if t.SizeBytes > 0 && t.TransferredBytes > t.SizeBytes {
		t.TransferredBytes = t.SizeBytes
	}
	if status != "" {
		t.Status = status
	}
}

// SetDiskSize records the measured size of a disk before copying starts.
func (tr *Tracker) SetDiskSize(id uuid.UUID, diskIndex int, size int64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	job, ok := tr.jobs[id]
	if !ok || diskIndex < 0 || diskIndex >= len(job.Transfers) {
		return
	}
	job.Transfers[diskIndex].SizeBytes = size
}

func (tr *Tracker) Snapshot(id uuid.UUID) (MigrationJob, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	job, ok := tr.jobs[id]
	if !ok {
		return MigrationJob{}, false
	}
	return cloneJob(job), true
}

// List returns snapshots of every known job, newest first.
func (tr *Tracker) List() []MigrationJob {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]MigrationJob, 0, len(tr.jobs))
	for _, job := range tr.jobs {
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (tr *Tracker) CountByStatus() map[JobStatus]int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	counts := make(map[JobStatus]int)
	for _, job := range tr.jobs {
		counts[job.Status]++
	}
	return counts
}

func cloneJob(job *MigrationJob) MigrationJob {
	c := *job
	c.Transfers = append([]DiskTransfer(nil), job.Transfers...)
	c.UnmappedNICs = append([]string(nil), job.UnmappedNICs...)
	if job.StartedAt != nil {
		t := *job.StartedAt
		c.StartedAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		c.FinishedAt = &t
	}
	return c
}
