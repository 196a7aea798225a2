package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/proxmove/proxmove/internal/events"
	"github.com/proxmove/proxmove/internal/migration"
	"github.com/proxmove/proxmove/internal/store"
	"github.com/proxmove/proxmove/internal/store/model"
)

// EventWriter is the producer surface the service emits on.
type EventWriter interface {
	Write(ctx context.Context, kind string, body io.Reader) error
}

// JobRecorder receives terminal jobs from the orchestrator, persists them
// to the job history and publishes the terminal event. Both actions are
// best-effort: a history write failure never resurrects a finished job.
type JobRecorder struct {
	store  store.Store
	writer EventWriter
}

func NewJobRecorder(s store.Store, w EventWriter) *JobRecorder {
	return &JobRecorder{store: s, writer: w}
}

var _ migration.JobSink = (*JobRecorder)(nil)

func (r *JobRecorder) JobFinished(job migration.MigrationJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := r.store.Job().Record(ctx, model.NewJobFromMigration(job)); err != nil {
		zap.S().Named("recorder").Errorw("failed to persist job history", "job", job.ID.String(), "error", err)
	}

	if r.writer == nil {
		return
	}
	event := events.JobEvent{
		JobID:           job.ID.String(),
		SourceClusterID: job.SourceClusterID,
		TargetClusterID: job.TargetClusterID,
		SourceVMID:      job.SourceVMID,
		TargetVMID:      job.TargetVMID,
		Status:          string(job.Status),
		ErrorKind:       string(job.ErrorKind),
		FinishedAt:      job.FinishedAt,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := r.writer.Write(ctx, events.JobMessageKind, bytes.NewBuffer(data)); err != nil {
		zap.S().Named("recorder").Errorw("failed to write event", "error", err, "event_kind", events.JobMessageKind)
	}
}
