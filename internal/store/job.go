package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/proxmove/proxmove/internal/store/model"
)

type Job interface {
	List(ctx context.Context) (model.JobList, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Job, error)
	// Record upserts the terminal state of a job. Finishing twice (e.g.
	// after a crash replay) keeps the latest record.
	Record(ctx context.Context, job *model.Job) error
	InitialMigration() error
}

type JobStore struct {
	db *gorm.DB
}

// Make sure we conform to Job interface
var _ Job = (*JobStore)(nil)

func NewJobStore(db *gorm.DB) Job {
	return &JobStore{db: db}
}

func (s *JobStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Job{})
}

func (s *JobStore) List(ctx context.Context) (model.JobList, error) {
	var jobs model.JobList
	result := s.db.WithContext(ctx).Order("created_at DESC").Find(&jobs)
	if result.Error != nil {
		return nil, result.Error
	}
	return jobs, nil
}

func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	var job model.Job
	result := s.db.WithContext(ctx).First(&job, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, result.Error
	}
	return &job, nil
}

func (s *JobStore) Record(ctx context.Context, job *model.Job) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(job)
	return result.Error
}
