package store

import (
	"gorm.io/gorm"
)

type Store interface {
	Cluster() Cluster
	Job() Job
	InitialMigration() error
	Close() error
}

type DataStore struct {
	db      *gorm.DB
	cluster Cluster
	job     Job
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		db:      db,
		cluster: NewClusterStore(db),
		job:     NewJobStore(db),
	}
}

func (s *DataStore) Cluster() Cluster {
	return s.cluster
}

func (s *DataStore) Job() Job {
	return s.job
}

func (s *DataStore) InitialMigration() error {
	if err := s.cluster.InitialMigration(); err != nil {
		return err
	}
	return s.job.InitialMigration()
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
