package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	api "github.com/proxmove/proxmove/api/v1alpha1"
	"github.com/proxmove/proxmove/internal/store/model"
)

type Cluster interface {
	List(ctx context.Context) (model.ClusterList, error)
	Create(ctx context.Context, form api.ClusterForm) (*model.Cluster, error)
	Get(ctx context.Context, id uint) (*model.Cluster, error)
	Update(ctx context.Context, id uint, form api.ClusterForm) (*model.Cluster, error)
	Delete(ctx context.Context, id uint) error
	InitialMigration() error
}

type ClusterStore struct {
	db *gorm.DB
}

// Make sure we conform to Cluster interface
var _ Cluster = (*ClusterStore)(nil)

func NewClusterStore(db *gorm.DB) Cluster {
	return &ClusterStore{db: db}
}

func (s *ClusterStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Cluster{})
}

func (s *ClusterStore) List(ctx context.Context) (model.ClusterList, error) {
	var clusters model.ClusterList
	result := s.db.WithContext(ctx).Order("id").Find(&clusters)
	if result.Error != nil {
		return nil, result.Error
	}
	return clusters, nil
}

func (s *ClusterStore) Create(ctx context.Context, form api.ClusterForm) (*model.Cluster, error) {
	cluster := model.NewClusterFromApiForm(&form)
	result := s.db.WithContext(ctx).Create(cluster)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, result.Error
	}
	return cluster, nil
}

func (s *ClusterStore) Get(ctx context.Context, id uint) (*model.Cluster, error) {
	var cluster model.Cluster
	result := s.db.WithContext(ctx).First(&cluster, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, result.Error
	}
	return &cluster, nil
}

func (s *ClusterStore) Update(ctx context.Context, id uint, form api.ClusterForm) (*model.Cluster, error) {
	cluster, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := model.NewClusterFromApiForm(&form)
	next.ID = cluster.ID
	next.CreatedAt = cluster.CreatedAt
	result := s.db.WithContext(ctx).Save(next)
	if result.Error != nil {
		return nil, result.Error
	}
	return next, nil
}

func (s *ClusterStore) Delete(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Unscoped().Delete(&model.Cluster{}, id)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return result.Error
	}
	return nil
}
