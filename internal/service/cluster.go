package service

import (
	"context"
	"errors"

	api "github.com/proxmove/proxmove/api/v1alpha1"
	"github.com/proxmove/proxmove/internal/migration"
	"github.com/proxmove/proxmove/internal/store"
)

// ClusterService manages the cluster registry. Credentials go in through
// the form and never come back out.
type ClusterService struct {
	store store.Store
	orch  *migration.Orchestrator
}

func NewClusterService(s store.Store, orch *migration.Orchestrator) *ClusterService {
	return &ClusterService{store: s, orch: orch}
}

func (s *ClusterService) List(ctx context.Context) ([]api.Cluster, error) {
	clusters, err := s.store.Cluster().List(ctx)
	if err != nil {
		return nil, err
	}
	return clusters.ToApiResource(), nil
}

func (s *ClusterService) Create(ctx context.Context, form api.ClusterForm) (*api.Cluster, error) {
	c, err := s.store.Cluster().Create(ctx, form)
	if err != nil {
		return nil, err
	}
	out := c.ToApiResource()
	return &out, nil
}

func (s *ClusterService) Get(ctx context.Context, id uint) (*api.Cluster, error) {
	c, err := s.store.Cluster().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrClusterNotFound(id)
		}
		return nil, err
	}
	out := c.ToApiResource()
	return &out, nil
}

func (s *ClusterService) Update(ctx context.Context, id uint, form api.ClusterForm) (*api.Cluster, error) {
	c, err := s.store.Cluster().Update(ctx, id, form)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrClusterNotFound(id)
		}
		return nil, err
	}
	out := c.ToApiResource()
	return &out, nil
}

// Delete removes a cluster unless a live migration still references it.
func (s *ClusterService) Delete(ctx context.Context, id uint) error {
	if s.orch != nil {
		for _, job := range s.orch.Jobs() {
			if job.Status.Terminal() {
				continue
			}
			if job.SourceClusterID == id || job.TargetClusterID == id {
				return NewErrClusterInUse(id)
			}
		}
	}
	return s.store.Cluster().Delete(ctx, id)
}
