package service

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	api "github.com/proxmove/proxmove/api/v1alpha1"
	"github.com/proxmove/proxmove/internal/cluster"
	"github.com/proxmove/proxmove/internal/migration"
	"github.com/proxmove/proxmove/internal/sshtunnel"
	"github.com/proxmove/proxmove/internal/store"
	"github.com/proxmove/proxmove/internal/store/model"
)

// MigrationService admits migration requests against registered clusters
// and exposes live progress and job history.
type MigrationService struct {
	store store.Store
	orch  *migration.Orchestrator

	sshPort        int
	sshDialTimeout time.Duration
}

func NewMigrationService(s store.Store, orch *migration.Orchestrator, sshPort int, sshDialTimeout time.Duration) *MigrationService {
	return &MigrationService{
		store:          s,
		orch:           orch,
		sshPort:        sshPort,
		sshDialTimeout: sshDialTimeout,
	}
}

func (s *MigrationService) Create(ctx context.Context, form api.MigrationForm) (*api.MigrationJob, error) {
	source, err := s.loadCluster(ctx, form.SourceClusterID)
	if err != nil {
		return nil, err
	}
	target, err := s.loadCluster(ctx, form.TargetClusterID)
	if err != nil {
		return nil, err
	}

	req := migration.StartRequest{
		SourceClusterID: source.ID,
		TargetClusterID: target.ID,
		SourceNode:      form.SourceNode,
		TargetNode:      form.TargetNode,
		SourceVMID:      form.VMID,
		TargetVMID:      form.TargetVMID,
		PoolMap:         form.StorageMappings,
		NetworkMap:      form.NetworkMappings,
		SourceAPI:       s.apiClient(source),
		TargetAPI:       s.apiClient(target),
		SourceSSH:       s.sshEndpoint(source),
		TargetSSH:       s.sshEndpoint(target),
	}

	id, err := s.orch.Start(req)
	if err != nil {
		return nil, err
	}
	job, _ := s.orch.Snapshot(id)
	out := apiJobFromMigration(job)
	return &out, nil
}

func (s *MigrationService) Get(ctx context.Context, id uuid.UUID) (*api.MigrationJob, error) {
	if job, ok := s.orch.Snapshot(id); ok {
		out := apiJobFromMigration(job)
		return &out, nil
	}
	stored, err := s.store.Job().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrMigrationNotFound(id)
		}
		return nil, err
	}
	out := stored.ToApiResource()
	return &out, nil
}

// List merges live jobs with the persisted history. A job known to the
// tracker wins over its stored record.
func (s *MigrationService) List(ctx context.Context) (*api.MigrationJobList, error) {
	live := s.orch.Jobs()
	seen := make(map[uuid.UUID]bool, len(live))
	items := make([]api.MigrationJob, 0, len(live))
	for _, job := range live {
		seen[job.ID] = true
		items = append(items, apiJobFromMigration(job))
	}

	stored, err := s.store.Job().List(ctx)
	if err != nil {
		return nil, err
	}
	for _, job := range stored {
		if seen[job.ID] {
			continue
		}
		items = append(items, job.ToApiResource())
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return &api.MigrationJobList{Items: items}, nil
}

func (s *MigrationService) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := s.orch.Cancel(id); err == nil {
		return nil
	}
	// not running: distinguish unknown from already terminal
	if _, ok := s.orch.Snapshot(id); ok {
		return NewErrNotCancellable(id)
	}
	if _, err := s.store.Job().Get(ctx, id); err == nil {
		return NewErrNotCancellable(id)
	}
	return NewErrMigrationNotFound(id)
}

func (s *MigrationService) loadCluster(ctx context.Context, id uint) (*model.Cluster, error) {
	c, err := s.store.Cluster().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrClusterNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (s *MigrationService) apiClient(c *model.Cluster) migration.ClusterAPI {
	base := c.APIHost
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	tokenID := c.APIUser + "!" + c.APITokenName
	return cluster.New(base, tokenID, c.APITokenSecret, c.Insecure)
}

func (s *MigrationService) sshEndpoint(c *model.Cluster) sshtunnel.Endpoint {
	user := c.SSHUser
	if user == "" {
		user = "root"
	}
	return sshtunnel.Endpoint{
		Host:        sshHost(c.APIHost),
		Port:        s.sshPort,
		User:        user,
		Password:    c.SSHPassword,
		PrivateKey:  []byte(c.SSHPrivateKey),
		DialTimeout: s.sshDialTimeout,
	}
}

// sshHost strips any scheme and API port off the stored host.
func sshHost(apiHost string) string {
	host := apiHost
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
