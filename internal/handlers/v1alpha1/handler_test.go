package v1alpha1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/proxmove/proxmove/api/v1alpha1"
	"github.com/proxmove/proxmove/internal/config"
	handlers "github.com/proxmove/proxmove/internal/handlers/v1alpha1"
	"github.com/proxmove/proxmove/internal/migration"
	"github.com/proxmove/proxmove/internal/migration/driver"
	"github.com/proxmove/proxmove/internal/service"
	"github.com/proxmove/proxmove/internal/sshtunnel"
	"github.com/proxmove/proxmove/internal/store"
)

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := store.InitDB(config.NewDefault())
	require.NoError(t, err)
	s := store.NewStore(db)
	require.NoError(t, s.InitialMigration())
	t.Cleanup(func() { _ = s.Close() })

	dial := func(ctx context.Context, ep sshtunnel.Endpoint) (driver.Channel, func() error, error) {
		return nil, nil, errors.New("no transport in tests")
	}
	orch := migration.NewOrchestrator(migration.Options{}, migration.NewTracker(), dial, nil)

	h := handlers.NewHandler(
		service.NewMigrationService(s, orch, 22, time.Second),
		service.NewClusterService(s, orch),
	)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func validClusterForm(name string) api.ClusterForm {
	return api.ClusterForm{
		Name:           name,
		APIHost:        "pve1.example.com:8006",
		APIUser:        "engine@pve",
		APITokenName:   "mover",
		APITokenSecret: "s3cret",
		SSHUser:        "root",
		SSHPassword:    "hunter2",
	}
}

func TestHealth(t *testing.T) {
	srv := newTestAPI(t)
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateClusterHidesSecrets(t *testing.T) {
	srv := newTestAPI(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/clusters", validClusterForm("source"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.NotContains(t, string(body), "s3cret")
	assert.NotContains(t, string(body), "hunter2")

	var created api.Cluster
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "source", created.Name)
	assert.NotZero(t, created.ID)
}

func TestCreateClusterValidation(t *testing.T) {
	srv := newTestAPI(t)

	form := validClusterForm("source")
	form.Name = ""
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/clusters", form)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var apiErr api.Error
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "ValidationFailed", apiErr.Kind)
}

func TestCreateClusterDuplicateName(t *testing.T) {
	srv := newTestAPI(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/clusters", validClusterForm("source"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/clusters", validClusterForm("source"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var apiErr api.Error
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "AlreadyExists", apiErr.Kind)
}

func TestClusterLifecycle(t *testing.T) {
	srv := newTestAPI(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/clusters", validClusterForm("source"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created api.Cluster
	require.NoError(t, json.Unmarshal(body, &created))

	form := validClusterForm("source")
	form.APIHost = "pve2.example.com:8006"
	resp, body = doJSON(t, http.MethodPut, fmt.Sprintf("%s/clusters/%d", srv.URL, created.ID), form)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated api.Cluster
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "pve2.example.com:8006", updated.APIHost)

	resp, _ = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/clusters/%d", srv.URL, created.ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, fmt.Sprintf("%s/clusters/%d", srv.URL, created.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetMigrationBadID(t *testing.T) {
	srv := newTestAPI(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/migrations/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var apiErr api.Error
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "BadRequest", apiErr.Kind)
}

func TestGetMigrationNotFound(t *testing.T) {
	srv := newTestAPI(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/migrations/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateMigrationUnknownCluster(t *testing.T) {
	srv := newTestAPI(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/migrations", api.MigrationForm{
		SourceClusterID: 1,
		TargetClusterID: 2,
		SourceNode:      "pve1",
		TargetNode:      "pve2",
		VMID:            100,
		StorageMappings: map[string]string{"local": "tank"},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var apiErr api.Error
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "NotFound", apiErr.Kind)
}

func TestCreateMigrationValidation(t *testing.T) {
	srv := newTestAPI(t)

	// missing storage mappings
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/migrations", api.MigrationForm{
		SourceClusterID: 1,
		TargetClusterID: 2,
		SourceNode:      "pve1",
		TargetNode:      "pve2",
		VMID:            100,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelMigrationNotFound(t *testing.T) {
	srv := newTestAPI(t)

	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/migrations/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListMigrationsEmpty(t *testing.T) {
	srv := newTestAPI(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/migrations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list api.MigrationJobList
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Empty(t, list.Items)
}

func TestListClusters(t *testing.T) {
	srv := newTestAPI(t)

	for _, name := range []string{"alpha", "beta"} {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/clusters", validClusterForm(name))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/clusters", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var clusters []api.Cluster
	require.NoError(t, json.Unmarshal(body, &clusters))
	assert.Len(t, clusters, 2)
}
