// Package cluster implements the HTTP client for a Proxmox-style cluster
// API, satisfying the capability interface the orchestration engine runs
// against.
package cluster

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/proxmove/proxmove/internal/migration"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.SugaredLogger
}

var _ migration.ClusterAPI = (*Client)(nil)

// New builds a client for one cluster. tokenID is the full API token
// identifier (user@realm!name); the secret is only ever placed on the
// Authorization header.
func New(baseURL, tokenID, secret string, insecureTLS bool) *Client {
	transport := http.DefaultTransport
	if insecureTLS {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		transport = t
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   fmt.Sprintf("PVEAPIToken=%s=%s", tokenID, secret),
		http:    &http.Client{Transport: transport},
		log:     zap.S().Named("cluster"),
	}
}

func (c *Client) GetVMConfig(ctx context.Context, node string, vmid int) (*migration.VMConfig, error) {
	var raw map[string]json.RawMessage
	path := fmt.Sprintf("/nodes/%s/qemu/%d/config", node, vmid)
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, err
	}
	cfg := make(map[string]string, len(raw))
	for k, v := range raw {
		cfg[k] = decodeScalar(v)
	}
	return parseVMConfig(vmid, cfg), nil
}

func (c *Client) WriteVMConfig(ctx context.Context, node string, cfg *migration.VMConfig) error {
	form := url.Values{}
	form.Set("vmid", strconv.Itoa(cfg.VMID))
	if cfg.Name != "" {
		form.Set("name", cfg.Name)
	}
	for _, d := range cfg.Disks {
		form.Set(d.Device, formatDiskEntry(d))
	}
	for _, n := range cfg.NICs {
		form.Set(n.Device, formatNICEntry(n))
	}
	for k, v := range cfg.Options {
		form.Set(k, v)
	}
	return c.post(ctx, fmt.Sprintf("/nodes/%s/qemu", node), form)
}

func (c *Client) DeleteVM(ctx context.Context, node string, vmid int) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/nodes/%s/qemu/%d", node, vmid), nil, nil)
}

func (c *Client) ListStoragePools(ctx context.Context, node string) ([]migration.Pool, error) {
	var entries []struct {
		Storage string `json:"storage"`
		Type    string `json:"type"`
		Avail   int64  `json:"avail"`
		Enabled int    `json:"enabled"`
	}
	if err := c.get(ctx, fmt.Sprintf("/nodes/%s/storage", node), &entries); err != nil {
		return nil, err
	}

	pools := make([]migration.Pool, 0, len(entries))
	for _, e := range entries {
		base, err := c.storageBase(ctx, e.Storage)
		if err != nil {
			return nil, err
		}
		pools = append(pools, migration.Pool{
			Name:       e.Storage,
			Kind:       migration.StorageKind(e.Type),
			Base:       base,
			AvailBytes: e.Avail,
		})
	}
	return pools, nil
}

// storageBase reads the cluster-wide definition of one pool and extracts
// its kind-specific root.
func (c *Client) storageBase(ctx context.Context, name string) (string, error) {
	var def struct {
		Path     string `json:"path"`
		VGName   string `json:"vgname"`
		ThinPool string `json:"thinpool"`
		Pool     string `json:"pool"`
	}
	if err := c.get(ctx, "/storage/"+name, &def); err != nil {
		return "", err
	}
	switch {
	case def.Path != "":
		return def.Path, nil
	case def.VGName != "" && def.ThinPool != "":
		return def.VGName + "/" + def.ThinPool, nil
	case def.VGName != "":
		return def.VGName, nil
	default:
		return def.Pool, nil
	}
}

func (c *Client) ListVolumes(ctx context.Context, node string, pool string) ([]migration.Volume, error) {
	var entries []struct {
		VolID string `json:"volid"`
		Size  int64  `json:"size"`
	}
	if err := c.get(ctx, fmt.Sprintf("/nodes/%s/storage/%s/content", node, pool), &entries); err != nil {
		return nil, err
	}
	vols := make([]migration.Volume, 0, len(entries))
	for _, e := range entries {
		name := e.VolID
		if i := strings.IndexByte(name, ':'); i >= 0 {
			name = name[i+1:]
		}
		vols = append(vols, migration.Volume{Name: name, SizeBytes: e.Size})
	}
	return vols, nil
}

func (c *Client) ListVMIDs(ctx context.Context) ([]int, error) {
	var entries []struct {
		VMID int `json:"vmid"`
	}
	if err := c.get(ctx, "/cluster/resources?type=vm", &entries); err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.VMID)
	}
	return ids, nil
}

func (c *Client) VMStatus(ctx context.Context, node string, vmid int) (string, error) {
	var status struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/status/current", node, vmid), &status); err != nil {
		return "", err
	}
	return status.Status, nil
}

func (c *Client) StopVM(ctx context.Context, node string, vmid int) error {
	return c.post(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/status/stop", node, vmid), url.Values{})
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, form url.Values) error {
	return c.do(ctx, http.MethodPost, path, form, nil)
}

// do issues one API call. Every response arrives wrapped in a data
// envelope; out receives the unwrapped payload.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api2/json"+path, body)
	if err != nil {
		return errors.Wrap(err, "building cluster api request")
	}
	req.Header.Set("Authorization", c.token)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "calling cluster api %s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("cluster api %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errors.Wrapf(err, "decoding cluster api response for %s", path)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return errors.Wrapf(err, "decoding cluster api payload for %s", path)
	}
	return nil
}

// decodeScalar renders a raw JSON config value as the flat string form the
// config parser expects.
func decodeScalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}
