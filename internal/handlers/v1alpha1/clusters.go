package v1alpha1

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	api "github.com/proxmove/proxmove/api/v1alpha1"
)

func (h *Handler) ListClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := h.clusters.List(r.Context())
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, clusters)
}

func (h *Handler) CreateCluster(w http.ResponseWriter, r *http.Request) {
	form, ok := h.decodeClusterForm(w, r)
	if !ok {
		return
	}
	c, err := h.clusters.Create(r.Context(), *form)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, c)
}

func (h *Handler) GetCluster(w http.ResponseWriter, r *http.Request) {
	id, ok := clusterID(w, r)
	if !ok {
		return
	}
	c, err := h.clusters.Get(r.Context(), id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, c)
}

func (h *Handler) UpdateCluster(w http.ResponseWriter, r *http.Request) {
	id, ok := clusterID(w, r)
	if !ok {
		return
	}
	form, ok := h.decodeClusterForm(w, r)
	if !ok {
		return
	}
	c, err := h.clusters.Update(r.Context(), id, *form)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, c)
}

func (h *Handler) DeleteCluster(w http.ResponseWriter, r *http.Request) {
	id, ok := clusterID(w, r)
	if !ok {
		return
	}
	if err := h.clusters.Delete(r.Context(), id); err != nil {
		renderError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

func (h *Handler) decodeClusterForm(w http.ResponseWriter, r *http.Request) (*api.ClusterForm, bool) {
	var form api.ClusterForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		badRequest(w, r, "invalid request body")
		return nil, false
	}
	if err := h.validate.Struct(form); err != nil {
		renderError(w, r, err)
		return nil, false
	}
	return &form, true
}

func clusterID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		badRequest(w, r, "invalid cluster id")
		return 0, false
	}
	return uint(id), true
}
