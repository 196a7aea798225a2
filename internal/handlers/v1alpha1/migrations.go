package v1alpha1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	api "github.com/proxmove/proxmove/api/v1alpha1"
)

func (h *Handler) CreateMigration(w http.ResponseWriter, r *http.Request) {
	var form api.MigrationForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	if err := h.validate.Struct(form); err != nil {
		renderError(w, r, err)
		return
	}

	job, err := h.migrations.Create(r.Context(), form)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, job)
}

func (h *Handler) ListMigrations(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.migrations.List(r.Context())
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, jobs)
}

func (h *Handler) GetMigration(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, r, "invalid migration id")
		return
	}
	job, err := h.migrations.Get(r.Context(), id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, job)
}

// CancelMigration requests cancellation; the job winds down
// asynchronously and remains observable until it reaches cancelled.
func (h *Handler) CancelMigration(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, r, "invalid migration id")
		return
	}
	if err := h.migrations.Cancel(r.Context(), id); err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"status": "cancelling"})
}
