// Package v1alpha1 exposes the dashboard-facing HTTP API.
package v1alpha1

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	api "github.com/proxmove/proxmove/api/v1alpha1"
	"github.com/proxmove/proxmove/internal/migration"
	"github.com/proxmove/proxmove/internal/service"
	"github.com/proxmove/proxmove/internal/store"
)

type Handler struct {
	migrations *service.MigrationService
	clusters   *service.ClusterService
	validate   *validator.Validate
}

func NewHandler(migrations *service.MigrationService, clusters *service.ClusterService) *Handler {
	return &Handler{
		migrations: migrations,
		clusters:   clusters,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", h.Health)

	r.Route("/migrations", func(r chi.Router) {
		r.Get("/", h.ListMigrations)
		r.Post("/", h.CreateMigration)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetMigration)
			r.Delete("/", h.CancelMigration)
		})
	})

	r.Route("/clusters", func(r chi.Router) {
		r.Get("/", h.ListClusters)
		r.Post("/", h.CreateCluster)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetCluster)
			r.Put("/", h.UpdateCluster)
			r.Delete("/", h.DeleteCluster)
		})
	})
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// renderError maps service faults to their HTTP shape. The error message
// travels as-is; credential material never reaches an error path.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound      *service.ErrResourceNotFound
		notCancel     *service.ErrNotCancellable
		inUse         *service.ErrClusterInUse
		inProgress    *migration.ErrJobAlreadyInProgress
		validationErr validator.ValidationErrors
	)
	switch {
	case errors.As(err, &notFound):
		renderStatus(w, r, http.StatusNotFound, "NotFound", err)
	case errors.As(err, &inProgress):
		renderStatus(w, r, http.StatusConflict, "JobAlreadyInProgress", err)
	case errors.As(err, &notCancel):
		renderStatus(w, r, http.StatusConflict, "NotCancellable", err)
	case errors.As(err, &inUse):
		renderStatus(w, r, http.StatusConflict, "ClusterInUse", err)
	case errors.Is(err, store.ErrDuplicateKey):
		renderStatus(w, r, http.StatusConflict, "AlreadyExists", err)
	case errors.As(err, &validationErr):
		renderStatus(w, r, http.StatusBadRequest, "ValidationFailed", err)
	default:
		renderStatus(w, r, http.StatusInternalServerError, "Internal", err)
	}
}

func renderStatus(w http.ResponseWriter, r *http.Request, status int, kind string, err error) {
	render.Status(r, status)
	render.JSON(w, r, api.Error{Kind: kind, Message: err.Error()})
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, api.Error{Kind: "BadRequest", Message: message})
}
