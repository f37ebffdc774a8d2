package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"siteexport/internal/archive"
	"siteexport/internal/auth"
	"siteexport/internal/registry"
	"siteexport/internal/scan"
	"siteexport/internal/task"
)

type createTaskRequest struct {
	IncludeTheme  *bool `json:"include_theme"`
	IncludePlugin *bool `json:"include_plugin"`
	IncludeMedia  *bool `json:"include_media"`
}

type taskResponse struct {
	ID          string `json:"id"`
	Progress    int    `json:"progress"`
	TotalFiles  int    `json:"total_files"`
	Completed   bool   `json:"completed"`
	ArchivePath string `json:"archive_path"`
	CreatedAt   string `json:"created_at"`
}

type archiveResponse struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	CreatedAt string `json:"created_at"`
}

type updateRolesRequest struct {
	AllowedRoles *[]string `json:"allowed_roles"`
}

type API struct {
	engine    *task.Engine
	registry  *registry.Registry
	roles     *auth.Roles
	jwtSecret string
}

func NewAPI(engine *task.Engine, reg *registry.Registry, roles *auth.Roles, jwtSecret string) *API {
	return &API{engine: engine, registry: reg, roles: roles, jwtSecret: jwtSecret}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.Use(RequireRole(a.jwtSecret, a.roles))
	{
		api.POST("/tasks", a.CreateTask)
		api.POST("/tasks/:id/advance", a.AdvanceTask)
		api.GET("/tasks/:id", a.GetTask)
		api.GET("/archives", a.ListArchives)
		api.GET("/archives/:id", a.DownloadArchive)
		api.DELETE("/archives/:id", a.DeleteArchive)
		api.GET("/roles", a.AvailableRoles)
		api.GET("/allowed-roles", a.GetAllowedRoles)
		api.POST("/allowed-roles", a.UpdateAllowedRoles)
	}
}

// CreateTask enumerates the selected categories and persists a new task.
// Omitted include flags default to true.
func (a *API) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			log.Warn().Err(err).Msg("invalid create task request")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	sel := task.Selection{
		Theme:  boolOrTrue(req.IncludeTheme),
		Plugin: boolOrTrue(req.IncludePlugin),
		Media:  boolOrTrue(req.IncludeMedia),
	}

	created, err := a.engine.Create(c.Request.Context(), sel)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task_id": created.ID})
}

// AdvanceTask compresses the next batch and returns the updated record.
func (a *API) AdvanceTask(c *gin.Context) {
	advanced, err := a.engine.Advance(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(advanced))
}

// GetTask returns the task's current progress without advancing it.
func (a *API) GetTask(c *gin.Context) {
	found, err := a.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(found))
}

// ListArchives returns completed archives, newest first.
func (a *API) ListArchives(c *gin.Context) {
	entries, err := a.registry.List(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	out := make([]archiveResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, archiveResponse{
			ID:        e.ID,
			Path:      e.Path,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, out)
}

// DownloadArchive streams the archive and then deletes it: a second
// download of the same id always gets 404.
func (a *API) DownloadArchive(c *gin.Context) {
	id := c.Param("id")
	entry, err := a.registry.Get(c.Request.Context(), id)
	if err != nil {
		a.writeError(c, err)
		return
	}

	c.Header("Content-Type", "application/zip")
	c.FileAttachment(entry.Path, "siteexport-"+id+".zip")

	if err := a.registry.Delete(c.Request.Context(), id); err != nil {
		log.Warn().Str("archive_id", id).Err(err).Msg("post-download delete failed")
	}
	log.Info().Str("archive_id", id).Str("path", entry.Path).Msg("archive served and removed")
}

// DeleteArchive removes an archive without serving it.
func (a *API) DeleteArchive(c *gin.Context) {
	if err := a.registry.Delete(c.Request.Context(), c.Param("id")); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AvailableRoles lists the role catalog of the host site.
func (a *API) AvailableRoles(c *gin.Context) {
	c.JSON(http.StatusOK, a.roles.Available())
}

// GetAllowedRoles returns the persisted allowed-role slugs.
func (a *API) GetAllowedRoles(c *gin.Context) {
	allowed, err := a.roles.Allowed(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, allowed)
}

// UpdateAllowedRoles replaces the allowed set; the administrator role is
// always kept.
func (a *API) UpdateAllowedRoles(c *gin.Context) {
	var req updateRolesRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AllowedRoles == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "allowed_roles must be an array"})
		return
	}
	allowed, err := a.roles.UpdateAllowed(c.Request.Context(), *req.AllowedRoles)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, allowed)
}

// writeError maps domain sentinels onto HTTP statuses.
func (a *API) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrNoFilesSelected), errors.Is(err, auth.ErrUnknownRole):
		status = http.StatusBadRequest
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, registry.ErrArchiveNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrTaskCompleted):
		status = http.StatusConflict
	case errors.Is(err, scan.ErrRootUnreadable), errors.Is(err, archive.ErrOpen):
		status = http.StatusInternalServerError
	}
	if status >= statusErrorThreshold {
		log.Error().Err(err).Msg("request failed")
	} else {
		log.Warn().Err(err).Msg("request rejected")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func toTaskResponse(t *task.Task) taskResponse {
	return taskResponse{
		ID:          t.ID,
		Progress:    t.Progress,
		TotalFiles:  len(t.Files),
		Completed:   t.Completed,
		ArchivePath: t.ArchivePath,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func boolOrTrue(v *bool) bool {
	if v == nil {
		return true
	}
	return *v
}
