package apiv1

import (
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/arenactf/instanced/pkg/repository"
	"github.com/arenactf/instanced/pkg/templates"
)

type TemplatesGroup struct {
	routerGroup *echo.Group
	catalog     templates.Catalog
	repo        repository.InstanceRepository
}

type TemplateView struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	Image                string  `json:"image,omitempty"`
	MaxInstances         int     `json:"max_instances"`
	ResetIntervalSeconds int     `json:"reset_interval_seconds"`
	Memory               string  `json:"memory,omitempty"`
	CPUs                 float64 `json:"cpus,omitempty"`
	Running              int     `json:"running"`
}

func NewTemplatesGroup(routerGroup *echo.Group, catalog templates.Catalog, repo repository.InstanceRepository) *TemplatesGroup {
	g := &TemplatesGroup{
		routerGroup: routerGroup,
		catalog:     catalog,
		repo:        repo,
	}
	g.routerGroup.GET("", g.ListTemplates)
	return g
}

// ListTemplates returns the catalog with current running counts. Image and
// limits are only shown to privileged callers.
func (g *TemplatesGroup) ListTemplates(c echo.Context) error {
	id := IdentityFrom(c)
	ctx := c.Request().Context()

	list := g.catalog.List()
	views := make([]TemplateView, 0, len(list))
	for _, tpl := range list {
		view := TemplateView{
			ID:                   tpl.ID,
			Name:                 tpl.Name,
			MaxInstances:         tpl.MaxInstances,
			ResetIntervalSeconds: tpl.ResetIntervalSeconds,
		}
		if id.Privileged {
			view.Image = tpl.Image
			view.Memory = tpl.Limits.Memory
			view.CPUs = tpl.Limits.CPUs
		}

		running, err := g.repo.CountRunning(ctx, tpl.ID)
		if err != nil {
			log.Warn().Err(err).Str("template_id", tpl.ID).Msg("failed to count running instances")
		}
		view.Running = running

		views = append(views, view)
	}

	return SuccessResponse(c, views)
}
