package apiv1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/arenactf/instanced/pkg/repository"
	"github.com/arenactf/instanced/pkg/runtime"
)

type HealthGroup struct {
	repo        repository.InstanceRepository
	runtime     runtime.Runtime
	routerGroup *echo.Group
}

func NewHealthGroup(g *echo.Group, repo repository.InstanceRepository, rt runtime.Runtime) *HealthGroup {
	group := &HealthGroup{routerGroup: g, repo: repo, runtime: rt}

	g.GET("", group.HealthCheck)

	return group
}

// HealthCheck fails only when the registry is unreachable; a runtime outage
// is reported but keeps existing descriptors servable.
func (h *HealthGroup) HealthCheck(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.repo.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("health check failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"status": "not ok",
			"error":  err.Error(),
		})
	}

	body := map[string]string{
		"status":  "ok",
		"runtime": "ok",
	}
	if h.runtime != nil {
		if err := h.runtime.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("runtime", h.runtime.Name()).Msg("runtime unreachable")
			body["runtime"] = "unavailable"
		}
	}

	return c.JSON(http.StatusOK, body)
}
