package apiv1

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/arenactf/instanced/pkg/orchestrator"
	"github.com/arenactf/instanced/pkg/types"
)

type InstancesGroup struct {
	routerGroup *echo.Group
	orch        *orchestrator.Orchestrator
}

// InstanceView is the API representation of an instance. The flag is only
// shown to privileged callers.
type InstanceView struct {
	ID                string     `json:"id"`
	TemplateID        string     `json:"template_id"`
	TeamID            string     `json:"team_id"`
	Status            string     `json:"status"`
	Host              string     `json:"host,omitempty"`
	Port              int        `json:"port,omitempty"`
	Flag              string     `json:"flag,omitempty"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	LastHealthCheckAt *time.Time `json:"last_health_check_at,omitempty"`
}

func NewInstancesGroup(routerGroup *echo.Group, orch *orchestrator.Orchestrator) *InstancesGroup {
	g := &InstancesGroup{
		routerGroup: routerGroup,
		orch:        orch,
	}
	g.registerRoutes()
	return g
}

func (g *InstancesGroup) registerRoutes() {
	requireTeam := RequireTeam()

	g.routerGroup.POST("/challenges/:templateId/instance", g.AcquireInstance, requireTeam)
	g.routerGroup.GET("/instances/:instanceId", g.GetInstance, requireTeam)
	g.routerGroup.DELETE("/instances/:instanceId", g.ReleaseInstance, requireTeam)
	g.routerGroup.GET("/teams/:teamId/instances", g.ListTeamInstances, requireTeam)
}

// AcquireInstance returns the caller's instance of a challenge, starting one if needed
func (g *InstancesGroup) AcquireInstance(c echo.Context) error {
	id := IdentityFrom(c)
	if id.TeamID == "" {
		return ErrorResponse(c, http.StatusUnauthorized, HeaderTeamID+" header required")
	}

	desc, err := g.orch.Acquire(c.Request().Context(), orchestrator.AcquireRequest{
		TemplateID: c.Param("templateId"),
		TeamID:     id.TeamID,
		UserID:     id.UserID,
	})
	if err != nil {
		return DomainErrorResponse(c, err)
	}

	return SuccessResponse(c, desc)
}

func (g *InstancesGroup) GetInstance(c echo.Context) error {
	id := IdentityFrom(c)

	inst, err := g.orch.Lookup(c.Request().Context(), c.Param("instanceId"), id.Requester())
	if err != nil {
		return DomainErrorResponse(c, err)
	}

	return SuccessResponse(c, newInstanceView(inst, id.Privileged))
}

func (g *InstancesGroup) ReleaseInstance(c echo.Context) error {
	id := IdentityFrom(c)

	if err := g.orch.Release(c.Request().Context(), c.Param("instanceId"), id.Requester()); err != nil {
		return DomainErrorResponse(c, err)
	}

	return SuccessResponse(c, map[string]string{"status": string(types.InstanceStatusStopped)})
}

func (g *InstancesGroup) ListTeamInstances(c echo.Context) error {
	id := IdentityFrom(c)
	teamId := c.Param("teamId")

	if !id.Privileged && id.TeamID != teamId {
		return DomainErrorResponse(c, &types.ErrForbidden{TeamId: id.TeamID, InstanceId: "*"})
	}

	instances, err := g.orch.ListTeamInstances(c.Request().Context(), teamId)
	if err != nil {
		return DomainErrorResponse(c, err)
	}

	views := make([]InstanceView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, newInstanceView(inst, id.Privileged))
	}
	return SuccessResponse(c, views)
}

func newInstanceView(inst *types.Instance, privileged bool) InstanceView {
	view := InstanceView{
		ID:                inst.ID,
		TemplateID:        inst.TemplateID,
		TeamID:            inst.TeamID,
		Status:            string(inst.Status),
		Error:             inst.Error,
		CreatedAt:         inst.CreatedAt,
		ExpiresAt:         inst.ExpiresAt,
		LastHealthCheckAt: inst.LastHealthCheckAt,
	}
	if inst.Status == types.InstanceStatusRunning {
		view.Host = inst.Host
		view.Port = inst.PublishedPort
	}
	if privileged {
		view.Flag = inst.Flag
	}
	return view
}
