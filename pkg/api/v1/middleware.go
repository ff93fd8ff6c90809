package apiv1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/arenactf/instanced/pkg/orchestrator"
)

// Identity headers set by the platform's authenticating proxy. instanced
// trusts them as-is and must not be exposed without that proxy in front.
const (
	HeaderTeamID     = "X-Team-Id"
	HeaderUserID     = "X-User-Id"
	HeaderPrivileged = "X-Privileged"
)

const identityContextKey = "instanced.identity"

// Identity is the caller as asserted by the upstream proxy
type Identity struct {
	TeamID     string
	UserID     string
	Privileged bool
}

func (i Identity) Requester() orchestrator.Requester {
	return orchestrator.Requester{TeamID: i.TeamID, Privileged: i.Privileged}
}

// NewIdentityMiddleware reads the identity headers into the request context
func NewIdentityMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header

			privileged := false
			if v := h.Get(HeaderPrivileged); v != "" {
				parsed, err := strconv.ParseBool(v)
				if err != nil {
					return ErrorResponse(c, http.StatusBadRequest, "invalid "+HeaderPrivileged+" header")
				}
				privileged = parsed
			}

			c.Set(identityContextKey, Identity{
				TeamID:     h.Get(HeaderTeamID),
				UserID:     h.Get(HeaderUserID),
				Privileged: privileged,
			})
			return next(c)
		}
	}
}

// RequireTeam rejects requests that carry neither a team nor privileges
func RequireTeam() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := IdentityFrom(c)
			if id.TeamID == "" && !id.Privileged {
				return ErrorResponse(c, http.StatusUnauthorized, HeaderTeamID+" header required")
			}
			return next(c)
		}
	}
}

func IdentityFrom(c echo.Context) Identity {
	id, _ := c.Get(identityContextKey).(Identity)
	return id
}
