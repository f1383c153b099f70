package api

import (
	"github.com/labstack/echo/v4"
	"github.com/espritsec/scanctl/internal/auth"
	"github.com/espritsec/scanctl/internal/quota"
)

// UsageHandler handles usage and quota API endpoints
type UsageHandler struct {
	quota *quota.Enforcer
}

// NewUsageHandler creates a new usage handler
func NewUsageHandler(e *quota.Enforcer) *UsageHandler {
	return &UsageHandler{quota: e}
}

// GetUsage handles GET /api/v1/user/usage
func (h *UsageHandler) GetUsage(c echo.Context) error {
	tenantID, err := auth.GetTenantID(c)
	if err != nil {
		return ErrorUnauthorized(c, "Missing authentication")
	}

	usage, err := h.quota.GetUsage(c.Request().Context(), tenantID)
	if err != nil {
		c.Logger().Error("usage lookup failed: ", err)
		return ErrorInternal(c, "Failed to retrieve usage")
	}

	return c.JSON(200, usage)
}

// GetQuota handles GET /api/v1/user/quota
func (h *UsageHandler) GetQuota(c echo.Context) error {
	tenantID, err := auth.GetTenantID(c)
	if err != nil {
		return ErrorUnauthorized(c, "Missing authentication")
	}

	status, err := h.quota.CheckQuota(c.Request().Context(), tenantID)
	if err != nil {
		c.Logger().Error("quota check failed: ", err)
		return ErrorInternal(c, "Failed to check quota")
	}

	return c.JSON(200, status)
}
