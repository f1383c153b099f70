package api

import (
	"errors"

	"github.com/labstack/echo/v4"
	"github.com/espritsec/scanctl/internal/auth"
	"github.com/espritsec/scanctl/internal/quota"
	"github.com/espritsec/scanctl/internal/sandbox"
	"github.com/espritsec/scanctl/pkg/types"
)

// SandboxHandler handles sandbox lifecycle API endpoints
type SandboxHandler struct {
	sandboxes *sandbox.Manager
	quota     *quota.Enforcer
}

// NewSandboxHandler creates a new sandbox handler
func NewSandboxHandler(m *sandbox.Manager, e *quota.Enforcer) *SandboxHandler {
	return &SandboxHandler{
		sandboxes: m,
		quota:     e,
	}
}

// CreateSandboxRequest represents the API request to create a sandbox
type CreateSandboxRequest struct {
	ScanID     string `json:"scan_id" validate:"required"`
	Target     string `json:"target" validate:"required"`
	TargetType string `json:"target_type" validate:"required,oneof=url repository"`
	ScanType   string `json:"scan_type" validate:"required,oneof=deep quick compliance"`
}

// Create handles POST /api/v1/sandbox
//
// A scan is reserved against the tenant's monthly quota before the backend
// is touched, so an exhausted tenant never launches a task. If the launch
// fails the reservation is released.
func (h *SandboxHandler) Create(c echo.Context) error {
	var req CreateSandboxRequest
	if err := c.Bind(&req); err != nil {
		return ErrorBadRequest(c, "Invalid request body")
	}

	if err := c.Validate(req); err != nil {
		return ErrorBadRequest(c, err.Error())
	}

	tenantID, err := auth.GetTenantID(c)
	if err != nil {
		return ErrorUnauthorized(c, "Missing authentication")
	}

	ctx := c.Request().Context()

	status, err := h.quota.ReserveScan(ctx, tenantID)
	if err != nil {
		c.Logger().Error("quota reservation failed: ", err)
		return ErrorInternal(c, "Failed to check quota")
	}
	if !status.HasQuota {
		msg := "Quota exceeded"
		if status.Message != nil {
			msg = *status.Message
		}
		return ErrorPaymentRequired(c, msg)
	}

	sb, err := h.sandboxes.Create(ctx, &types.CreateSandboxRequest{
		ScanID:     req.ScanID,
		Target:     req.Target,
		TargetType: types.TargetType(req.TargetType),
		ScanType:   types.ScanType(req.ScanType),
	}, tenantID)
	if err != nil {
		// The reserved scan never ran; hand it back.
		if relErr := h.quota.ReleaseScan(ctx, tenantID); relErr != nil {
			c.Logger().Error("failed to release unused scan reservation: ", relErr)
		}
		if errors.Is(err, sandbox.ErrInvalidRequest) {
			return ErrorBadRequest(c, err.Error())
		}
		c.Logger().Error("sandbox creation failed: ", err)
		return ErrorServiceUnavailable(c, "Failed to create sandbox")
	}

	return c.JSON(201, sb)
}

// Get handles GET /api/v1/sandbox/:id
func (h *SandboxHandler) Get(c echo.Context) error {
	sandboxID := c.Param("id")
	if sandboxID == "" {
		return ErrorBadRequest(c, "Missing sandbox ID")
	}

	sb, err := h.sandboxes.GetStatus(c.Request().Context(), sandboxID)
	if err != nil {
		// A backend fault during a status poll reads the same as a sandbox
		// that no longer exists; pollers treat both as terminal.
		c.Logger().Error("sandbox status lookup failed: ", err)
		return ErrorNotFound(c, "Sandbox not found")
	}

	return c.JSON(200, sb)
}

// Delete handles DELETE /api/v1/sandbox/:id
func (h *SandboxHandler) Delete(c echo.Context) error {
	sandboxID := c.Param("id")
	if sandboxID == "" {
		return ErrorBadRequest(c, "Missing sandbox ID")
	}

	stopped, err := h.sandboxes.Destroy(c.Request().Context(), sandboxID)
	if err != nil {
		c.Logger().Error("sandbox destroy failed: ", err)
		return ErrorServiceUnavailable(c, "Failed to destroy sandbox")
	}
	if !stopped {
		return ErrorNotFound(c, "Sandbox not found or already stopped")
	}

	return c.JSON(200, map[string]string{
		"sandbox_id": sandboxID,
		"status":     "stopping",
	})
}
