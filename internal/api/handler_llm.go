package api

import (
	"github.com/labstack/echo/v4"
	"github.com/espritsec/scanctl/internal/auth"
	"github.com/espritsec/scanctl/internal/llm"
	"github.com/espritsec/scanctl/internal/quota"
)

// LLMHandler proxies sandbox generation requests through the service's
// own provider credentials, billing tokens against the tenant's quota.
type LLMHandler struct {
	generator llm.Generator
	quota     *quota.Enforcer
}

// NewLLMHandler creates a new LLM proxy handler
func NewLLMHandler(g llm.Generator, e *quota.Enforcer) *LLMHandler {
	return &LLMHandler{
		generator: g,
		quota:     e,
	}
}

// Generate handles POST /api/v1/llm/generate
func (h *LLMHandler) Generate(c echo.Context) error {
	var req llm.GenerateRequest
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

	status, err := h.quota.CheckQuota(ctx, tenantID)
	if err != nil {
		c.Logger().Error("quota check failed: ", err)
		return ErrorInternal(c, "Failed to check quota")
	}
	if status.TokensRemaining <= 0 {
		msg := "Token quota exceeded"
		if status.Message != nil {
			msg = *status.Message
		}
		return ErrorPaymentRequired(c, msg)
	}

	resp, err := h.generator.Generate(ctx, &req)
	if err != nil {
		c.Logger().Error("generation failed: ", err)
		return ErrorBadGateway(c, "Generation provider unavailable")
	}

	// Billing is best effort once the response exists; the tenant already
	// consumed the tokens.
	if err := h.quota.RecordTokens(ctx, tenantID, resp.TokensUsed); err != nil {
		c.Logger().Error("failed to record token usage: ", err)
	}

	return c.JSON(200, resp)
}
