package api

import (
	"io"

	"github.com/labstack/echo/v4"
	"github.com/espritsec/scanctl/internal/artifacts"
)

// ReportHandler stores finished scan reports as durable artifacts
type ReportHandler struct {
	artifacts *artifacts.Store
}

// NewReportHandler creates a new report handler
func NewReportHandler(s *artifacts.Store) *ReportHandler {
	return &ReportHandler{artifacts: s}
}

// Upload handles POST /api/v1/scan/:id/report
func (h *ReportHandler) Upload(c echo.Context) error {
	scanID := c.Param("id")
	if scanID == "" {
		return ErrorBadRequest(c, "Missing scan ID")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return ErrorBadRequest(c, "Failed to read request body")
	}
	if len(body) == 0 {
		return ErrorBadRequest(c, "Report body is empty")
	}

	uri, err := h.artifacts.PutReport(c.Request().Context(), scanID, body)
	if err != nil {
		c.Logger().Error("report upload failed: ", err)
		return ErrorServiceUnavailable(c, "Failed to store report")
	}

	return c.JSON(201, map[string]string{
		"scan_id":    scanID,
		"report_uri": uri,
	})
}
