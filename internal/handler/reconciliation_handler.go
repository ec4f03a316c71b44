package handler

import (
	"net/http"

	"agrifinance/internal/middleware"
	"agrifinance/internal/model"
	"agrifinance/internal/service"
	"agrifinance/pkg/pagination"
	"agrifinance/pkg/response"

	"github.com/gin-gonic/gin"
)

type ReconciliationHandler struct {
	reconciliationService service.ReconciliationService
	auth                  *middleware.Auth
}

func NewReconciliationHandler(reconciliationService service.ReconciliationService, auth *middleware.Auth) *ReconciliationHandler {
	return &ReconciliationHandler{reconciliationService: reconciliationService, auth: auth}
}

func (h *ReconciliationHandler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/reconciliation", h.auth.RequireRole(model.RoleAdmin))
	{
		group.POST("/trigger", h.Run)
		group.GET("/status", h.Status)
		group.GET("/alerts", h.ListAlerts)
	}
}

// Run compares wallet balances and NFT owners with the chain
// @Summary      Run reconciliation
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response{data=service.ReconciliationReport}
// @Failure      409  {object}  response.Response
// @Failure      502  {object}  response.Response
// @Router       /reconciliation/trigger [post]
func (h *ReconciliationHandler) Run(c *gin.Context) {
	report, err := h.reconciliationService.Run(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, report))
}

// Status returns the last report and alert counts for the past day
// @Summary      Reconciliation status
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response{data=service.ReconciliationStatus}
// @Router       /reconciliation/status [get]
func (h *ReconciliationHandler) Status(c *gin.Context) {
	status, err := h.reconciliationService.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, status))
}

// ListAlerts returns recorded discrepancies, newest first
// @Summary      List reconciliation alerts
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Param        type   query     string  false  "BALANCE_MISMATCH, NFT_OWNERSHIP_MISMATCH or RECONCILIATION_ERROR"
// @Param        page   query     int     false  "Page"
// @Param        limit  query     int     false  "Page size"
// @Success      200    {object}  response.Response{data=response.Page}
// @Router       /reconciliation/alerts [get]
func (h *ReconciliationHandler) ListAlerts(c *gin.Context) {
	p := pagination.Parse(c)

	alerts, total, err := h.reconciliationService.ListAlerts(c.Request.Context(), c.Query("type"), p.Page, p.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, alerts, total, p.Page, p.Limit))
}
