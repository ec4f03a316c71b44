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

type ApprovalHandler struct {
	approvalService service.ApprovalService
	auth            *middleware.Auth
}

func NewApprovalHandler(approvalService service.ApprovalService, auth *middleware.Auth) *ApprovalHandler {
	return &ApprovalHandler{approvalService: approvalService, auth: auth}
}

func (h *ApprovalHandler) RegisterRoutes(router *gin.RouterGroup) {
	approvals := router.Group("/approvals", h.auth.RequireRole())
	{
		approvals.POST("", h.CreateApprovalRequest)
		approvals.GET("/mine", h.ListMyApprovalRequests)
		approvals.GET("/:id", h.GetApprovalRequest)
	}

	admin := router.Group("/admin/approvals", h.auth.RequireRole(model.RoleAdmin))
	{
		admin.GET("", h.ListApprovalRequests)
		admin.GET("/pending", h.ListPendingApprovalRequests)
		admin.GET("/stats", h.GetApprovalStats)
		admin.POST("/:id/approve", h.ApproveRequest)
		admin.POST("/:id/retry", h.RetryExecution)
		admin.POST("/:id/reject", h.RejectRequest)
	}
}

// CreateApprovalRequest submits a new request for admin review
// @Summary      Submit approval request
// @Description  Validates the payload for its kind and stores it as a pending request. Purchases and withdrawals use their own endpoints
// @Tags         approvals
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.CreateApprovalRequestDTO  true  "Request"
// @Success      201      {object}  response.Response{data=service.ApprovalRequestResponse}
// @Failure      400      {object}  response.Response
// @Router       /approvals [post]
func (h *ApprovalHandler) CreateApprovalRequest(c *gin.Context) {
	session, ok := sessionOf(c)
	if !ok {
		return
	}

	var req service.CreateApprovalRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	payload, err := service.DecodePayload(req.Kind, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := h.approvalService.RequestApproval(c.Request.Context(), session, payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, result))
}

// ListMyApprovalRequests returns the caller's own requests
// @Summary      List my approval requests
// @Tags         approvals
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response{data=[]service.ApprovalRequestResponse}
// @Router       /approvals/mine [get]
func (h *ApprovalHandler) ListMyApprovalRequests(c *gin.Context) {
	session, ok := sessionOf(c)
	if !ok {
		return
	}

	requests, err := h.approvalService.ListForUser(c.Request.Context(), session.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, requests))
}

// GetApprovalRequest returns one request. Non-admins only see their own.
// @Summary      Get approval request
// @Tags         approvals
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Request ID"
// @Success      200  {object}  response.Response{data=service.ApprovalRequestResponse}
// @Failure      404  {object}  response.Response
// @Router       /approvals/{id} [get]
func (h *ApprovalHandler) GetApprovalRequest(c *gin.Context) {
	session, ok := sessionOf(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	result, err := h.approvalService.Get(c.Request.Context(), session, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// ListApprovalRequests returns approval requests, optionally filtered by status
// @Summary      List approval requests
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Param        status  query     string  false  "pending, approved, rejected or executed"
// @Param        page    query     int     false  "Page"
// @Param        limit   query     int     false  "Page size"
// @Success      200     {object}  response.Response{data=response.Page}
// @Router       /admin/approvals [get]
func (h *ApprovalHandler) ListApprovalRequests(c *gin.Context) {
	p := pagination.Parse(c)
	filter := service.ApprovalFilter{
		Status: c.Query("status"),
		Page:   p.Page,
		Limit:  p.Limit,
	}

	approvals, total, err := h.approvalService.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, approvals, total, p.Page, p.Limit))
}

// ListPendingApprovalRequests returns the review queue, oldest first
// @Summary      List pending approval requests
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response{data=[]service.ApprovalRequestResponse}
// @Router       /admin/approvals/pending [get]
func (h *ApprovalHandler) ListPendingApprovalRequests(c *gin.Context) {
	requests, err := h.approvalService.ListPending(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, requests))
}

// GetApprovalStats counts requests per status
// @Summary      Approval statistics
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response{data=service.ApprovalStats}
// @Router       /admin/approvals/stats [get]
func (h *ApprovalHandler) GetApprovalStats(c *gin.Context) {
	stats, err := h.approvalService.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, stats))
}

// ApproveRequest approves a pending request and executes it
// @Summary      Approve request
// @Description  Approves the request and runs its on-chain side effect. A failed execution leaves the request approved for retry.
// @Tags         admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string                    true   "Request ID"
// @Param        payload  body      service.ReviewRequestDTO  false  "Notes"
// @Success      200      {object}  response.Response{data=service.ApprovalResult}
// @Failure      409      {object}  response.Response
// @Failure      502      {object}  response.Response
// @Router       /admin/approvals/{id}/approve [post]
func (h *ApprovalHandler) ApproveRequest(c *gin.Context) {
	session, ok := sessionOf(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req service.ReviewRequestDTO
	// Notes are optional, an empty body is accepted.
	_ = c.ShouldBindJSON(&req)

	result, err := h.approvalService.Approve(c.Request.Context(), session, id, req.AdminNotes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// RetryExecution re-runs the side effect of an approved request
// @Summary      Retry execution
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Request ID"
// @Success      200  {object}  response.Response{data=service.ApprovalResult}
// @Failure      409  {object}  response.Response
// @Failure      502  {object}  response.Response
// @Router       /admin/approvals/{id}/retry [post]
func (h *ApprovalHandler) RetryExecution(c *gin.Context) {
	session, ok := sessionOf(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	result, err := h.approvalService.RetryExecution(c.Request.Context(), session, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// RejectRequest rejects a pending approval request
// @Summary      Reject request
// @Tags         admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string                    true   "Request ID"
// @Param        payload  body      service.ReviewRequestDTO  false  "Reason in admin_notes"
// @Success      200      {object}  response.Response{data=service.ApprovalRequestResponse}
// @Failure      409      {object}  response.Response
// @Router       /admin/approvals/{id}/reject [post]
func (h *ApprovalHandler) RejectRequest(c *gin.Context) {
	session, ok := sessionOf(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req service.ReviewRequestDTO
	// Reason is optional, an empty body is accepted.
	_ = c.ShouldBindJSON(&req)

	result, err := h.approvalService.Reject(c.Request.Context(), session, id, req.AdminNotes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}
