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

type BlockchainHandler struct {
	syncService service.SyncService
	auth        *middleware.Auth
}

func NewBlockchainHandler(syncService service.SyncService, auth *middleware.Auth) *BlockchainHandler {
	return &BlockchainHandler{syncService: syncService, auth: auth}
}

func (h *BlockchainHandler) RegisterRoutes(router *gin.RouterGroup) {
	txs := router.Group("/blockchain", h.auth.RequireRole())
	{
		txs.GET("/transactions", h.ListTransactions)
		txs.POST("/transactions", h.RecordTransaction)
		txs.POST("/verify", h.VerifyTransaction)
		txs.POST("/sync", h.auth.RequireRole(model.RoleAdmin), h.SyncPendingTransactions)
	}
}

// RecordTransaction stores a client-submitted transaction hash for tracking
// @Summary      Record transaction
// @Tags         blockchain
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.RecordTransactionRequest  true  "Transaction"
// @Success      201      {object}  response.Response{data=service.BlockchainTransactionResponse}
// @Failure      400      {object}  response.Response
// @Router       /blockchain/transactions [post]
func (h *BlockchainHandler) RecordTransaction(c *gin.Context) {
	session, ok := sessionOf(c)
	if !ok {
		return
	}

	var req service.RecordTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	result, err := h.syncService.RecordTransaction(c.Request.Context(), session, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, result))
}

// VerifyTransaction looks up the receipt of a transaction hash
// @Summary      Verify transaction
// @Tags         blockchain
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.VerifyTransactionRequest  true  "Hash"
// @Success      200      {object}  response.Response{data=service.VerificationResult}
// @Failure      502      {object}  response.Response
// @Router       /blockchain/verify [post]
func (h *BlockchainHandler) VerifyTransaction(c *gin.Context) {
	var req service.VerifyTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	result, err := h.syncService.VerifyTransaction(c.Request.Context(), req.TxHash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// ListTransactions returns tracked transactions. Non-admins see their own.
// @Summary      List blockchain transactions
// @Tags         blockchain
// @Produce      json
// @Security     BearerAuth
// @Param        status  query     string  false  "pending, confirmed or failed"
// @Param        page    query     int     false  "Page"
// @Param        limit   query     int     false  "Page size"
// @Success      200     {object}  response.Response{data=response.Page}
// @Router       /blockchain/transactions [get]
func (h *BlockchainHandler) ListTransactions(c *gin.Context) {
	session, ok := sessionOf(c)
	if !ok {
		return
	}
	p := pagination.Parse(c)

	filter := service.TransactionFilter{Status: c.Query("status"), Page: p.Page, Limit: p.Limit}
	txs, total, err := h.syncService.ListTransactions(c.Request.Context(), session, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, txs, total, p.Page, p.Limit))
}

// SyncPendingTransactions checks pending transactions against the chain
// @Summary      Sync pending transactions
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response{data=service.SyncReport}
// @Failure      502  {object}  response.Response
// @Router       /blockchain/sync [post]
func (h *BlockchainHandler) SyncPendingTransactions(c *gin.Context) {
	report, err := h.syncService.SyncPendingTransactions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, report))
}
