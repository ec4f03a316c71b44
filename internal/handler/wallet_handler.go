package handler

import (
	"net/http"

	"agrifinance/internal/middleware"
	"agrifinance/internal/service"
	"agrifinance/pkg/pagination"
	"agrifinance/pkg/response"

	"github.com/gin-gonic/gin"
)

type WalletHandler struct {
	walletService service.WalletService
	auth          *middleware.Auth
}

func NewWalletHandler(walletService service.WalletService, auth *middleware.Auth) *WalletHandler {
	return &WalletHandler{walletService: walletService, auth: auth}
}

func (h *WalletHandler) RegisterRoutes(router *gin.RouterGroup) {
	wallet := router.Group("/wallet", h.auth.RequireRole())
	{
		wallet.GET("", h.GetWallet)
		wallet.GET("/transactions", h.ListTransactions)
		wallet.POST("/withdrawals", h.RequestWithdrawal)
	}
}

// GetWallet returns the caller's custodial wallet
// @Summary      Get my wallet
// @Tags         wallet
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response{data=service.WalletResponse}
// @Failure      404  {object}  response.Response
// @Router       /wallet [get]
func (h *WalletHandler) GetWallet(c *gin.Context) {
	session, ok := sessionOf(c)
	if !ok {
		return
	}

	wallet, err := h.walletService.GetWallet(c.Request.Context(), session)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, wallet))
}

// ListTransactions returns the caller's wallet ledger
// @Summary      List wallet transactions
// @Tags         wallet
// @Produce      json
// @Security     BearerAuth
// @Param        page   query     int  false  "Page"
// @Param        limit  query     int  false  "Page size"
// @Success      200    {object}  response.Response{data=response.Page}
// @Router       /wallet/transactions [get]
func (h *WalletHandler) ListTransactions(c *gin.Context) {
	session, ok := sessionOf(c)
	if !ok {
		return
	}
	p := pagination.Parse(c)

	txs, total, err := h.walletService.ListTransactions(c.Request.Context(), session, p.Page, p.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, txs, total, p.Page, p.Limit))
}

// RequestWithdrawal queues a token withdrawal for admin approval
// @Summary      Request withdrawal
// @Tags         wallet
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.WithdrawalRequest  true  "Withdrawal"
// @Success      201      {object}  response.Response{data=service.ApprovalRequestResponse}
// @Failure      400      {object}  response.Response
// @Router       /wallet/withdrawals [post]
func (h *WalletHandler) RequestWithdrawal(c *gin.Context) {
	session, ok := sessionOf(c)
	if !ok {
		return
	}

	var req service.WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	result, err := h.walletService.RequestWithdrawal(c.Request.Context(), session, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, result))
}
