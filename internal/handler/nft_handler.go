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

type NFTHandler struct {
	nftService service.NFTService
	auth       *middleware.Auth
}

func NewNFTHandler(nftService service.NFTService, auth *middleware.Auth) *NFTHandler {
	return &NFTHandler{nftService: nftService, auth: auth}
}

func (h *NFTHandler) RegisterRoutes(router *gin.RouterGroup) {
	nfts := router.Group("/nfts", h.auth.RequireRole())
	{
		nfts.GET("", h.ListNFTs)
		nfts.GET("/mine", h.ListMyNFTs)
		nfts.POST("", h.auth.RequireRole(model.RoleFarmer, model.RoleAdmin), h.RequestMint)
		nfts.POST("/:id/purchase", h.RequestPurchase)
		nfts.PUT("/:id/price", h.SetPrice)
	}
}

// ListNFTs returns listed land NFTs
// @Summary      List marketplace NFTs
// @Tags         nfts
// @Produce      json
// @Security     BearerAuth
// @Param        page   query     int  false  "Page"
// @Param        limit  query     int  false  "Page size"
// @Success      200    {object}  response.Response{data=response.Page}
// @Router       /nfts [get]
func (h *NFTHandler) ListNFTs(c *gin.Context) {
	p := pagination.Parse(c)

	nfts, total, err := h.nftService.List(c.Request.Context(), p.Page, p.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, nfts, total, p.Page, p.Limit))
}

// ListMyNFTs returns the NFTs owned by the caller
// @Summary      List my NFTs
// @Tags         nfts
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response{data=[]service.NFTResponse}
// @Router       /nfts/mine [get]
func (h *NFTHandler) ListMyNFTs(c *gin.Context) {
	session, ok := sessionOf(c)
	if !ok {
		return
	}

	nfts, err := h.nftService.ListOwned(c.Request.Context(), session)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, nfts))
}

// RequestMint drafts an NFT and queues its mint for admin approval
// @Summary      Request NFT mint
// @Tags         nfts
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.MintNFTRequest  true  "NFT"
// @Success      201      {object}  response.Response{data=service.ApprovalRequestResponse}
// @Failure      400      {object}  response.Response
// @Router       /nfts [post]
func (h *NFTHandler) RequestMint(c *gin.Context) {
	session, ok := sessionOf(c)
	if !ok {
		return
	}

	var req service.MintNFTRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	result, err := h.nftService.RequestMint(c.Request.Context(), session, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, result))
}

// RequestPurchase queues a purchase of a listed NFT at its current price
// @Summary      Request NFT purchase
// @Tags         nfts
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "NFT ID"
// @Success      201  {object}  response.Response{data=service.ApprovalRequestResponse}
// @Failure      404  {object}  response.Response
// @Failure      400  {object}  response.Response
// @Router       /nfts/{id}/purchase [post]
func (h *NFTHandler) RequestPurchase(c *gin.Context) {
	session, ok := sessionOf(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	result, err := h.nftService.RequestPurchase(c.Request.Context(), session, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, result))
}

// SetPrice updates the price and listing flag of an owned NFT
// @Summary      Set NFT price
// @Tags         nfts
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string                   true  "NFT ID"
// @Param        payload  body      service.SetPriceRequest  true  "Price"
// @Success      200      {object}  response.Response{data=service.NFTResponse}
// @Failure      403      {object}  response.Response
// @Router       /nfts/{id}/price [put]
func (h *NFTHandler) SetPrice(c *gin.Context) {
	session, ok := sessionOf(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req service.SetPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	result, err := h.nftService.SetPrice(c.Request.Context(), session, id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}
