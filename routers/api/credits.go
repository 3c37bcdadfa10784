package api

import (
	"net/http"
	"strconv"

	"vidfab-server/apperr"

	"github.com/gin-gonic/gin"
)

const maxTransactions = 200

// 查询积分余额和最近流水: GET /v1/api/users/:user_id/credits?limit=50
func (h *Handler) GetCredits(c *gin.Context) {
	const op = "credits.get"
	callerID, ok := h.requireCaller(c)
	if !ok {
		return
	}
	userID := c.Param("user_id")
	if callerID != userID {
		h.fail(c, apperr.AccessDenied(op, "credits of another user"))
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.fail(c, apperr.Validation(op, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxTransactions)
	}

	ctx := c.Request.Context()
	balance, err := h.Ledger.Balance(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	txs, err := h.Ledger.Transactions(ctx, userID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      userID,
		"balance":      balance,
		"transactions": txs,
	})
}

type grantRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	Description string `json:"description"`
}

// 充值积分 (运维操作): POST /v1/api/users/:user_id/credits
func (h *Handler) GrantCredits(c *gin.Context) {
	const op = "credits.grant"
	if !h.requireAdmin(c, op) {
		return
	}
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.Validation(op, "bad request body: %v", err))
		return
	}
	if req.Description == "" {
		req.Description = "grant"
	}
	userID := c.Param("user_id")
	balance, err := h.Ledger.Grant(c.Request.Context(), userID, req.Amount, req.Description)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}
