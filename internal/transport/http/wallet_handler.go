package http

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/parcel-service/internal/model"
	"github.com/richardliu001/parcel-service/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func registerWalletHandlers(g *gin.RouterGroup, svc *service.WalletService, log *zap.SugaredLogger) {
	g.POST("/wallet/credit", ledgerHandler(svc, model.TxCredit, log))
	g.POST("/wallet/debit", ledgerHandler(svc, model.TxDebit, log))
	g.GET("/wallet/balance", balanceHandler(svc, log))
	g.GET("/wallet/transactions", transactionsHandler(svc, log))
	g.GET("/wallet/reconcile", reconcileHandler(svc, log))
}

type ledgerReq struct {
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// ledgerHandler serves credit and debit. The idempotency key may also come
// from the Idempotency-Key header; the body wins when both are set.
func ledgerHandler(svc *service.WalletService, txType model.TxType, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ledgerReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		ref := strings.TrimSpace(req.IdempotencyKey)
		if ref == "" {
			ref = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		}

		actor := actorFrom(c)
		apply := svc.Credit
		if txType == model.TxDebit {
			apply = svc.Debit
		}
		res, err := apply(c.Request.Context(), actor.ID, req.Amount, req.Description, ref)
		if err != nil {
			writeError(c, log, err)
			return
		}
		status := http.StatusCreated
		if res.Replayed {
			status = http.StatusOK
		}
		c.JSON(status, res)
	}
}

func balanceHandler(svc *service.WalletService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := actorFrom(c)
		bal, err := svc.GetBalance(c.Request.Context(), actor.ID)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": actor.ID, "balance": bal})
	}
}

func transactionsHandler(svc *service.WalletService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.Query("page"))
		size, _ := strconv.Atoi(c.Query("page_size"))
		out, err := svc.ListTransactions(c.Request.Context(), actorFrom(c).ID, model.TxType(c.Query("type")), page, size)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// reconcileHandler checks the caller's wallet. Admins may name another user.
func reconcileHandler(svc *service.WalletService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := actorFrom(c)
		userID := actor.ID
		if other := c.Query("user_id"); other != "" && other != actor.ID {
			if actor.Role != model.RoleAdmin {
				writeError(c, log, fmt.Errorf("%w: only admins can reconcile other wallets", service.ErrForbidden))
				return
			}
			userID = other
		}
		rec, err := svc.Reconcile(c.Request.Context(), userID)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}
