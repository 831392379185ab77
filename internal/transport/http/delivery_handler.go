package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/parcel-service/internal/model"
	"github.com/richardliu001/parcel-service/internal/repo"
	"github.com/richardliu001/parcel-service/internal/service"
	"go.uber.org/zap"
)

func registerDeliveryHandlers(g *gin.RouterGroup, svc *service.DeliveryService, log *zap.SugaredLogger) {
	g.POST("/deliveries", createDeliveryHandler(svc, log))
	g.GET("/deliveries/available", availableHandler(svc, log))
	g.GET("/deliveries/mine", myDeliveriesHandler(svc, log))
	g.GET("/deliveries/:id", getDeliveryHandler(svc, log))
	g.POST("/deliveries/:id/accept", acceptHandler(svc, log))
	g.POST("/deliveries/:id/status", statusHandler(svc, log))
	g.POST("/deliveries/:id/cancel", cancelHandler(svc, log))
}

func createDeliveryHandler(svc *service.DeliveryService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req model.DeliveryParams
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		d, err := svc.Create(c.Request.Context(), actorFrom(c), req)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, d)
	}
}

func availableHandler(svc *service.DeliveryService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := svc.ListAvailable(c.Request.Context(), repo.RouteFilter{
			From: c.Query("from"),
			To:   c.Query("to"),
		})
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": out})
	}
}

func myDeliveriesHandler(svc *service.DeliveryService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.Query("page"))
		size, _ := strconv.Atoi(c.Query("page_size"))
		out, err := svc.ListMine(c.Request.Context(), actorFrom(c), model.DeliveryStatus(c.Query("status")), page, size)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func getDeliveryHandler(svc *service.DeliveryService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := svc.Get(c.Request.Context(), actorFrom(c), c.Param("id"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func acceptHandler(svc *service.DeliveryService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := svc.Accept(c.Request.Context(), actorFrom(c), c.Param("id"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

type statusReq struct {
	Status      model.DeliveryStatus `json:"status" binding:"required"`
	Location    string               `json:"location"`
	Description string               `json:"description"`
}

func statusHandler(svc *service.DeliveryService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statusReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		d, err := svc.UpdateStatus(c.Request.Context(), actorFrom(c), c.Param("id"), req.Status, req.Location, req.Description)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func cancelHandler(svc *service.DeliveryService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := svc.Cancel(c.Request.Context(), actorFrom(c), c.Param("id"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}
