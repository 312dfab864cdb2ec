package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sirenorder/point-service/internal/repo"
	"github.com/sirenorder/point-service/internal/service"
)

// IdempotencyKeyHeader lets callers make POST /points safe to retry.
const IdempotencyKeyHeader = "Idempotency-Key"

// OutcomeHeader reports whether a request was applied or was a duplicate.
const OutcomeHeader = "X-Point-Outcome"

func RegisterHandlers(r gin.IRouter, svc *service.PointService) {
	r.POST("/points", pointHandler(svc))
	r.GET("/points", listHandler(svc))
	r.GET("/points/orders/:orderId/balance", balanceHandler(svc))
}

type pointReq struct {
	OrderID int64  `json:"orderId" binding:"required"`
	UserID  string `json:"userId" binding:"required"`
	Point   int64  `json:"point" binding:"required"`
}

func pointHandler(svc *service.PointService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req pointReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		outcome, err := svc.RequestPoints(c, service.PointRequest{
			OrderID:        req.OrderID,
			UserID:         req.UserID,
			Point:          req.Point,
			IdempotencyKey: c.GetHeader(IdempotencyKeyHeader),
		})
		if err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Header(OutcomeHeader, string(outcome))
		c.Status(http.StatusNoContent)
	}
}

func listHandler(svc *service.PointService) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, err := strconv.ParseInt(c.Query("orderId"), 10, 64)
		if err != nil || orderID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid orderId"})
			return
		}
		rows, err := svc.Points(c, orderID)
		if err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func balanceHandler(svc *service.PointService) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, err := strconv.ParseInt(c.Param("orderId"), 10, 64)
		if err != nil || orderID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid orderId"})
			return
		}
		bal, err := svc.Balance(c, orderID)
		if err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"orderId": orderID, "balance": bal})
	}
}

func healthHandler(svc *service.PointService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Ready(c); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, repo.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
