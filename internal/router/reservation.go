package router

import (
	"inventory_engine/internal/reservation"

	"github.com/gin-gonic/gin"
)

// reserve 为订单占用库存。同一订单重复请求返回已有的 HELD 预留。
func reserve(engine *reservation.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ProductID string `json:"product_id" binding:"required"`
			OrderID   string `json:"order_id" binding:"required"`
			Quantity  int64  `json:"quantity"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		r, err := engine.Reserve(c.Request.Context(), req.ProductID, req.OrderID, req.Quantity)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, r)
	}
}

func getReservation(engine *reservation.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := engine.Reservation(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, r)
	}
}

func commitReservation(engine *reservation.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := engine.Commit(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, r)
	}
}

func releaseReservation(engine *reservation.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := engine.Release(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, r)
	}
}
