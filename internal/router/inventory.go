package router

import (
	"strconv"

	"inventory_engine/internal/reservation"
	"inventory_engine/internal/store"

	"github.com/gin-gonic/gin"
)

// registerStock 登记新商品库存，未给阈值时用默认补货阈值。
func registerStock(engine *reservation.Engine, defaultThreshold int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ProductID        string `json:"product_id" binding:"required"`
			Quantity         int64  `json:"quantity"`
			ReorderThreshold *int64 `json:"reorder_threshold"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		threshold := defaultThreshold
		if req.ReorderThreshold != nil {
			threshold = *req.ReorderThreshold
		}
		item, err := engine.RegisterStock(c.Request.Context(), req.ProductID, req.Quantity, threshold)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, item)
	}
}

// listItems 分页列出库存，low_stock_only=true 只看低于阈值的商品。
func listItems(engine *reservation.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		offset, valid := queryInt(c, "offset", 0)
		if !valid {
			return
		}
		limit, valid := queryInt(c, "limit", 100)
		if !valid {
			return
		}
		lowOnly := false
		if raw := c.Query("low_stock_only"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				badRequest(c, "low_stock_only must be a boolean")
				return
			}
			lowOnly = v
		}

		items, err := engine.Items(c.Request.Context(), store.ItemFilter{LowOnly: lowOnly, Offset: offset, Limit: limit})
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"items": items, "count": len(items)})
	}
}

// checkStock 只读探测可售量是否足够。
func checkStock(engine *reservation.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		qty, err := strconv.ParseInt(c.Query("quantity"), 10, 64)
		if err != nil {
			badRequest(c, "quantity must be an integer")
			return
		}
		available, item, err := engine.Check(c.Request.Context(), c.Query("product_id"), qty)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{
			"product_id":    item.ProductID,
			"quantity":      qty,
			"available":     available,
			"available_qty": item.AvailableQty,
		})
	}
}

func getItem(engine *reservation.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		item, err := engine.Item(c.Request.Context(), c.Param("product_id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, item)
	}
}

// getHistory 最近的库存变更，新的在前。
func getHistory(engine *reservation.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, valid := queryInt(c, "limit", 50)
		if !valid {
			return
		}
		hist, err := engine.History(c.Request.Context(), c.Param("product_id"), limit)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, hist)
	}
}

// adjustStock 补货或盘点调整。
func adjustStock(engine *reservation.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Delta       int64  `json:"delta"`
			Reason      string `json:"reason"`
			ReferenceID string `json:"reference_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		item, err := engine.Adjust(c.Request.Context(), c.Param("product_id"), req.Delta, req.Reason, req.ReferenceID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, item)
	}
}

func setThreshold(engine *reservation.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ReorderThreshold *int64 `json:"reorder_threshold" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		item, err := engine.SetThreshold(c.Request.Context(), c.Param("product_id"), *req.ReorderThreshold)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, item)
	}
}
