package router

import (
	"net/http"

	"inventory_engine/internal/model"
	"inventory_engine/internal/notify"

	"github.com/gin-gonic/gin"
)

// listNotifications 按状态、用户、事件过滤通知记录，新的在前。
func listNotifications(repo *notify.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		offset, valid := queryInt(c, "offset", 0)
		if !valid {
			return
		}
		limit, valid := queryInt(c, "limit", 50)
		if !valid {
			return
		}
		status := model.NotificationStatus(c.Query("status"))
		switch status {
		case "", model.NotificationPending, model.NotificationSent, model.NotificationFailed:
		default:
			badRequest(c, "status must be PENDING, SENT or FAILED")
			return
		}

		list, total, err := repo.List(c.Request.Context(), notify.ListFilter{
			Status:  status,
			UserID:  c.Query("user_id"),
			EventID: c.Query("event_id"),
			Offset:  offset,
			Limit:   limit,
		})
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"items": list, "total": total})
	}
}

func getNotification(repo *notify.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := repo.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, n)
	}
}

// sendTestNotification 向管理员邮箱发送测试邮件，验证发信链路。
func sendTestNotification(repo *notify.Repository, ch notify.Channel, adminEmail string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminEmail == "" {
			badRequest(c, "admin email not configured")
			return
		}
		if ch == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": 503, "msg": "email channel not configured"})
			return
		}
		n, err := notify.SendAdminTest(c.Request.Context(), repo, ch, adminEmail)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{
			"notification_id": n.ID,
			"email_sent":      n.Status == model.NotificationSent,
			"admin_email":     adminEmail,
			"error_msg":       n.ErrorMsg,
		})
	}
}

// replayEvents 重新发布死信中的低库存事件。
func replayEvents(pub EventReplayer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pub == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": 503, "msg": "event publisher not configured"})
			return
		}
		res, err := pub.Replay(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}
