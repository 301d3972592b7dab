package router

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"inventory_engine/internal/lowstock"
	"inventory_engine/internal/middleware"
	"inventory_engine/internal/notify"
	"inventory_engine/internal/reservation"
	rediskey "inventory_engine/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventReplayer 死信重放与积压查询，由 lowstock.Publisher 实现。
type EventReplayer interface {
	Replay(ctx context.Context) (lowstock.ReplayResult, error)
	Backlog() int64
}

// DispatchStatus 本进程内分发器的状态，由 notify.Dispatcher 实现。
type DispatchStatus interface {
	Status(ctx context.Context) (notify.Status, error)
}

// Deps HTTP 层依赖。Dispatcher 为空时 /healthz 读取 Redis 中的心跳。
type Deps struct {
	Engine         *reservation.Engine
	Notifications  *notify.Repository
	Publisher      EventReplayer
	Dispatcher     DispatchStatus
	Redis          *rd.Client
	DispatcherName string

	// TestChannel 和 AdminEmail 都设置时开放测试邮件接口
	TestChannel notify.Channel
	AdminEmail  string

	DefaultThreshold int64
	RateLimit        int
	RateWindow       time.Duration
	Log              *zap.Logger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, deps Deps) {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	r.GET("/healthz", healthz(deps))

	// Inventory
	inv := r.Group("/api/inventory")
	inv.POST("", registerStock(deps.Engine, deps.DefaultThreshold))
	inv.GET("", listItems(deps.Engine))
	inv.GET("/check", checkStock(deps.Engine))
	inv.GET("/:product_id", getItem(deps.Engine))
	inv.GET("/:product_id/history", getHistory(deps.Engine))
	inv.POST("/:product_id/adjust", adjustStock(deps.Engine))
	inv.PUT("/:product_id/threshold", setThreshold(deps.Engine))

	// Reservations
	res := r.Group("/api/reservations")
	if deps.Redis != nil && deps.RateLimit > 0 {
		res.POST("", middleware.RedisRateLimit(deps.Redis, deps.RateLimit, deps.RateWindow, deps.Log), reserve(deps.Engine))
	} else {
		res.POST("", reserve(deps.Engine))
	}
	res.GET("/:id", getReservation(deps.Engine))
	res.POST("/:id/commit", commitReservation(deps.Engine))
	res.POST("/:id/release", releaseReservation(deps.Engine))

	// Notifications
	r.GET("/api/notifications", listNotifications(deps.Notifications))
	r.POST("/api/notifications/test", sendTestNotification(deps.Notifications, deps.TestChannel, deps.AdminEmail))
	r.GET("/api/notifications/:id", getNotification(deps.Notifications))

	r.POST("/api/events/replay", replayEvents(deps.Publisher))
}

// healthz 汇总存储可达性、事件日志滞后、最近一次分发时间和发布积压。
func healthz(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		status := http.StatusOK
		data := gin.H{"store": "ok"}

		if err := deps.Engine.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			data["store"] = "unavailable"
			data["store_error"] = err.Error()
		}
		if deps.Publisher != nil {
			data["publisher_backlog"] = deps.Publisher.Backlog()
		}

		switch {
		case deps.Dispatcher != nil:
			st, err := deps.Dispatcher.Status(ctx)
			if err != nil {
				data["dispatcher_error"] = err.Error()
			}
			data["dispatcher"] = st
		case deps.Redis != nil && deps.DispatcherName != "":
			state, found, err := rediskey.GetWorkerState(ctx, deps.Redis, deps.DispatcherName)
			switch {
			case err != nil:
				data["dispatcher_error"] = err.Error()
			case !found:
				data["dispatcher"] = gin.H{"name": deps.DispatcherName, "running": false}
			default:
				data["dispatcher"] = heartbeatView(deps.DispatcherName, state)
			}
		}

		code := 0
		if status != http.StatusOK {
			code = status
		}
		c.JSON(status, gin.H{"code": code, "data": data})
	}
}

func heartbeatView(name string, state map[string]string) gin.H {
	out := gin.H{"name": name, "running": true, "cursor": state["cursor"]}
	if lag, err := strconv.ParseInt(state["lag"], 10, 64); err == nil {
		out["lag"] = lag
	}
	if v := state["last_dispatch_at"]; v != "" {
		out["last_dispatch_at"] = v
	}
	out["updated_at"] = state["updated_at"]
	return out
}

// fail 把领域错误映射为 HTTP 状态码。
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, reservation.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, reservation.ErrNotFound), errors.Is(err, notify.ErrNotificationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, reservation.ErrInsufficientStock),
		errors.Is(err, reservation.ErrInvalidState),
		errors.Is(err, reservation.ErrAlreadyRegistered):
		status = http.StatusConflict
	case errors.Is(err, reservation.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"code": status, "msg": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": msg})
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

// queryInt 解析可选的非负整数查询参数。
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		badRequest(c, name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}
