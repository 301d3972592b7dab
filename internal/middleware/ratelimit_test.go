package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"inventory_engine/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisRateLimit_PerOrder(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	r := gin.New()
	var seen []string
	r.POST("/reserve", RedisRateLimit(rdb, 2, time.Minute, zap.NewNop()), func(c *gin.Context) {
		b, _ := io.ReadAll(c.Request.Body)
		seen = append(seen, string(b))
		c.Status(http.StatusOK)
	})

	send := func(body string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/reserve", strings.NewReader(body))
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send(`{"order_id":"o1"}`))
	assert.Equal(t, http.StatusOK, send(`{"order_id":"o1"}`))
	assert.Equal(t, http.StatusTooManyRequests, send(`{"order_id":"o1"}`))
	assert.Equal(t, http.StatusOK, send(`{"order_id":"o2"}`), "other orders have their own window")

	require.Len(t, seen, 3)
	assert.Equal(t, `{"order_id":"o1"}`, seen[0], "body is still readable downstream")
}

func TestRedisRateLimit_FailsOpen(t *testing.T) {
	mr, rdb := testutil.NewRedis(t)
	mr.Close()

	r := gin.New()
	r.POST("/reserve", RedisRateLimit(rdb, 1, time.Minute, zap.NewNop()), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/reserve", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, w.Code)
}
