package ginrt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	realtime "github.com/kevsands/prop-ie-platform-core-sub048"
)

func newTestRouter(t *testing.T) (*gin.Engine, *realtime.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv := realtime.NewServer(context.Background(),
		realtime.WithLogger(realtime.NewZapLogger(zap.NewNop())))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.GracefulShutdown(ctx)
	})

	r := gin.New()
	r.GET("/ws", Handler(srv))
	r.GET("/admin/metrics", MetricsHandler(srv))
	r.GET("/admin/stats", StatsHandler(srv))
	r.POST("/admin/actions", ActionHandler(srv))
	return r, srv
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Metrics  realtime.SystemMetrics `json:"metrics"`
		Insights realtime.Insights      `json:"insights"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Metrics.Pools)
	require.Equal(t, realtime.StatusHealthy, body.Insights.Status)
	require.NotEmpty(t, body.Insights.Recommendations)
}

func TestStatsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "connections")
}

func TestActionEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/actions",
		strings.NewReader(`{"action":"scale_up"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var res realtime.ActionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.True(t, res.Success)
	require.Contains(t, res.Message, "provisioned")
}

func TestActionEndpointRejectsUnknown(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/actions",
		strings.NewReader(`{"action":"defragment"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestActionEndpointRejectsBadBody(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/actions", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWSEndpointRequiresAuth(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWSEndpointRequiresUpgrade(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?user_id=alice", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWSEndpointThrottlesPerIP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	srv := realtime.NewServer(context.Background(),
		realtime.WithLogger(realtime.NewZapLogger(zap.NewNop())),
		realtime.WithPoolConfig(realtime.PoolConfig{
			ThrottleRate:  0.0001,
			ThrottleBurst: 1,
		}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.GracefulShutdown(ctx)
	})

	r := gin.New()
	r.GET("/ws", Handler(srv))

	_, err := srv.Admin().Execute(realtime.ActionRequest{Action: realtime.ActionEnableThrottling})
	require.NoError(t, err)

	// One token in the bucket: the first attempt passes the throttle (and
	// fails the upgrade check), the second is shed.
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/ws?user_id=alice", nil))
	require.Equal(t, http.StatusBadRequest, w1.Code)

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/ws?user_id=alice", nil))
	require.Equal(t, http.StatusTooManyRequests, w2.Code)
}
