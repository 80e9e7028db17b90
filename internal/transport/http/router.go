package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"maskrelay/agent/internal/config"
	"maskrelay/agent/internal/domain"
	"maskrelay/agent/internal/masks"
	"maskrelay/agent/internal/middleware"
	"maskrelay/agent/internal/monitoring"
	"maskrelay/agent/internal/phone"
	"maskrelay/agent/internal/relaynumber"
	"maskrelay/agent/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config       *config.Config
	Masks        *masks.Repository
	PhoneFlow    *phone.Flow
	RelayFlow    *relaynumber.Flow
	WebSocketHub *websocket.Hub
	Metrics      *monitoring.Metrics
	Health       *monitoring.HealthChecker
	Logger       *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	// 使用自定义中间件替代默认中间件
	router.Use(middleware.RecoveryHandler(deps.Logger, deps.Metrics))
	router.Use(middleware.RequestLogger(deps.Logger))
	if deps.Metrics != nil {
		router.Use(middleware.HTTPMetrics(deps.Metrics))
	}

	// CORS 配置。代理只服务本机界面，默认来源列表也很短。
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 创建处理器
	names := domain.DomainNames{
		Relay:   deps.Config.Mask.RelayDomain,
		Mozmail: deps.Config.Mask.MozmailDomain,
	}
	maskHandler := NewMaskHandler(deps.Masks, names, deps.Metrics)
	phoneHandler := NewPhoneHandler(deps.PhoneFlow)
	relayHandler := NewRelayNumberHandler(deps.RelayFlow)

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Health != nil {
		healthHandler := gin.WrapH(deps.Health.Handler())
		router.GET("/live", healthHandler)
		router.GET("/ready", healthHandler)
	}

	// Prometheus 指标
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// WebSocket 推送
	if deps.WebSocketHub != nil {
		router.GET("/v1/ws", websocket.HandleWebSocket(deps.WebSocketHub))
	}

	// V1 API
	v1 := router.Group("/v1")
	v1.Use(middleware.AgentAuth(deps.Config.Server.AgentToken))
	{
		// ========== Mask Routes ==========
		maskRoutes := v1.Group("/masks")
		{
			maskRoutes.GET("", maskHandler.listMasks)         // 列出掩码（支持过滤）
			maskRoutes.POST("", maskHandler.createMask)       // 创建随机或自定义掩码
			maskRoutes.PATCH("/:id", maskHandler.updateMask)  // 更新掩码
			maskRoutes.DELETE("/:id", maskHandler.deleteMask) // 删除掩码
		}
		v1.GET("/profile", maskHandler.getProfile) // 账户档案

		// ========== Phone Verification Routes ==========
		phoneRoutes := v1.Group("/phone")
		{
			phoneRoutes.GET("", phoneHandler.getState)             // 当前验证流程快照
			phoneRoutes.POST("/number", phoneHandler.submitNumber) // 提交手机号
			phoneRoutes.POST("/code", phoneHandler.submitCode)     // 提交验证码
			phoneRoutes.POST("/resend", phoneHandler.resend)       // 重发验证码
			phoneRoutes.POST("/back", phoneHandler.goBack)         // 放弃当前号码
		}

		// ========== Relay Number Routes ==========
		relayRoutes := v1.Group("/relaynumber")
		{
			relayRoutes.GET("", relayHandler.getState)                     // 当前注册流程快照
			relayRoutes.POST("/suggestions", relayHandler.loadSuggestions) // 拉取候选号码
			relayRoutes.POST("/more", relayHandler.moreOptions)            // 下一组候选
			relayRoutes.POST("/search", relayHandler.search)               // 搜索候选号码
			relayRoutes.POST("/select", relayHandler.selectNumber)         // 选中号码
			relayRoutes.POST("/submit", relayHandler.submit)               // 进入确认
			relayRoutes.POST("/cancel", relayHandler.cancel)               // 退出确认
			relayRoutes.POST("/confirm", relayHandler.confirm)             // 发起注册
			relayRoutes.POST("/retry", relayHandler.retry)                 // 注册失败后重试
		}
	}

	return router
}
