package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsink/backend/internal/config"
	"mailsink/backend/internal/health"
	"mailsink/backend/internal/middleware"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/service"
	"mailsink/backend/internal/websocket"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	pipeline  *service.Pipeline
	mailboxes *service.MailboxService
	messages  *service.MessageService
	logger    *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	Pipeline       *service.Pipeline
	MailboxService *service.MailboxService
	MessageService *service.MessageService
	WebSocketHub   *websocket.Hub
	HealthChecker  *health.HealthChecker
	Metrics        *monitoring.Metrics
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RecoveryHandler(deps.Logger, deps.Metrics.RecordPanic))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.HTTPMetrics(deps.Metrics))

	// 原始邮件以 JSON 字符串携带，转义后会膨胀，上限留出余量
	bodyLimit := deps.Config.SMTP.MaxMessageBytes * 3 / 2
	if bodyLimit <= 0 {
		bodyLimit = middleware.DefaultBodyLimit
	}
	router.Use(middleware.BodySizeLimit(bodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", SecretHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		pipeline:  deps.Pipeline,
		mailboxes: deps.MailboxService,
		messages:  deps.MessageService,
		logger:    deps.Logger,
	}

	// 接收端点给上游中继用，限流口径比管理 API 宽
	webhookLimiter := middleware.NewRateLimiter(100, 200)
	apiLimiter := middleware.NewRateLimiter(20, 40)

	// 健康检查与指标
	if deps.HealthChecker != nil {
		router.GET("/health/live", gin.WrapF(deps.HealthChecker.LiveEndpoint()))
		router.GET("/health/ready", gin.WrapF(deps.HealthChecker.ReadyEndpoint()))
	} else {
		router.GET("/health/live", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	api := router.Group("/api")
	{
		// ========== 入站邮件 Webhook ==========
		webhookRoutes := api.Group("/webhook")
		webhookRoutes.Use(webhookLimiter.Handler())
		{
			webhookRoutes.POST("/email", handler.handleInboundMail)
			webhookRoutes.GET("/email", handler.handleWebhookLiveness)
		}

		// ========== 管理 API ==========
		v1 := api.Group("/v1")
		v1.Use(apiLimiter.Handler())
		{
			mailboxRoutes := v1.Group("/mailboxes")
			{
				mailboxRoutes.POST("", handler.createMailbox)
				mailboxRoutes.GET("", handler.listMailboxes)
				mailboxRoutes.GET("/:id", handler.getMailbox)
				mailboxRoutes.POST("/:id/extend", handler.extendMailbox)
				mailboxRoutes.DELETE("/:id", handler.deleteMailbox)

				mailboxRoutes.GET("/:id/messages", handler.listMessages)
				mailboxRoutes.GET("/:id/messages/:messageId", handler.getMessage)
				mailboxRoutes.POST("/:id/messages/:messageId/read", handler.markMessageRead)
				mailboxRoutes.DELETE("/:id/messages/:messageId", handler.deleteMessage)
			}

			v1.GET("/shared/:publicId", handler.getSharedMessage)
		}

		// WebSocket 新邮件推送
		if deps.WebSocketHub != nil {
			api.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
		}
	}

	return router
}
