package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsink/backend/internal/service"
)

// SecretHeader 上游中继携带共享密钥的请求头
const SecretHeader = "X-Webhook-Secret"

// inboundMail 上游中继投递一封邮件的请求体。
//
// raw 是完整的原始 MIME 内容；subject 是传输层信封里的主题，
// 仅在 raw 解析失败时作为降级记录的兜底。
type inboundMail struct {
	Recipient string `json:"recipient"`
	Sender    string `json:"sender"`
	Subject   string `json:"subject"`
	Raw       string `json:"raw"`
}

// handleInboundMail 接收上游中继的邮件投递。
//
// 响应契约面向中继而不是浏览器：
//   - 401 密钥不匹配，终态，中继不应重试
//   - 400 信封缺字段，终态
//   - 200 {accepted:true, messageId, publicId} 新投递
//   - 200 {accepted:true, duplicate:true} 重复投递（幂等成功）
//   - 500 存储故障，中继可安全盲重试
func (h *Handler) handleInboundMail(c *gin.Context) {
	var payload inboundMail
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.pipeline.Ingest(c.Request.Context(), &service.IngestRequest{
		Secret:    c.GetHeader(SecretHeader),
		Recipient: payload.Recipient,
		Sender:    payload.Sender,
		Subject:   payload.Subject,
		Raw:       []byte(payload.Raw),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnauthorized):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		case errors.Is(err, service.ErrMissingRecipient), errors.Is(err, service.ErrMissingSender):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("inbound mail ingestion failed",
				zap.String("recipient", payload.Recipient),
				zap.Error(err),
			)
			// 对中继只暴露可重试信号，不暴露内部细节
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ingestion failed"})
		}
		return
	}

	if result.Duplicate {
		c.JSON(http.StatusOK, gin.H{
			"accepted":  true,
			"duplicate": true,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accepted":  true,
		"messageId": result.MessageID,
		"publicId":  result.PublicID,
	})
}

// handleWebhookLiveness 同路径 GET 的静态存活响应，不触发任何接收逻辑。
func (h *Handler) handleWebhookLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "mailsink-inbound-webhook",
	})
}
