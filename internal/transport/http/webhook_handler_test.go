package httptransport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsink/backend/internal/config"
	"mailsink/backend/internal/service"
	"mailsink/backend/internal/storage/memory"
)

const sampleMail = "From: Sender <s@y.test>\r\n" +
	"Subject: Hi\r\n" +
	"Message-ID: <m1@y.test>\r\n" +
	"\r\n" +
	"hello\r\n"

func newTestRouter(t *testing.T, secret string) (*gin.Engine, *memory.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	logger := zap.NewNop()
	directory := service.NewDirectory(store, nil, nil, logger, time.Hour)
	dedup := service.NewDeduplicator(store, nil, logger)
	pipeline := service.NewPipeline(directory, dedup, store, nil, nil, logger, secret)
	mailboxes := service.NewMailboxService(store, nil, nil, logger, "temp-mail.com", 10*time.Minute)
	messages := service.NewMessageService(store, mailboxes)

	cfg := &config.Config{
		SMTP: config.SMTPConfig{MaxMessageBytes: 10 * 1024 * 1024},
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
	}

	router := NewRouter(RouterDependencies{
		Config:         cfg,
		Pipeline:       pipeline,
		MailboxService: mailboxes,
		MessageService: messages,
		Logger:         logger,
	})
	return router, store
}

func postInbound(router *gin.Engine, secret string, payload map[string]string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/email", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestInboundWebhook_AcceptAndDuplicate(t *testing.T) {
	router, store := newTestRouter(t, "")

	payload := map[string]string{
		"recipient": "abc1@x.test",
		"sender":    "s@y.test",
		"subject":   "Hi",
		"raw":       sampleMail,
	}

	first := postInbound(router, "", payload)
	require.Equal(t, http.StatusOK, first.Code)

	var firstBody map[string]interface{}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstBody))
	assert.Equal(t, true, firstBody["accepted"])
	assert.NotEmpty(t, firstBody["messageId"])
	assert.NotEmpty(t, firstBody["publicId"])

	second := postInbound(router, "", payload)
	require.Equal(t, http.StatusOK, second.Code)

	var secondBody map[string]interface{}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondBody))
	assert.Equal(t, true, secondBody["accepted"])
	assert.Equal(t, true, secondBody["duplicate"])

	mailbox, err := store.GetMailboxByAddress("abc1@x.test")
	require.NoError(t, err)
	messages, err := store.ListMessages(mailbox.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestInboundWebhook_SecretCheck(t *testing.T) {
	router, store := newTestRouter(t, "hook-secret")

	payload := map[string]string{
		"recipient": "r@x.test",
		"sender":    "s@y.test",
		"raw":       sampleMail,
	}

	t.Run("密钥错误401且无写入", func(t *testing.T) {
		rec := postInbound(router, "wrong", payload)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, store.ListMailboxes())
	})

	t.Run("密钥缺失401", func(t *testing.T) {
		rec := postInbound(router, "", payload)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("密钥正确200", func(t *testing.T) {
		rec := postInbound(router, "hook-secret", payload)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestInboundWebhook_BadRequest(t *testing.T) {
	router, store := newTestRouter(t, "")

	rec := postInbound(router, "", map[string]string{"sender": "s@y.test"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, store.ListMailboxes())

	rec = postInbound(router, "", map[string]string{"recipient": "r@x.test"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInboundWebhook_DecodeFallback(t *testing.T) {
	router, store := newTestRouter(t, "")

	rec := postInbound(router, "", map[string]string{
		"recipient": "fb@x.test",
		"sender":    "s@y.test",
		"subject":   "Envelope only",
		"raw":       "%%% garbage",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	mailbox, err := store.GetMailboxByAddress("fb@x.test")
	require.NoError(t, err)
	messages, err := store.ListMessages(mailbox.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.True(t, messages[0].Degraded)
	assert.Equal(t, "Envelope only", messages[0].Subject)
	assert.Empty(t, messages[0].PlainBody)
}

func TestInboundWebhook_LivenessGet(t *testing.T) {
	router, _ := newTestRouter(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/webhook/email", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestMailboxAPI_Lifecycle(t *testing.T) {
	router, _ := newTestRouter(t, "")

	// 创建
	body, _ := json.Marshal(map[string]string{"localPart": "demo"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mailboxes", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Data struct {
			ID      string `json:"id"`
			Address string `json:"address"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "demo@temp-mail.com", created.Data.Address)

	// 读取
	req = httptest.NewRequest(http.MethodGet, "/api/v1/mailboxes/"+created.Data.ID, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// 删除后不可见
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/mailboxes/"+created.Data.ID, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/mailboxes/"+created.Data.ID, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
