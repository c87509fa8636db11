package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage/memory"
)

const sampleMail = "From: Sender <s@y.test>\r\n" +
	"To: abc1@x.test\r\n" +
	"Subject: Hi\r\n" +
	"Message-ID: <m1@y.test>\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"hello from the relay\r\n"

type capturingNotifier struct {
	mailboxIDs []string
	messages   []*domain.Message
}

func (n *capturingNotifier) NotifyNewMessage(mailboxID string, message *domain.Message) {
	n.mailboxIDs = append(n.mailboxIDs, mailboxID)
	n.messages = append(n.messages, message)
}

func newTestPipeline(secret string) (*Pipeline, *memory.Store, *capturingNotifier) {
	store := memory.NewStore()
	logger := zap.NewNop()
	directory := NewDirectory(store, nil, nil, logger, testAutoTTL)
	dedup := NewDeduplicator(store, nil, logger)
	notifier := &capturingNotifier{}
	return NewPipeline(directory, dedup, store, notifier, nil, logger, secret), store, notifier
}

const testAutoTTL = time.Hour

func TestPipeline_Idempotency(t *testing.T) {
	ctx := context.Background()
	pipeline, store, notifier := newTestPipeline("")

	req := &IngestRequest{
		Recipient: "abc1@x.test",
		Sender:    "s@y.test",
		Subject:   "Hi",
		Raw:       []byte(sampleMail),
	}

	first, err := pipeline.Ingest(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.NotEmpty(t, first.MessageID)
	assert.Len(t, first.PublicID, 16)

	second, err := pipeline.Ingest(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	// 只落库一封，计数只加一次
	messages, err := store.ListMessages(first.MailboxID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.NotNil(t, messages[0].UpstreamMessageID)
	assert.Equal(t, "m1@y.test", *messages[0].UpstreamMessageID)
	assert.Equal(t, "hello from the relay", messages[0].PlainBody)
	assert.False(t, messages[0].Degraded)

	mailbox, err := store.GetMailbox(first.MailboxID)
	require.NoError(t, err)
	assert.Equal(t, 1, mailbox.MessageCount)

	// 推送只发给第一次投递
	assert.Len(t, notifier.messages, 1)
}

func TestPipeline_CrossMailboxIsolation(t *testing.T) {
	ctx := context.Background()
	pipeline, store, _ := newTestPipeline("")

	first, err := pipeline.Accept(ctx, "one@x.test", "s@y.test", "Hi", []byte(sampleMail))
	require.NoError(t, err)
	second, err := pipeline.Accept(ctx, "two@x.test", "s@y.test", "Hi", []byte(sampleMail))
	require.NoError(t, err)

	// 同一上游 Message-ID 投给不同邮箱是两次独立投递
	assert.False(t, first.Duplicate)
	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.MailboxID, second.MailboxID)
	assert.Len(t, store.ListMailboxes(), 2)
}

func TestPipeline_NoUpstreamIDNeverDeduplicated(t *testing.T) {
	ctx := context.Background()
	pipeline, store, _ := newTestPipeline("")

	raw := []byte("From: s@y.test\r\nSubject: no id\r\n\r\nbody\r\n")
	first, err := pipeline.Accept(ctx, "noid@x.test", "s@y.test", "no id", raw)
	require.NoError(t, err)
	second, err := pipeline.Accept(ctx, "noid@x.test", "s@y.test", "no id", raw)
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.False(t, second.Duplicate)

	messages, err := store.ListMessages(first.MailboxID)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestPipeline_DecodeFallback(t *testing.T) {
	ctx := context.Background()
	pipeline, store, _ := newTestPipeline("")

	result, err := pipeline.Ingest(ctx, &IngestRequest{
		Recipient: "fallback@x.test",
		Sender:    "s@y.test",
		Subject:   "Envelope subject",
		Raw:       []byte("%%% not mime at all"),
	})
	require.NoError(t, err)
	assert.False(t, result.Duplicate)

	message, err := store.GetMessage(result.MailboxID, result.MessageID)
	require.NoError(t, err)

	// 降级记录：信封字段兜底，正文为空，降级标记保留
	assert.True(t, message.Degraded)
	assert.Equal(t, "Envelope subject", message.Subject)
	assert.Equal(t, "s@y.test", message.FromAddress)
	assert.Empty(t, message.PlainBody)
	assert.Empty(t, message.HTMLBody)
	assert.Nil(t, message.UpstreamMessageID)
}

func TestPipeline_Rejection(t *testing.T) {
	ctx := context.Background()

	t.Run("缺少收件人不产生任何写入", func(t *testing.T) {
		pipeline, store, _ := newTestPipeline("")

		_, err := pipeline.Ingest(ctx, &IngestRequest{Sender: "s@y.test"})
		assert.ErrorIs(t, err, ErrMissingRecipient)
		assert.Empty(t, store.ListMailboxes())
	})

	t.Run("缺少发件人不产生任何写入", func(t *testing.T) {
		pipeline, store, _ := newTestPipeline("")

		_, err := pipeline.Ingest(ctx, &IngestRequest{Recipient: "r@x.test"})
		assert.ErrorIs(t, err, ErrMissingSender)
		assert.Empty(t, store.ListMailboxes())
	})

	t.Run("密钥不匹配连邮箱查询都不做", func(t *testing.T) {
		pipeline, store, _ := newTestPipeline("right-secret")

		_, err := pipeline.Ingest(ctx, &IngestRequest{
			Secret:    "wrong-secret",
			Recipient: "r@x.test",
			Sender:    "s@y.test",
			Raw:       []byte(sampleMail),
		})
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Empty(t, store.ListMailboxes())
	})

	t.Run("密钥匹配正常接收", func(t *testing.T) {
		pipeline, _, _ := newTestPipeline("right-secret")

		result, err := pipeline.Ingest(ctx, &IngestRequest{
			Secret:    "right-secret",
			Recipient: "r@x.test",
			Sender:    "s@y.test",
			Raw:       []byte(sampleMail),
		})
		require.NoError(t, err)
		assert.False(t, result.Duplicate)
	})
}

func TestPipeline_AttachmentMetadata(t *testing.T) {
	ctx := context.Background()
	pipeline, store, _ := newTestPipeline("")

	raw := "From: s@y.test\r\n" +
		"Subject: with file\r\n" +
		"Message-ID: <file@y.test>\r\n" +
		"Content-Type: multipart/mixed; boundary=BOUND\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--BOUND\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"aGVsbG8gd29ybGQ=\r\n" +
		"--BOUND--\r\n"

	result, err := pipeline.Accept(ctx, "files@x.test", "s@y.test", "with file", []byte(raw))
	require.NoError(t, err)

	message, err := store.GetMessage(result.MailboxID, result.MessageID)
	require.NoError(t, err)

	assert.True(t, message.HasAttachment)
	assert.Equal(t, 1, message.AttachmentCount)
	require.Len(t, message.Attachments, 1)
	assert.Equal(t, "report.pdf", message.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", message.Attachments[0].ContentType)
	assert.Equal(t, message.ID, message.Attachments[0].MessageID)
}
