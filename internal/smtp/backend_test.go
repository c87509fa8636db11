package smtp

import (
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsink/backend/internal/service"
	"mailsink/backend/internal/storage/memory"
)

func newTestBackend() (*Backend, *memory.Store) {
	store := memory.NewStore()
	logger := zap.NewNop()
	directory := service.NewDirectory(store, nil, nil, logger, time.Hour)
	dedup := service.NewDeduplicator(store, nil, logger)
	pipeline := service.NewPipeline(directory, dedup, store, nil, nil, logger, "")
	return NewBackend(pipeline, "temp-mail.com", logger), store
}

func TestSession_RcptDomainGating(t *testing.T) {
	backend, _ := newTestBackend()
	sess, err := backend.NewSession(nil)
	require.NoError(t, err)

	require.NoError(t, sess.Mail("sender@outside.org", &gosmtp.MailOptions{}))

	t.Run("系统域名内任意地址接受", func(t *testing.T) {
		assert.NoError(t, sess.Rcpt("<anyone@temp-mail.com>", &gosmtp.RcptOptions{}))
	})

	t.Run("外部域名550拒绝", func(t *testing.T) {
		err := sess.Rcpt("victim@elsewhere.org", &gosmtp.RcptOptions{})
		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 550, smtpErr.Code)
	})

	t.Run("无域名地址501拒绝", func(t *testing.T) {
		err := sess.Rcpt("nodomain", &gosmtp.RcptOptions{})
		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 501, smtpErr.Code)
	})
}

func TestSession_DataDeliversThroughPipeline(t *testing.T) {
	backend, store := newTestBackend()
	sess, err := backend.NewSession(nil)
	require.NoError(t, err)

	require.NoError(t, sess.Mail("<Sender@Outside.org>", &gosmtp.MailOptions{}))
	require.NoError(t, sess.Rcpt("inbox@temp-mail.com", &gosmtp.RcptOptions{}))

	raw := "From: Sender <sender@outside.org>\r\n" +
		"Subject: via smtp\r\n" +
		"Message-ID: <smtp-1@outside.org>\r\n" +
		"\r\n" +
		"delivered over smtp\r\n"
	require.NoError(t, sess.Data(strings.NewReader(raw)))

	// 邮箱按需开通，邮件已落库
	mailbox, err := store.GetMailboxByAddress("inbox@temp-mail.com")
	require.NoError(t, err)
	messages, err := store.ListMessages(mailbox.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "via smtp", messages[0].Subject)
	assert.Equal(t, "sender@outside.org", messages[0].FromAddress)
}
