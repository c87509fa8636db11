package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMailboxExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("未到期", func(t *testing.T) {
		m := &Mailbox{ExpiresAt: now.Add(time.Minute)}
		assert.False(t, MailboxExpired(m, now))
	})

	t.Run("正好到期视为过期", func(t *testing.T) {
		m := &Mailbox{ExpiresAt: now}
		assert.True(t, MailboxExpired(m, now))
	})

	t.Run("已过期", func(t *testing.T) {
		m := &Mailbox{ExpiresAt: now.Add(-time.Second)}
		assert.True(t, MailboxExpired(m, now))
	})
}

func TestMailboxUsable(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("激活且未过期可用", func(t *testing.T) {
		m := &Mailbox{IsActive: true, ExpiresAt: now.Add(time.Hour)}
		assert.True(t, MailboxUsable(m, now))
	})

	t.Run("失效邮箱不可用", func(t *testing.T) {
		m := &Mailbox{IsActive: false, ExpiresAt: now.Add(time.Hour)}
		assert.False(t, MailboxUsable(m, now))
	})

	t.Run("过期邮箱不可用", func(t *testing.T) {
		m := &Mailbox{IsActive: true, ExpiresAt: now.Add(-time.Hour)}
		assert.False(t, MailboxUsable(m, now))
	})
}
