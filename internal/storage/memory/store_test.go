package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage"
)

func newMailbox(id, address string, expiresAt time.Time) *domain.Mailbox {
	active := address
	return &domain.Mailbox{
		ID:            id,
		Address:       address,
		ActiveAddress: &active,
		LocalPart:     "user",
		Domain:        "temp-mail.com",
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     expiresAt,
		IsActive:      true,
	}
}

func TestStore_MailboxAddressUniqueness(t *testing.T) {
	store := NewStore()
	expires := time.Now().Add(time.Hour)

	require.NoError(t, store.CreateMailbox(newMailbox("m1", "a@temp-mail.com", expires)))

	t.Run("重复激活地址返回ErrAddressTaken", func(t *testing.T) {
		err := store.CreateMailbox(newMailbox("m2", "a@temp-mail.com", expires))
		assert.ErrorIs(t, err, storage.ErrAddressTaken)
	})

	t.Run("失效后同地址可重新开通", func(t *testing.T) {
		require.NoError(t, store.DeactivateMailbox("m1"))

		err := store.CreateMailbox(newMailbox("m3", "a@temp-mail.com", expires))
		assert.NoError(t, err)

		// 地址索引指向新邮箱
		found, err := store.GetMailboxByAddress("a@temp-mail.com")
		require.NoError(t, err)
		assert.Equal(t, "m3", found.ID)

		// 旧行保留但已失效
		old, err := store.GetMailbox("m1")
		require.NoError(t, err)
		assert.False(t, old.IsActive)
		assert.Nil(t, old.ActiveAddress)
	})
}

func TestStore_MessageDedup(t *testing.T) {
	store := NewStore()
	expires := time.Now().Add(time.Hour)
	require.NoError(t, store.CreateMailbox(newMailbox("m1", "a@temp-mail.com", expires)))
	require.NoError(t, store.CreateMailbox(newMailbox("m2", "b@temp-mail.com", expires)))

	upstream := "<msg-1@sender.example>"
	msg := func(id, mailboxID string, up *string) *domain.Message {
		return &domain.Message{
			ID:                id,
			PublicID:          "pub-" + id,
			MailboxID:         mailboxID,
			UpstreamMessageID: up,
			FromAddress:       "s@y.test",
			ToAddress:         "a@temp-mail.com",
			ReceivedAt:        time.Now().UTC(),
		}
	}

	t.Run("同邮箱同上游ID冲突", func(t *testing.T) {
		require.NoError(t, store.SaveMessage(msg("e1", "m1", &upstream)))
		err := store.SaveMessage(msg("e2", "m1", &upstream))
		assert.ErrorIs(t, err, storage.ErrDuplicateDelivery)
	})

	t.Run("不同邮箱同上游ID互不影响", func(t *testing.T) {
		err := store.SaveMessage(msg("e3", "m2", &upstream))
		assert.NoError(t, err)
	})

	t.Run("无上游ID不去重", func(t *testing.T) {
		assert.NoError(t, store.SaveMessage(msg("e4", "m1", nil)))
		assert.NoError(t, store.SaveMessage(msg("e5", "m1", nil)))
	})

	t.Run("按去重键查找", func(t *testing.T) {
		found, err := store.GetMessageByUpstreamID("m1", upstream)
		require.NoError(t, err)
		assert.Equal(t, "e1", found.ID)

		_, err = store.GetMessageByUpstreamID("m1", "<other@sender.example>")
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	})
}

func TestStore_IncrementMessageCount(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.CreateMailbox(newMailbox("m1", "a@temp-mail.com", time.Now().Add(time.Hour))))

	require.NoError(t, store.IncrementMessageCount("m1"))
	require.NoError(t, store.IncrementMessageCount("m1"))

	mailbox, err := store.GetMailbox("m1")
	require.NoError(t, err)
	assert.Equal(t, 2, mailbox.MessageCount)

	assert.ErrorIs(t, store.IncrementMessageCount("missing"), storage.ErrMailboxNotFound)
}

func TestStore_DeleteMailboxCascades(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.CreateMailbox(newMailbox("m1", "a@temp-mail.com", time.Now().Add(time.Hour))))

	upstream := "<m@x>"
	require.NoError(t, store.SaveMessage(&domain.Message{
		ID: "e1", PublicID: "pub-e1", MailboxID: "m1",
		UpstreamMessageID: &upstream, ReceivedAt: time.Now().UTC(),
	}))

	require.NoError(t, store.DeleteMailbox("m1"))

	_, err := store.GetMailbox("m1")
	assert.ErrorIs(t, err, storage.ErrMailboxNotFound)
	_, err = store.GetMessageByPublicID("pub-e1")
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)

	// 地址与去重键随级联删除一并释放
	assert.NoError(t, store.CreateMailbox(newMailbox("m2", "a@temp-mail.com", time.Now().Add(time.Hour))))
	require.NoError(t, store.SaveMessage(&domain.Message{
		ID: "e2", PublicID: "pub-e2", MailboxID: "m2",
		UpstreamMessageID: &upstream, ReceivedAt: time.Now().UTC(),
	}))
}

func TestStore_DeleteExpiredMailboxes(t *testing.T) {
	store := NewStore()
	now := time.Now().UTC()
	require.NoError(t, store.CreateMailbox(newMailbox("old", "old@temp-mail.com", now.Add(-time.Minute))))
	require.NoError(t, store.CreateMailbox(newMailbox("fresh", "fresh@temp-mail.com", now.Add(time.Hour))))

	count, err := store.DeleteExpiredMailboxes(now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = store.GetMailbox("old")
	assert.ErrorIs(t, err, storage.ErrMailboxNotFound)
	_, err = store.GetMailbox("fresh")
	assert.NoError(t, err)
}

func TestStore_ListMessagesOrder(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.CreateMailbox(newMailbox("m1", "a@temp-mail.com", time.Now().Add(time.Hour))))

	base := time.Now().UTC()
	for i, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, store.SaveMessage(&domain.Message{
			ID: id, PublicID: "pub-" + id, MailboxID: "m1",
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	messages, err := store.ListMessages("m1")
	require.NoError(t, err)
	require.Len(t, messages, 3)
	// 接收时间倒序
	assert.Equal(t, "e3", messages[0].ID)
	assert.Equal(t, "e1", messages[2].ID)
}
