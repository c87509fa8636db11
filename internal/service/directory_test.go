package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsink/backend/internal/storage/memory"
)

func newTestDirectory(autoTTL time.Duration) (*Directory, *memory.Store) {
	store := memory.NewStore()
	return NewDirectory(store, nil, nil, zap.NewNop(), autoTTL), store
}

func TestDirectory_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("未知地址自动开通", func(t *testing.T) {
		dir, _ := newTestDirectory(time.Hour)

		before := time.Now()
		mailbox, err := dir.Resolve(ctx, "Fresh@Temp-Mail.com")
		require.NoError(t, err)

		assert.Equal(t, "fresh@temp-mail.com", mailbox.Address)
		assert.Equal(t, "fresh", mailbox.LocalPart)
		assert.Equal(t, "temp-mail.com", mailbox.Domain)
		assert.True(t, mailbox.IsActive)
		// 自动开通使用兜底 TTL
		assert.WithinDuration(t, before.Add(time.Hour), mailbox.ExpiresAt, 5*time.Second)
	})

	t.Run("已有邮箱复用同一行", func(t *testing.T) {
		dir, _ := newTestDirectory(time.Hour)

		first, err := dir.Resolve(ctx, "same@temp-mail.com")
		require.NoError(t, err)
		second, err := dir.Resolve(ctx, "SAME@temp-mail.com")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("过期邮箱惰性失效并开通新行", func(t *testing.T) {
		dir, store := newTestDirectory(time.Hour)

		first, err := dir.Resolve(ctx, "gone@temp-mail.com")
		require.NoError(t, err)

		// 把过期时间拨到过去
		require.NoError(t, store.UpdateMailboxExpiry(first.ID, time.Now().Add(-time.Minute)))

		second, err := dir.Resolve(ctx, "gone@temp-mail.com")
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
		assert.True(t, second.IsActive)

		// 旧行保留但对接收而言已终结
		old, err := store.GetMailbox(first.ID)
		require.NoError(t, err)
		assert.False(t, old.IsActive)
	})

	t.Run("并发开通只产生一个邮箱", func(t *testing.T) {
		dir, store := newTestDirectory(time.Hour)

		const workers = 16
		ids := make([]string, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				mailbox, err := dir.Resolve(ctx, "raced@temp-mail.com")
				if assert.NoError(t, err) {
					ids[i] = mailbox.ID
				}
			}(i)
		}
		wg.Wait()

		for _, id := range ids[1:] {
			assert.Equal(t, ids[0], id)
		}
		assert.Len(t, store.ListMailboxes(), 1)
	})
}

func TestSplitAddress(t *testing.T) {
	local, domainName := SplitAddress("user@example.com")
	assert.Equal(t, "user", local)
	assert.Equal(t, "example.com", domainName)

	local, domainName = SplitAddress("noat")
	assert.Equal(t, "noat", local)
	assert.Empty(t, domainName)
}
